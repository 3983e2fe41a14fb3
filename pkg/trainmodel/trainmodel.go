// Package trainmodel contém os nomes das falas de cada modelo de trem.
//
// Cada modelo tem frases diferentes para os mesmos códigos de anúncio (0 a 6),
// então a ordem da lista define o código enviado ao trem.
package trainmodel

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Generic é o modelo usado quando nenhum (ou um desconhecido) foi escolhido.
const Generic = "Generic"

// Announcement liga uma chave estável à frase que o trem realmente fala.
type Announcement struct {
	Key    string
	Phrase string
	Code   byte
}

type model struct {
	name          string
	announcements []Announcement
}

func announcements(pairs ...string) []Announcement {
	out := make([]Announcement, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Announcement{Key: pairs[i], Phrase: pairs[i+1], Code: byte(i / 2)})
	}
	return out
}

var defaultAnnouncements = announcements(
	"random", "Random",
	"ready_to_roll", "Ready to Roll",
	"hey_there", "Hey There",
	"squeaky", "Squeaky",
	"water_and_fire", "Water & Fire",
	"fastest_freight", "Fastest Freight",
	"penna_flyer", "Penna Flyer",
)

// Para adicionar um modelo novo basta incluir uma entrada aqui com as 7 frases na ordem dos códigos.
var models = []model{
	{name: Generic, announcements: defaultAnnouncements},
	{name: "Polar Express", announcements: announcements(
		"random", "Random",
		"ready_to_roll", "Polar Express",
		"hey_there", "All Aboard",
		"squeaky", "You Coming?",
		"water_and_fire", "Tickets",
		"fastest_freight", "First Gift",
		"penna_flyer", "The King",
	)},
	{name: "Thomas The Tank Engine", announcements: announcements(
		"random", "Random",
		"all_aboard", "All Aboard",
		"full_steam_ahead", "Full Steam Ahead!",
		"number_1_engine", "Number 1 Engine",
		"rocking_the_rails", "Rocking the Rails",
		"oh_yeah", "Oh Yeah!",
		"on_track_and_on_time", "On Track and On Time!",
	)},
}

var titleCaser = cases.Title(language.English)

// Options lista os modelos na ordem em que aparecem no assistente.
func Options() []string {
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.name
	}
	return names
}

// Known informa se o nome corresponde a um modelo cadastrado.
func Known(name string) bool {
	for _, m := range models {
		if m.name == name {
			return true
		}
	}
	return false
}

// Announcements devolve uma cópia da lista de falas do modelo (Generic se desconhecido).
func Announcements(name string) []Announcement {
	list := defaultAnnouncements
	for _, m := range models {
		if m.name == name {
			list = m.announcements
			break
		}
	}
	out := make([]Announcement, len(list))
	copy(out, list)
	return out
}

// Lookup procura uma fala pela chave dentro do modelo.
func Lookup(modelName, key string) (Announcement, bool) {
	for _, a := range Announcements(modelName) {
		if a.Key == key {
			return a, true
		}
	}
	return Announcement{}, false
}

// AnnouncementName devolve a frase exibida para a chave; chaves desconhecidas viram "Title Case".
func AnnouncementName(modelName, key string) string {
	if a, ok := Lookup(modelName, key); ok {
		return a.Phrase
	}
	return titleCaser.String(strings.ReplaceAll(key, "_", " "))
}
