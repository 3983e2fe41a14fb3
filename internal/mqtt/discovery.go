package mqtt

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"lionchief-bridge/pkg/entity"
	"lionchief-bridge/pkg/entry"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
	payloadPress   = "PRESS"
	payloadOn      = "ON"
	payloadOff     = "OFF"
)

// Topics monta os tópicos usados pelo bridge.
type Topics struct {
	Discovery string // prefixo de descoberta do Home Assistant
	Base      string // prefixo dos tópicos de estado e comando
}

// NodeID identifica o trem nos tópicos: "lionchief_aabbccddeeff".
func NodeID(mac string) string {
	return "lionchief_" + strings.ToLower(strings.ReplaceAll(mac, ":", ""))
}

func (t Topics) Bridge() string { return t.Base + "/bridge/status" }

func (t Topics) State(node, key string) string { return fmt.Sprintf("%s/%s/%s/state", t.Base, node, key) }

func (t Topics) Attributes(node, key string) string {
	return fmt.Sprintf("%s/%s/%s/attributes", t.Base, node, key)
}

func (t Topics) Availability(node, key string) string {
	return fmt.Sprintf("%s/%s/%s/availability", t.Base, node, key)
}

func (t Topics) Command(node, key string) string { return fmt.Sprintf("%s/%s/%s/set", t.Base, node, key) }

// CommandFilter é a assinatura que cobre todos os comandos.
func (t Topics) CommandFilter() string { return t.Base + "/+/+/set" }

func (t Topics) Config(kind entity.Kind, node, key string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", t.Discovery, kind, node, key)
}

// ParseCommand extrai nó e chave de "<base>/<nó>/<chave>/set".
func (t Topics) ParseCommand(topic string) (node, key string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Base+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// DiscoveryConfig monta o payload de descoberta de uma entidade.
func (t Topics) DiscoveryConfig(e entry.Entry, snap entity.Snapshot) map[string]any {
	node := NodeID(e.MACAddress)
	cfg := map[string]any{
		"name":      snap.Name,
		"unique_id": snap.UniqueID,
		"object_id": node + "_" + snap.Key,
		"availability": []map[string]string{
			{"topic": t.Bridge()},
			{"topic": t.Availability(node, snap.Key)},
		},
		"availability_mode": "all",
		"device": map[string]any{
			"identifiers":  []string{node},
			"connections":  [][]string{{"mac", e.MACAddress}},
			"name":         e.Title(),
			"manufacturer": "Lionel",
			"model":        trainModelOrGeneric(e.TrainModel),
		},
	}
	if snap.Icon != "" {
		cfg["icon"] = snap.Icon
	}

	switch snap.Kind {
	case entity.KindButton:
		cfg["command_topic"] = t.Command(node, snap.Key)
		cfg["payload_press"] = payloadPress
	case entity.KindSwitch:
		cfg["command_topic"] = t.Command(node, snap.Key)
		cfg["state_topic"] = t.State(node, snap.Key)
		cfg["payload_on"] = payloadOn
		cfg["payload_off"] = payloadOff
	case entity.KindNumber:
		cfg["command_topic"] = t.Command(node, snap.Key)
		cfg["state_topic"] = t.State(node, snap.Key)
		if snap.Min != nil && snap.Max != nil && snap.Step != nil {
			cfg["min"], cfg["max"], cfg["step"] = *snap.Min, *snap.Max, *snap.Step
		}
		cfg["mode"] = "slider"
	case entity.KindSensor:
		cfg["state_topic"] = t.State(node, snap.Key)
		if snap.Attributes != nil {
			cfg["json_attributes_topic"] = t.Attributes(node, snap.Key)
		}
	}
	return cfg
}

func trainModelOrGeneric(model string) string {
	if model == "" {
		return "Generic"
	}
	return model
}

// StatePayload converte o estado da entidade no texto publicado. Botões não têm estado.
func StatePayload(snap entity.Snapshot) (string, bool) {
	switch snap.Kind {
	case entity.KindSwitch:
		if snap.State == "on" {
			return payloadOn, true
		}
		return payloadOff, true
	case entity.KindSensor, entity.KindNumber:
		return fmt.Sprint(snap.State), true
	}
	return "", false
}

func availabilityPayload(available bool) string {
	if available {
		return payloadOnline
	}
	return payloadOffline
}

// parseSwitch aceita ON/OFF (e variações comuns) vindos do Home Assistant.
func parseSwitch(payload string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(payload)) {
	case payloadOn, "TRUE", "1":
		return true, nil
	case payloadOff, "FALSE", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid switch payload %q", payload)
}

func parseNumber(payload string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number payload %q: %w", payload, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid number payload %q", payload)
	}
	return v, nil
}
