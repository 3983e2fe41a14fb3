// Package entry define a entrada de configuração de um trem e o contrato de armazenamento.
package entry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidMAC        = errors.New("invalid mac address")
	ErrAlreadyConfigured = errors.New("device already configured")
	ErrNotFound          = errors.New("entry not found")
	ErrImmutableMAC      = errors.New("mac address cannot be changed")
)

// Source indica por qual caminho do assistente a entrada foi criada.
type Source string

const (
	SourceUser      Source = "user"
	SourceManual    Source = "manual"
	SourceBluetooth Source = "bluetooth"
)

// Entry é a configuração persistida de um trem.
// A chave de unicidade é o MAC; só nome, modelo e UUID do serviço podem ser reconfigurados.
type Entry struct {
	ID          string    `json:"id" bson:"_id"`
	MACAddress  string    `json:"mac_address" bson:"mac_address"`
	Name        string    `json:"name" bson:"name"`
	ServiceUUID string    `json:"service_uuid" bson:"service_uuid"`
	TrainModel  string    `json:"train_model,omitempty" bson:"train_model,omitempty"`
	Source      Source    `json:"source" bson:"source"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// New monta uma entrada com ID novo e MAC normalizado.
func New(mac, name, serviceUUID, trainModel string, source Source) (*Entry, error) {
	if !ValidMAC(mac) {
		return nil, ErrInvalidMAC
	}
	return &Entry{
		ID:          uuid.NewString(),
		MACAddress:  NormalizeMAC(mac),
		Name:        name,
		ServiceUUID: serviceUUID,
		TrainModel:  trainModel,
		Source:      source,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Title é o nome exibido para a entrada.
func (e *Entry) Title() string {
	return e.Name
}

// ValidMAC aceita exatamente seis octetos hexadecimais de dois caracteres separados por ':'.
func ValidMAC(mac string) bool {
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return false
	}
	for _, part := range parts {
		if len(part) != 2 || !isHex(part[0]) || !isHex(part[1]) {
			return false
		}
	}
	return true
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// NormalizeMAC devolve o MAC em maiúsculas, forma usada como chave em todos os stores.
func NormalizeMAC(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}

// Store é implementado pelos backends em pkg/database.
type Store interface {
	List(ctx context.Context) ([]Entry, error)
	Get(ctx context.Context, id string) (*Entry, error)
	GetByMAC(ctx context.Context, mac string) (*Entry, error)
	// Create falha com ErrAlreadyConfigured se o MAC já existir.
	Create(ctx context.Context, e *Entry) error
	// Update altera nome, modelo e UUID do serviço; o MAC não pode mudar.
	Update(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Configured informa se já existe uma entrada para o MAC.
func Configured(ctx context.Context, s Store, mac string) (bool, error) {
	_, err := s.GetByMAC(ctx, NormalizeMAC(mac))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ConfiguredSet carrega todos os MACs já configurados de uma vez só.
func ConfiguredSet(ctx context.Context, s Store) (map[string]struct{}, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		set[NormalizeMAC(e.MACAddress)] = struct{}{}
	}
	return set, nil
}
