// Package ble contém toda a lógica Bluetooth Low Energy (BLE) do projeto.
package ble

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"

	"lionchief-bridge/pkg/lionchief"
)

// --- CONSTANTES E UUIDs BLE ---
// UUIDs são os "endereços" universais para serviços e características Bluetooth.
var (
	TrainSvcUUID        = ble.MustParse(lionchief.ServiceUUID)
	TrainWriteCharUUID  = ble.MustParse(lionchief.WriteCharUUID)
	TrainNotifyCharUUID = ble.MustParse(lionchief.NotifyCharUUID)
)

var (
	deviceOnce sync.Once
	device     ble.Device
	deviceErr  error

	// radio serializa scans e conexões: a go-ble só mantém um handler de anúncios por vez.
	radio sync.Mutex
)

// UseAdapter configura qual adaptador Bluetooth físico usar (ex: hci0).
// A go-ble trabalha com um dispositivo padrão global, então só a primeira chamada vale.
func UseAdapter(adapterID int) error {
	_, err := newDevice(adapterID)
	return err
}

func newDevice(adapterID int) (ble.Device, error) {
	deviceOnce.Do(func() {
		d, err := linux.NewDevice(ble.OptDeviceID(adapterID))
		if err != nil {
			deviceErr = fmt.Errorf("select adapter hci%d: %w", adapterID, err)
			return
		}
		ble.SetDefaultDevice(d)
		device = d
	})
	return device, deviceErr
}

// Advertisement é a visão do projeto de um anúncio BLE recebido.
type Advertisement struct {
	Address      string
	Name         string
	ServiceUUIDs []string
	RSSI         int
	SeenAt       time.Time
}

// HasService informa se o anúncio carrega o UUID de serviço (comparação sem caixa e sem hífens).
func (a Advertisement) HasService(uuid string) bool {
	want := normalizeUUID(uuid)
	for _, s := range a.ServiceUUIDs {
		if normalizeUUID(s) == want {
			return true
		}
	}
	return false
}

func fromBLE(a ble.Advertisement) Advertisement {
	services := make([]string, 0, len(a.Services()))
	for _, s := range a.Services() {
		services = append(services, s.String())
	}
	return Advertisement{
		Address:      strings.ToUpper(a.Addr().String()),
		Name:         a.LocalName(),
		ServiceUUIDs: services,
		RSSI:         a.RSSI(),
		SeenAt:       time.Now(),
	}
}

func normalizeUUID(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "-", ""))
}

// FindCharacteristic é uma função auxiliar para encontrar uma característica dentro de um perfil BLE.
func FindCharacteristic(p *ble.Profile, uuidStr string) *ble.Characteristic {
	target := normalizeUUID(uuidStr)
	for _, s := range p.Services {
		for _, c := range s.Characteristics {
			if normalizeUUID(c.UUID.String()) == target {
				return c
			}
		}
	}
	return nil
}
