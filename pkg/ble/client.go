package ble

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

var ErrNoLink = errors.New("ble: not connected")

// Link gerencia a conexão com um trem físico.
// Implementa coordinator.Transport.
type Link struct {
	mu           sync.Mutex
	client       ble.Client
	writeChar    *ble.Characteristic
	disconnected <-chan struct{}
	settle       time.Duration
	log          *logrus.Entry
}

// NewLink exige que UseAdapter já tenha sido chamado.
func NewLink(log *logrus.Entry) *Link {
	return &Link{settle: time.Second, log: log}
}

// Connect procura o trem pelo MAC, descobre o perfil e se inscreve nas notificações.
func (l *Link) Connect(ctx context.Context, mac string, onNotify func([]byte)) error {
	l.log.WithField("mac", mac).Info("Procurando pelo trem...")

	// Tenta se conectar a um dispositivo que tenha o MAC address especificado.
	radio.Lock()
	client, err := ble.Connect(ctx, func(a ble.Advertisement) bool {
		return strings.EqualFold(a.Addr().String(), mac)
	})
	radio.Unlock()
	if err != nil {
		return fmt.Errorf("connect %s: %w", mac, err)
	}

	// Canal que será sinalizado pela biblioteca quando a conexão for perdida.
	disconnected := client.Disconnected()
	time.Sleep(l.settle)

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return fmt.Errorf("discover profile: %w", err)
	}

	writeChar := FindCharacteristic(profile, TrainWriteCharUUID.String())
	if writeChar == nil {
		client.CancelConnection()
		return errors.New("write characteristic not found")
	}

	if notifyChar := FindCharacteristic(profile, TrainNotifyCharUUID.String()); notifyChar != nil {
		if err := client.Subscribe(notifyChar, false, func(data []byte) {
			l.log.WithField("data", hex.EncodeToString(data)).Debug("🔔 Notificação recebida")
			if onNotify != nil {
				onNotify(data)
			}
		}); err != nil {
			client.CancelConnection()
			return fmt.Errorf("subscribe: %w", err)
		}
	} else {
		l.log.Warn("Característica de notificação não encontrada, seguindo sem status.")
	}

	l.mu.Lock()
	l.client = client
	l.writeChar = writeChar
	l.disconnected = disconnected
	l.mu.Unlock()

	l.log.WithField("mac", mac).Info("✅ Conectado ao trem!")
	return nil
}

// Write envia um quadro já montado para a característica de escrita.
func (l *Link) Write(_ context.Context, data []byte) error {
	l.mu.Lock()
	client, char := l.client, l.writeChar
	l.mu.Unlock()
	if client == nil {
		return ErrNoLink
	}
	l.log.WithField("frame", hex.EncodeToString(data)).Debug(">> Enviando comando")
	return client.WriteCharacteristic(char, data, false)
}

// Disconnect encerra a conexão atual, se houver.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	client := l.client
	l.client = nil
	l.writeChar = nil
	l.mu.Unlock()
	if client == nil {
		return nil
	}
	l.log.Info("🔌 Desconectando do trem.")
	return client.CancelConnection()
}

// Disconnected devolve o canal da conexão atual (nil se não houver conexão).
func (l *Link) Disconnected() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnected
}
