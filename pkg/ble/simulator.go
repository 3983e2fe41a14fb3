package ble

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"lionchief-bridge/pkg/lionchief"
)

// SimState é o estado do trem simulado.
type SimState struct {
	sync.RWMutex
	Speed            byte
	Forward          bool
	Bell             bool
	Horn             bool
	Lights           bool
	LastAnnouncement byte
	Commands         int
}

// Apply aplica um comando decodificado ao estado simulado.
func (s *SimState) Apply(cmd lionchief.Command) {
	s.Lock()
	defer s.Unlock()
	s.Commands++
	switch cmd.Op {
	case lionchief.OpSpeed:
		if len(cmd.Params) > 0 {
			s.Speed = cmd.Params[0]
		}
	case lionchief.OpDirection:
		s.Forward = cmd.Forward()
	case lionchief.OpBell:
		s.Bell = cmd.On()
	case lionchief.OpHorn:
		s.Horn = cmd.On()
	case lionchief.OpLights:
		s.Lights = cmd.On()
	case lionchief.OpAnnouncement:
		if len(cmd.Params) > 0 {
			s.LastAnnouncement = cmd.Params[0]
		}
	}
}

// Status serializa o estado no pacote de notificação do simulador:
// velocidade, direção, sino, buzina, luzes.
func (s *SimState) Status() []byte {
	s.RLock()
	defer s.RUnlock()
	b := func(v bool) byte {
		if v {
			return 1
		}
		return 0
	}
	return []byte{s.Speed, b(s.Forward), b(s.Bell), b(s.Horn), b(s.Lights)}
}

// RunSimulator anuncia um trem falso até o contexto acabar. Útil para testar o bridge sem hardware.
func RunSimulator(ctx context.Context, adapterID int, name string, state *SimState, log *logrus.Entry) error {
	d, err := newDevice(adapterID)
	if err != nil {
		return err
	}

	// --- Definição de Serviços e Características ---
	svc := ble.NewService(TrainSvcUUID)
	writeChar := svc.NewCharacteristic(TrainWriteCharUUID)
	notifyChar := svc.NewCharacteristic(TrainNotifyCharUUID)

	// --- Anexando os Handlers ---
	writeChar.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		data := req.Data()
		cmd, err := lionchief.Decode(data)
		if err != nil {
			log.WithError(err).WithField("data", hex.EncodeToString(data)).Warn("<< Quadro inválido")
			return
		}
		log.WithField("cmd", cmd.String()).Info("<< Comando recebido")
		state.Apply(cmd)
	}))

	notifyChar.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, ntf ble.Notifier) {
		log.WithField("remote", req.Conn().RemoteAddr()).Info("✅ Cliente inscrito (status)")
		defer log.WithField("remote", req.Conn().RemoteAddr()).Info("🔌 Cliente desinscrito (status)")

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ntf.Context().Done():
				return
			case <-ticker.C:
				if _, err := ntf.Write(state.Status()); err != nil {
					return
				}
			}
		}
	}))

	if err := d.AddService(svc); err != nil {
		return fmt.Errorf("add service: %w", err)
	}

	for ctx.Err() == nil {
		log.WithField("name", name).Info("📣 Anunciando trem simulado...")
		err := ble.AdvertiseNameAndServices(ctx, name, TrainSvcUUID)
		if err != nil && !isScanDone(err) {
			log.WithError(err).Warn("Ciclo de anúncio terminado. Reiniciando...")
		}
	}
	return nil
}
