// Package entity expõe cada trem como um conjunto de botões, sensores, interruptores e
// um acelerador, no formato que o dashboard e o MQTT consomem.
package entity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"lionchief-bridge/pkg/coordinator"
	"lionchief-bridge/pkg/entry"
	"lionchief-bridge/pkg/trainmodel"
)

var (
	ErrUnknownEntity = errors.New("unknown entity")
	ErrUnavailable   = errors.New("entity unavailable")
	ErrUnsupported   = errors.New("operation not supported by entity")
)

type Kind string

const (
	KindButton Kind = "button"
	KindSensor Kind = "sensor"
	KindSwitch Kind = "switch"
	KindNumber Kind = "number"
)

// NoData é o valor do sensor de status antes da primeira notificação do trem.
const NoData = "No data"

// Controller é o que as entidades precisam do coordenador.
type Controller interface {
	Connected() bool
	State() coordinator.State
	ForceReconnect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SetSpeed(ctx context.Context, percent int) error
	SetDirection(ctx context.Context, forward bool) error
	SetHorn(ctx context.Context, on bool) error
	SetBell(ctx context.Context, on bool) error
	SetLights(ctx context.Context, on bool) error
	PlayAnnouncement(ctx context.Context, code byte) error
	RegisterCallback(fn func()) func()
}

// Snapshot é a forma serializada de uma entidade.
type Snapshot struct {
	UniqueID   string         `json:"unique_id"`
	Key        string         `json:"key"`
	Kind       Kind           `json:"kind"`
	Name       string         `json:"name"`
	Icon       string         `json:"icon,omitempty"`
	Available  bool           `json:"available"`
	State      any            `json:"state,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Min        *float64       `json:"min,omitempty"`
	Max        *float64       `json:"max,omitempty"`
	Step       *float64       `json:"step,omitempty"`
}

// Entity é um controle individual de um trem.
type Entity struct {
	key    string
	kind   Kind
	name   string
	icon   string
	always bool

	press func(ctx context.Context) error
	state func(s coordinator.State) any
	attrs func(s coordinator.State) map[string]any
	set   func(ctx context.Context, v float64) error
	turn  func(ctx context.Context, on bool) error
	isOn  func(s coordinator.State) bool
	min   float64
	max   float64
	step  float64
}

func (e *Entity) Key() string  { return e.key }
func (e *Entity) Kind() Kind   { return e.kind }
func (e *Entity) Name() string { return e.name }

// Platform agrupa as entidades de uma entrada, todas ligadas ao mesmo coordenador.
type Platform struct {
	entry    entry.Entry
	ctrl     Controller
	entities []*Entity
	byKey    map[string]*Entity
}

// Build monta as entidades da entrada. As falas vêm do modelo do trem (Generic se vazio).
func Build(ctrl Controller, e entry.Entry) *Platform {
	model := e.TrainModel
	if model == "" {
		model = trainmodel.Generic
	}

	p := &Platform{entry: e, ctrl: ctrl, byKey: make(map[string]*Entity)}

	p.add(&Entity{key: "connect", kind: KindButton, name: "Connect", icon: "mdi:bluetooth-connect", always: true,
		press: ctrl.ForceReconnect})
	p.add(&Entity{key: "disconnect", kind: KindButton, name: "Disconnect", icon: "mdi:bluetooth-off",
		press: ctrl.Disconnect})
	p.add(&Entity{key: "stop", kind: KindButton, name: "Stop", icon: "mdi:stop",
		press: func(ctx context.Context) error { return ctrl.SetSpeed(ctx, 0) }})
	p.add(&Entity{key: "forward", kind: KindButton, name: "Forward", icon: "mdi:arrow-right",
		press: func(ctx context.Context) error { return ctrl.SetDirection(ctx, true) }})
	p.add(&Entity{key: "reverse", kind: KindButton, name: "Reverse", icon: "mdi:arrow-left",
		press: func(ctx context.Context) error { return ctrl.SetDirection(ctx, false) }})
	p.add(&Entity{key: "horn", kind: KindButton, name: "Horn", icon: "mdi:bullhorn",
		press: func(ctx context.Context) error { return ctrl.SetHorn(ctx, true) }})
	p.add(&Entity{key: "bell", kind: KindButton, name: "Bell", icon: "mdi:bell",
		press: func(ctx context.Context) error { return ctrl.SetBell(ctx, true) }})

	for _, a := range trainmodel.Announcements(model) {
		code := a.Code
		p.add(&Entity{
			key:   "announcement_" + a.Key,
			kind:  KindButton,
			name:  "Announcement " + a.Phrase,
			icon:  "mdi:bullhorn-variant",
			press: func(ctx context.Context) error { return ctrl.PlayAnnouncement(ctx, code) },
		})
	}

	p.add(&Entity{key: "status", kind: KindSensor, name: "Status", icon: "mdi:train",
		state: func(s coordinator.State) any {
			if s.LastNotification == "" {
				return NoData
			}
			return s.LastNotification
		},
		attrs: func(s coordinator.State) map[string]any {
			return map[string]any{
				"speed":             s.Speed,
				"direction_forward": s.DirectionForward,
				"lights_on":         s.LightsOn,
				"bell_on":           s.BellOn,
				"horn_on":           s.HornOn,
			}
		}})
	p.add(&Entity{key: "train_model", kind: KindSensor, name: "Train Model", icon: "mdi:train-variant", always: true,
		state: func(coordinator.State) any { return model }})

	// interruptores usados pelo card do dashboard (switch.<trem>_lights etc.)
	p.add(&Entity{key: "lights", kind: KindSwitch, name: "Lights", icon: "mdi:car-light-high",
		turn: ctrl.SetLights, isOn: func(s coordinator.State) bool { return s.LightsOn }})
	p.add(&Entity{key: "horn_switch", kind: KindSwitch, name: "Horn", icon: "mdi:bullhorn",
		turn: ctrl.SetHorn, isOn: func(s coordinator.State) bool { return s.HornOn }})
	p.add(&Entity{key: "bell_switch", kind: KindSwitch, name: "Bell", icon: "mdi:bell",
		turn: ctrl.SetBell, isOn: func(s coordinator.State) bool { return s.BellOn }})

	p.add(&Entity{key: "throttle", kind: KindNumber, name: "Throttle", icon: "mdi:speedometer",
		min: 0, max: 100, step: 1,
		set:   func(ctx context.Context, v float64) error { return ctrl.SetSpeed(ctx, int(v+0.5)) },
		state: func(s coordinator.State) any { return s.Speed }})

	return p
}

func (p *Platform) add(e *Entity) {
	p.entities = append(p.entities, e)
	p.byKey[e.key] = e
}

func (p *Platform) Entry() entry.Entry { return p.entry }

func (p *Platform) Controller() Controller { return p.ctrl }

// UniqueID segue o formato "<MAC>_<chave>".
func (p *Platform) UniqueID(key string) string {
	return p.entry.MACAddress + "_" + key
}

// Entities devolve as entidades na ordem em que foram criadas.
func (p *Platform) Entities() []*Entity {
	out := make([]*Entity, len(p.entities))
	copy(out, p.entities)
	return out
}

func (p *Platform) Get(key string) (*Entity, bool) {
	e, ok := p.byKey[key]
	return e, ok
}

// Available aplica a regra de disponibilidade: Connect e Train Model sempre, o resto só conectado.
func (p *Platform) Available(e *Entity) bool {
	return e.always || p.ctrl.Connected()
}

func (p *Platform) lookup(key string) (*Entity, error) {
	e, ok := p.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, p.UniqueID(key))
	}
	if !p.Available(e) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, p.UniqueID(key))
	}
	return e, nil
}

// Press aciona um botão.
func (p *Platform) Press(ctx context.Context, key string) error {
	e, err := p.lookup(key)
	if err != nil {
		return err
	}
	if e.press == nil {
		return fmt.Errorf("%w: press %s", ErrUnsupported, key)
	}
	return e.press(ctx)
}

// Turn liga ou desliga um interruptor.
func (p *Platform) Turn(ctx context.Context, key string, on bool) error {
	e, err := p.lookup(key)
	if err != nil {
		return err
	}
	if e.turn == nil {
		return fmt.Errorf("%w: turn %s", ErrUnsupported, key)
	}
	return e.turn(ctx, on)
}

// Toggle inverte o interruptor a partir do estado conhecido.
func (p *Platform) Toggle(ctx context.Context, key string) error {
	e, err := p.lookup(key)
	if err != nil {
		return err
	}
	if e.turn == nil {
		return fmt.Errorf("%w: toggle %s", ErrUnsupported, key)
	}
	return e.turn(ctx, !e.isOn(p.ctrl.State()))
}

// SetValue altera um número; valores fora da faixa são recusados.
func (p *Platform) SetValue(ctx context.Context, key string, v float64) error {
	e, err := p.lookup(key)
	if err != nil {
		return err
	}
	if e.set == nil {
		return fmt.Errorf("%w: set_value %s", ErrUnsupported, key)
	}
	if math.IsNaN(v) || v < e.min || v > e.max {
		return fmt.Errorf("value %v out of range [%v, %v]", v, e.min, e.max)
	}
	return e.set(ctx, v)
}

// Snapshot serializa uma entidade com o estado atual do coordenador.
func (p *Platform) Snapshot(e *Entity) Snapshot {
	st := p.ctrl.State()
	snap := Snapshot{
		UniqueID:  p.UniqueID(e.key),
		Key:       e.key,
		Kind:      e.kind,
		Name:      e.name,
		Icon:      e.icon,
		Available: p.Available(e),
	}
	switch e.kind {
	case KindSensor:
		snap.State = e.state(st)
		if e.attrs != nil {
			snap.Attributes = e.attrs(st)
		}
	case KindSwitch:
		if e.isOn(st) {
			snap.State = "on"
		} else {
			snap.State = "off"
		}
	case KindNumber:
		snap.State = e.state(st)
		snap.Min, snap.Max, snap.Step = &e.min, &e.max, &e.step
	}
	return snap
}

// Snapshots serializa todas as entidades ordenadas pelo unique id.
func (p *Platform) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(p.entities))
	for _, e := range p.entities {
		out = append(out, p.Snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out
}

// OnChange repassa as mudanças do coordenador; a função devolvida cancela o registro.
func (p *Platform) OnChange(fn func()) func() {
	return p.ctrl.RegisterCallback(fn)
}
