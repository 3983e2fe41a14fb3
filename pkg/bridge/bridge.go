// Package bridge liga as entradas salvas aos coordenadores e às entidades em tempo de execução.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"lionchief-bridge/pkg/ble"
	"lionchief-bridge/pkg/coordinator"
	"lionchief-bridge/pkg/entity"
	"lionchief-bridge/pkg/entry"
	"lionchief-bridge/pkg/setup"
)

var ErrUnknownTrain = errors.New("unknown train")

// TransportFactory cria a conexão BLE de uma entrada (ble.NewLink em produção).
type TransportFactory func(e entry.Entry) coordinator.Transport

// Train junta o coordenador e as entidades de uma entrada.
type Train struct {
	Entry       entry.Entry
	Coordinator *coordinator.Coordinator
	Platform    *entity.Platform

	stop   context.CancelFunc
	unhook func()
}

// TrainStatus é a visão serializada de um trem para o dashboard.
type TrainStatus struct {
	Entry     entry.Entry       `json:"entry"`
	Connected bool              `json:"connected"`
	State     coordinator.State `json:"state"`
	Entities  []entity.Snapshot `json:"entities"`
}

// Status é o que o hub e o MQTT publicam.
type Status struct {
	Trains      []TrainStatus   `json:"trains"`
	Discoveries []setup.Pending `json:"discoveries"`
}

type Bridge struct {
	store        entry.Store
	manager      *setup.Manager
	newTransport TransportFactory
	opts         coordinator.Options
	log          *logrus.Entry

	mu        sync.RWMutex
	trains    map[string]*Train
	listeners map[int]func()
	nextID    int
	runCtx    context.Context
	wg        sync.WaitGroup
}

func New(store entry.Store, manager *setup.Manager, factory TransportFactory, opts coordinator.Options, log *logrus.Entry) *Bridge {
	b := &Bridge{
		store:        store,
		manager:      manager,
		newTransport: factory,
		opts:         opts,
		log:          log,
		trains:       make(map[string]*Train),
		listeners:    make(map[int]func()),
	}
	manager.OnCreate(func(e entry.Entry) {
		b.AddEntry(e)
	})
	return b
}

// Load carrega todas as entradas do store.
func (b *Bridge) Load(ctx context.Context) error {
	entries, err := b.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load entries: %w", err)
	}
	for _, e := range entries {
		b.AddEntry(e)
	}
	b.log.WithField("trains", len(entries)).Info("Entradas carregadas.")
	return nil
}

// AddEntry monta o trem da entrada. Se o bridge já estiver rodando, o coordenador sobe na hora.
// Uma entrada com MAC já carregado é ignorada.
func (b *Bridge) AddEntry(e entry.Entry) *Train {
	b.mu.Lock()
	if t, ok := b.trains[e.MACAddress]; ok {
		b.mu.Unlock()
		return t
	}

	coord := coordinator.New(e, b.newTransport(e), b.opts, b.log.WithField("train", e.Title()))
	t := &Train{
		Entry:       e,
		Coordinator: coord,
		Platform:    entity.Build(coord, e),
	}
	t.unhook = coord.RegisterCallback(b.changed)
	b.trains[e.MACAddress] = t
	runCtx := b.runCtx
	if runCtx != nil {
		b.start(runCtx, t)
	}
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{"mac": e.MACAddress, "name": e.Title()}).Info("🚂 Trem adicionado")
	b.changed()
	return t
}

// start precisa ser chamado com b.mu travado.
func (b *Bridge) start(ctx context.Context, t *Train) {
	trainCtx, cancel := context.WithCancel(ctx)
	t.stop = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		t.Coordinator.Run(trainCtx)
	}()
}

// Remove apaga a entrada do store e derruba o coordenador do trem.
func (b *Bridge) Remove(ctx context.Context, mac string) error {
	mac = entry.NormalizeMAC(mac)
	b.mu.Lock()
	t, ok := b.trains[mac]
	if ok {
		delete(b.trains, mac)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrain, mac)
	}

	t.unhook()
	if t.stop != nil {
		t.stop()
	} else if err := t.Coordinator.Disconnect(ctx); err != nil {
		b.log.WithError(err).Debug("Erro ao desconectar trem removido")
	}
	if err := b.store.Delete(ctx, t.Entry.ID); err != nil && !errors.Is(err, entry.ErrNotFound) {
		return fmt.Errorf("delete entry: %w", err)
	}
	b.log.WithField("mac", mac).Info("Trem removido.")
	b.changed()
	return nil
}

// Run sobe um coordenador por trem e bloqueia até o contexto acabar e todos encerrarem.
func (b *Bridge) Run(ctx context.Context) {
	b.mu.Lock()
	b.runCtx = ctx
	for _, t := range b.trains {
		b.start(ctx, t)
	}
	b.mu.Unlock()

	<-ctx.Done()
	b.log.Info("Encerrando coordenadores...")
	b.wg.Wait()
}

// Trains devolve os trens ordenados por MAC.
func (b *Bridge) Trains() []*Train {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Train, 0, len(b.trains))
	for _, t := range b.trains {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.MACAddress < out[j].Entry.MACAddress })
	return out
}

func (b *Bridge) Train(mac string) (*Train, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.trains[entry.NormalizeMAC(mac)]
	return t, ok
}

// Subscribe registra fn para qualquer mudança de estado ou de lista de trens.
func (b *Bridge) Subscribe(fn func()) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *Bridge) changed() {
	b.mu.RLock()
	fns := make([]func(), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// Status monta o retrato completo: trens, entidades e descobertas pendentes.
func (b *Bridge) Status() Status {
	trains := b.Trains()
	st := Status{Trains: make([]TrainStatus, 0, len(trains)), Discoveries: b.manager.Pending()}
	for _, t := range trains {
		state := t.Coordinator.State()
		st.Trains = append(st.Trains, TrainStatus{
			Entry:     t.Entry,
			Connected: state.Connected,
			State:     state,
			Entities:  t.Platform.Snapshots(),
		})
	}
	return st
}

// Resolve separa um unique id "<MAC>_<chave>" no trem e na chave da entidade.
func (b *Bridge) Resolve(uniqueID string) (*Train, string, error) {
	const macLen = len("AA:BB:CC:DD:EE:FF")
	if len(uniqueID) < macLen+2 || uniqueID[macLen] != '_' {
		return nil, "", fmt.Errorf("%w: %q", entity.ErrUnknownEntity, uniqueID)
	}
	t, ok := b.Train(uniqueID[:macLen])
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownTrain, uniqueID[:macLen])
	}
	return t, uniqueID[macLen+1:], nil
}

func (b *Bridge) Press(ctx context.Context, uniqueID string) error {
	t, key, err := b.Resolve(uniqueID)
	if err != nil {
		return err
	}
	return t.Platform.Press(ctx, key)
}

func (b *Bridge) Toggle(ctx context.Context, uniqueID string) error {
	t, key, err := b.Resolve(uniqueID)
	if err != nil {
		return err
	}
	return t.Platform.Toggle(ctx, key)
}

func (b *Bridge) Turn(ctx context.Context, uniqueID string, on bool) error {
	t, key, err := b.Resolve(uniqueID)
	if err != nil {
		return err
	}
	return t.Platform.Turn(ctx, key, on)
}

func (b *Bridge) SetValue(ctx context.Context, uniqueID string, v float64) error {
	t, key, err := b.Resolve(uniqueID)
	if err != nil {
		return err
	}
	return t.Platform.SetValue(ctx, key, v)
}

// Discovered trata um anúncio do scan passivo. Trens já carregados são ignorados; uma
// entrada gravada fora do bridge (lionchief-setup) é carregada ao ser vista; o resto vai
// para o gerenciador de descobertas.
func (b *Bridge) Discovered(ctx context.Context, adv ble.Advertisement) {
	mac := entry.NormalizeMAC(adv.Address)
	if _, known := b.Train(mac); known || !b.manager.Tracks(adv) {
		return
	}

	e, err := b.store.GetByMAC(ctx, mac)
	switch {
	case err == nil:
		b.log.WithField("mac", mac).Info("Entrada gravada fora do bridge, carregando trem")
		b.AddEntry(*e)
		return
	case !errors.Is(err, entry.ErrNotFound):
		b.log.WithError(err).WithField("mac", mac).Warn("Falha ao consultar entrada descoberta")
		return
	}

	before := len(b.manager.Pending())
	b.manager.Discovered(ctx, adv)
	if len(b.manager.Pending()) != before {
		b.changed()
	}
}

func (b *Bridge) ConfirmDiscovery(ctx context.Context, mac string) (setup.Result, error) {
	res, err := b.manager.Confirm(ctx, mac)
	if err == nil && res.Type != setup.ResultCreateEntry {
		b.changed()
	}
	return res, err
}

func (b *Bridge) IgnoreDiscovery(mac string) {
	b.manager.Ignore(mac)
	b.changed()
}
