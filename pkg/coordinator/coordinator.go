// Package coordinator mantém o estado da conexão com um trem e despacha os comandos via BLE.
package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"lionchief-bridge/pkg/entry"
	"lionchief-bridge/pkg/lionchief"
)

var ErrNotConnected = errors.New("train not connected")

// Transport é a camada BLE usada pelo coordenador (pkg/ble.Link em produção).
type Transport interface {
	Connect(ctx context.Context, mac string, onNotify func([]byte)) error
	Write(ctx context.Context, data []byte) error
	Disconnect() error
	// Disconnected é fechado pela biblioteca quando a conexão atual cai.
	Disconnected() <-chan struct{}
}

// State é uma cópia do estado conhecido do trem.
type State struct {
	Connected        bool      `json:"connected"`
	Speed            int       `json:"speed"` // 0..100
	DirectionForward bool      `json:"direction_forward"`
	LightsOn         bool      `json:"lights_on"`
	BellOn           bool      `json:"bell_on"`
	HornOn           bool      `json:"horn_on"`
	LastNotification string    `json:"last_notification_hex,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Options struct {
	AutoConnect    bool
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	CommandRate    float64
	CommandBurst   int
}

// Coordinator é compartilhado entre todas as entidades de um trem.
type Coordinator struct {
	entry     entry.Entry
	transport Transport
	opts      Options
	limiter   *rate.Limiter
	log       *logrus.Entry

	mu        sync.RWMutex
	state     State
	wanted    bool
	linkDown  <-chan struct{}
	callbacks map[int]func()
	nextID    int

	// connMu serializa Connect/Disconnect; o loop de Run e os botões podem chamar ao mesmo tempo.
	connMu sync.Mutex
	wake   chan struct{}
}

func New(e entry.Entry, t Transport, opts Options, log *logrus.Entry) *Coordinator {
	if opts.CommandRate <= 0 {
		opts.CommandRate = 20
	}
	if opts.CommandBurst <= 0 {
		opts.CommandBurst = 5
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}
	return &Coordinator{
		entry:     e,
		transport: t,
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Limit(opts.CommandRate), opts.CommandBurst),
		log:       log.WithField("mac", e.MACAddress),
		wanted:    opts.AutoConnect,
		callbacks: make(map[int]func()),
		state:     State{DirectionForward: true},
		wake:      make(chan struct{}, 1),
	}
}

func (c *Coordinator) MACAddress() string { return c.entry.MACAddress }

func (c *Coordinator) Entry() entry.Entry { return c.entry }

// State devolve uma cópia do estado atual.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Connected
}

// RegisterCallback é chamado a cada mudança de estado; a função devolvida remove o callback.
func (c *Coordinator) RegisterCallback(fn func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.callbacks[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.callbacks, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) notify() {
	c.mu.RLock()
	fns := make([]func(), 0, len(c.callbacks))
	for _, fn := range c.callbacks {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Coordinator) update(fn func(s *State)) {
	c.mu.Lock()
	fn(&c.state)
	c.state.UpdatedAt = time.Now()
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Connect abre a conexão BLE (sem efeito se já estiver conectado).
func (c *Coordinator) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.wanted = true
	c.mu.Unlock()
	defer c.signal()
	return c.connect(ctx)
}

func (c *Coordinator) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.Connected() {
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	if err := c.transport.Connect(connectCtx, c.entry.MACAddress, c.handleNotification); err != nil {
		return fmt.Errorf("connect %s: %w", c.entry.MACAddress, err)
	}

	c.mu.Lock()
	c.linkDown = c.transport.Disconnected()
	c.mu.Unlock()
	c.update(func(s *State) { s.Connected = true })
	return nil
}

// Disconnect fecha a conexão e desliga a reconexão automática até o próximo Connect.
func (c *Coordinator) Disconnect(_ context.Context) error {
	c.mu.Lock()
	c.wanted = false
	c.mu.Unlock()
	defer c.signal()
	return c.disconnect()
}

func (c *Coordinator) disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	err := c.transport.Disconnect()
	c.markDisconnected()
	return err
}

func (c *Coordinator) markDisconnected() {
	c.mu.Lock()
	was := c.state.Connected
	c.state.Connected = false
	c.linkDown = nil
	c.mu.Unlock()
	if was {
		c.update(func(*State) {})
	}
}

// ForceReconnect derruba a conexão atual (se houver) e conecta de novo. Usado pelo botão "Connect".
func (c *Coordinator) ForceReconnect(ctx context.Context) error {
	c.mu.Lock()
	c.wanted = true
	c.mu.Unlock()
	defer c.signal()

	if err := c.disconnect(); err != nil {
		c.log.WithError(err).Warn("Erro ao desconectar antes de reconectar")
	}
	return c.connect(ctx)
}

func (c *Coordinator) handleNotification(data []byte) {
	c.update(func(s *State) { s.LastNotification = hex.EncodeToString(data) })
}

func (c *Coordinator) send(ctx context.Context, frame []byte) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.transport.Write(ctx, frame); err != nil {
		return fmt.Errorf("write %s: %w", hex.EncodeToString(frame), err)
	}
	return nil
}

// SetSpeed recebe o acelerador em 0..100.
func (c *Coordinator) SetSpeed(ctx context.Context, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if err := c.send(ctx, lionchief.SetSpeed(percent)); err != nil {
		return err
	}
	c.update(func(s *State) { s.Speed = percent })
	return nil
}

func (c *Coordinator) Stop(ctx context.Context) error { return c.SetSpeed(ctx, 0) }

func (c *Coordinator) SetDirection(ctx context.Context, forward bool) error {
	if err := c.send(ctx, lionchief.SetDirection(forward)); err != nil {
		return err
	}
	c.update(func(s *State) { s.DirectionForward = forward })
	return nil
}

func (c *Coordinator) SetHorn(ctx context.Context, on bool) error {
	if err := c.send(ctx, lionchief.SetHorn(on)); err != nil {
		return err
	}
	c.update(func(s *State) { s.HornOn = on })
	return nil
}

func (c *Coordinator) SetBell(ctx context.Context, on bool) error {
	if err := c.send(ctx, lionchief.SetBell(on)); err != nil {
		return err
	}
	c.update(func(s *State) { s.BellOn = on })
	return nil
}

func (c *Coordinator) SetLights(ctx context.Context, on bool) error {
	if err := c.send(ctx, lionchief.SetLights(on)); err != nil {
		return err
	}
	c.update(func(s *State) { s.LightsOn = on })
	return nil
}

func (c *Coordinator) PlayAnnouncement(ctx context.Context, code byte) error {
	return c.send(ctx, lionchief.PlayAnnouncement(code))
}

// Run mantém a conexão viva enquanto ela for desejada, tentando de novo após ReconnectDelay.
// Bloqueia até o contexto ser cancelado.
func (c *Coordinator) Run(ctx context.Context) {
	defer func() {
		if err := c.disconnect(); err != nil {
			c.log.WithError(err).Debug("Erro ao desconectar no encerramento")
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.RLock()
		wanted, linkDown := c.wanted, c.linkDown
		connected := c.state.Connected
		c.mu.RUnlock()

		if wanted && !connected {
			if err := c.connect(ctx); err != nil {
				c.log.WithError(err).Warn("Falha ao conectar. Tentando novamente...")
				if !c.sleep(ctx, c.opts.ReconnectDelay) {
					return
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-linkDown:
			// Um ForceReconnect pode ter trocado a conexão enquanto esperávamos.
			c.mu.RLock()
			stale := c.linkDown != linkDown
			c.mu.RUnlock()
			if stale {
				continue
			}
			c.log.Info("🔌 Conexão com o trem perdida.")
			c.markDisconnected()
			if !c.sleep(ctx, c.opts.ReconnectDelay) {
				return
			}
		}
	}
}

// sleep espera d ou um pedido explícito (Connect/Disconnect); false se o contexto acabou.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-c.wake:
	}
	return true
}
