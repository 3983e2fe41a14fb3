package setup

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lionchief-bridge/pkg/ble"
	"lionchief-bridge/pkg/entry"
)

// Pending é uma descoberta aguardando confirmação do usuário.
type Pending struct {
	Address      string            `json:"address"`
	Placeholders map[string]string `json:"placeholders"`
	SeenAt       time.Time         `json:"seen_at"`
}

// Manager acompanha os assistentes abertos pelo scan passivo, um por MAC.
type Manager struct {
	store   entry.Store
	scanner Discoverer
	opts    Options
	log     *logrus.Entry

	mu      sync.Mutex
	flows   map[string]*Flow
	pending map[string]Pending
	ignored map[string]struct{}
	// chamado quando uma descoberta vira entrada (o bridge sobe o coordenador)
	onCreate func(entry.Entry)
}

func NewManager(store entry.Store, scanner Discoverer, opts Options, log *logrus.Entry) *Manager {
	return &Manager{
		store:   store,
		scanner: scanner,
		opts:    opts.withDefaults(),
		log:     log,
		flows:   make(map[string]*Flow),
		pending: make(map[string]Pending),
		ignored: make(map[string]struct{}),
	}
}

// OnCreate registra quem deve ser avisado de entradas criadas por confirmação.
func (m *Manager) OnCreate(fn func(entry.Entry)) {
	m.mu.Lock()
	m.onCreate = fn
	m.mu.Unlock()
}

// Discovered trata um anúncio visto pelo scan passivo. Anúncios repetidos do mesmo MAC
// não abrem um segundo assistente.
func (m *Manager) Discovered(ctx context.Context, adv ble.Advertisement) {
	mac := entry.NormalizeMAC(adv.Address)

	m.mu.Lock()
	_, open := m.flows[mac]
	_, ignored := m.ignored[mac]
	m.mu.Unlock()
	if open || ignored || !adv.HasService(m.opts.ServiceUUID) {
		return
	}

	flow := NewFlow(m.store, m.scanner, m.opts, m.log)
	res, err := flow.StepBluetooth(ctx, adv)
	if err != nil {
		m.log.WithError(err).WithField("mac", mac).Warn("Falha ao iniciar assistente de descoberta")
		return
	}
	if res.Type != ResultForm {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, open := m.flows[mac]; open {
		return
	}
	m.flows[mac] = flow
	m.pending[mac] = Pending{Address: mac, Placeholders: res.Placeholders, SeenAt: time.Now()}
	m.log.WithField("mac", mac).Info("🚂 Novo trem descoberto, aguardando confirmação")
}

// Tracks indica se o anúncio é de um trem que o gerenciador ainda pode oferecer:
// anuncia o serviço LionChief e não tem assistente aberto nem foi ignorado.
func (m *Manager) Tracks(adv ble.Advertisement) bool {
	if !adv.HasService(m.opts.ServiceUUID) {
		return false
	}
	mac := entry.NormalizeMAC(adv.Address)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, open := m.flows[mac]
	_, ignored := m.ignored[mac]
	return !open && !ignored
}

// pruneTimeout limita a consulta ao store feita por Pending.
const pruneTimeout = 2 * time.Second

// prune descarta descobertas cujo MAC foi configurado por outro caminho
// (lionchief-setup, entrada manual) enquanto aguardavam confirmação.
func (m *Manager) prune() {
	m.mu.Lock()
	empty := len(m.pending) == 0
	m.mu.Unlock()
	if empty {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()
	configured, err := entry.ConfiguredSet(ctx, m.store)
	if err != nil {
		m.log.WithError(err).Debug("Não foi possível conferir descobertas pendentes")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for mac := range m.pending {
		if _, ok := configured[mac]; ok {
			delete(m.flows, mac)
			delete(m.pending, mac)
			m.log.WithField("mac", mac).Info("Descoberta descartada: trem já configurado")
		}
	}
}

// Pending lista as descobertas em aberto, ordenadas por MAC. MACs configurados
// nesse meio tempo saem da lista.
func (m *Manager) Pending() []Pending {
	m.prune()

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pending, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Confirm conclui a descoberta do MAC. Devolve abort "unknown_flow" se não houver assistente aberto.
func (m *Manager) Confirm(ctx context.Context, mac string) (Result, error) {
	mac = entry.NormalizeMAC(mac)

	m.mu.Lock()
	flow, ok := m.flows[mac]
	m.mu.Unlock()
	if !ok {
		configured, err := entry.Configured(ctx, m.store, mac)
		if err != nil {
			return Result{}, err
		}
		if configured {
			return abort(AbortAlreadyConfigured), nil
		}
		return abort("unknown_flow"), nil
	}

	res, err := flow.StepBluetoothConfirm(ctx, true)
	if err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	delete(m.flows, mac)
	delete(m.pending, mac)
	onCreate := m.onCreate
	m.mu.Unlock()

	if res.Type == ResultCreateEntry && onCreate != nil {
		onCreate(*res.Entry)
	}
	return res, nil
}

// Ignore abandona a descoberta e não volta a oferecê-la enquanto o processo estiver rodando.
func (m *Manager) Ignore(mac string) {
	mac = entry.NormalizeMAC(mac)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flows, mac)
	delete(m.pending, mac)
	m.ignored[mac] = struct{}{}
}
