// Package mqtt publica os trens no Home Assistant via descoberta MQTT e recebe os comandos.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"lionchief-bridge/pkg/bridge"
	"lionchief-bridge/pkg/config"
	"lionchief-bridge/pkg/entity"
)

// Backend é o que o publicador precisa do bridge.
type Backend interface {
	Status() bridge.Status
	Subscribe(fn func()) func()
	Press(ctx context.Context, uniqueID string) error
	Turn(ctx context.Context, uniqueID string, on bool) error
	SetValue(ctx context.Context, uniqueID string, v float64) error
}

// Publisher mantém o Home Assistant em dia com o estado dos trens.
type Publisher struct {
	client  paho.Client
	backend Backend
	topics  Topics
	log     *logrus.Entry

	mu         sync.Mutex
	last       map[string]string
	discovered map[string]bool
	nodes      map[string]string // nó -> MAC
	// tópicos retidos já publicados por nó; sobrevive a reconexões para limpar trens removidos
	retained map[string]map[string]struct{}
	ctx        context.Context
	dirty      chan struct{}
}

// NewPublisher cria o cliente paho com LWT no tópico de status do bridge.
func NewPublisher(cfg config.MQTTConfig, backend Backend, log *logrus.Entry) *Publisher {
	p := newPublisher(Topics{Discovery: cfg.DiscoveryPrefix, Base: cfg.TopicPrefix}, backend, log)

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetWill(p.topics.Bridge(), payloadOffline, 1, true)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.log.WithError(err).Warn("[MQTT] Conexão com o broker perdida")
	})
	p.client = paho.NewClient(opts)
	return p
}

func newPublisher(topics Topics, backend Backend, log *logrus.Entry) *Publisher {
	return &Publisher{
		backend:    backend,
		topics:     topics,
		log:        log,
		last:       make(map[string]string),
		discovered: make(map[string]bool),
		nodes:      make(map[string]string),
		retained:   make(map[string]map[string]struct{}),
		ctx:        context.Background(),
		dirty:      make(chan struct{}, 1),
	}
}

// Routine conecta ao broker e publica até o contexto ser cancelado.
func Routine(ctx context.Context, cfg config.MQTTConfig, p *Publisher, wg *sync.WaitGroup) {
	defer wg.Done()
	p.log.Info("[MQTT] Goroutine do publicador iniciada.")

	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	if token := p.client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		p.log.WithError(token.Error()).Warn("[MQTT] Não foi possível conectar agora, tentando em segundo plano")
	}

	unsubscribe := p.backend.Subscribe(p.markDirty)
	defer unsubscribe()

	interval := cfg.PublishInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("[MQTT] Desligando publicador...")
			p.publish(p.topics.Bridge(), payloadOffline, true).WaitTimeout(2 * time.Second)
			p.client.Disconnect(250)
			return
		case <-ticker.C:
		case <-p.dirty:
		}
		if p.client.IsConnectionOpen() {
			p.Sync()
		}
	}
}

func (p *Publisher) markDirty() {
	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

func (p *Publisher) onConnect(c paho.Client) {
	p.log.Info("[MQTT] ✅ Conectado ao broker")

	// depois de uma reconexão tudo é republicado (o broker pode ter perdido os retidos)
	p.mu.Lock()
	p.last = make(map[string]string)
	p.discovered = make(map[string]bool)
	p.mu.Unlock()

	c.Subscribe(p.topics.CommandFilter(), 1, func(_ paho.Client, msg paho.Message) {
		p.mu.Lock()
		ctx := p.ctx
		p.mu.Unlock()
		if err := p.HandleCommand(ctx, msg.Topic(), string(msg.Payload())); err != nil {
			p.log.WithError(err).WithField("topic", msg.Topic()).Warn("[MQTT] Comando recusado")
		}
	})
	p.publish(p.topics.Bridge(), payloadOnline, true)
	p.markDirty()
}

func (p *Publisher) publish(topic, payload string, retained bool) paho.Token {
	return p.client.Publish(topic, 1, retained, payload)
}

// Sync publica descobertas novas e os estados que mudaram desde a última publicação.
func (p *Publisher) Sync() {
	for _, msg := range p.pending() {
		p.publish(msg.topic, msg.payload, true)
	}
}

type outgoing struct {
	topic   string
	payload string
}

// pending calcula o que precisa ser publicado e já registra como enviado. Trens que
// sumiram do status têm seus tópicos retidos apagados (payload vazio), o que remove as
// entidades do Home Assistant.
func (p *Publisher) pending() []outgoing {
	status := p.backend.Status()

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []outgoing
	seen := make(map[string]bool, len(status.Trains))

	for _, train := range status.Trains {
		node := NodeID(train.Entry.MACAddress)
		p.nodes[node] = train.Entry.MACAddress
		seen[node] = true
		topics, ok := p.retained[node]
		if !ok {
			topics = make(map[string]struct{})
			p.retained[node] = topics
		}
		put := func(topic, payload string) {
			topics[topic] = struct{}{}
			if p.last[topic] == payload {
				return
			}
			p.last[topic] = payload
			out = append(out, outgoing{topic: topic, payload: payload})
		}

		for _, snap := range train.Entities {
			if !p.discovered[snap.UniqueID] {
				cfg, err := json.Marshal(p.topics.DiscoveryConfig(train.Entry, snap))
				if err != nil {
					p.log.WithError(err).Error("[MQTT] Erro ao montar descoberta")
					continue
				}
				put(p.topics.Config(snap.Kind, node, snap.Key), string(cfg))
				p.discovered[snap.UniqueID] = true
			}

			put(p.topics.Availability(node, snap.Key), availabilityPayload(snap.Available))
			if state, ok := StatePayload(snap); ok {
				put(p.topics.State(node, snap.Key), state)
			}
			if snap.Attributes != nil {
				if attrs, err := json.Marshal(snap.Attributes); err == nil {
					put(p.topics.Attributes(node, snap.Key), string(attrs))
				}
			}
		}
	}

	for node, topics := range p.retained {
		if seen[node] {
			continue
		}
		out = append(out, p.forget(node, topics)...)
	}
	return out
}

// forget esquece um nó removido e devolve as mensagens vazias que limpam seus retidos.
// Precisa ser chamado com p.mu travado.
func (p *Publisher) forget(node string, topics map[string]struct{}) []outgoing {
	stale := make([]string, 0, len(topics))
	for topic := range topics {
		stale = append(stale, topic)
		delete(p.last, topic)
	}
	sort.Strings(stale)

	prefix := p.nodes[node] + "_"
	for id := range p.discovered {
		if strings.HasPrefix(id, prefix) {
			delete(p.discovered, id)
		}
	}
	delete(p.retained, node)
	delete(p.nodes, node)
	p.log.WithField("node", node).Info("[MQTT] Trem removido, limpando entidades retidas")

	out := make([]outgoing, 0, len(stale))
	for _, topic := range stale {
		out = append(out, outgoing{topic: topic, payload: ""})
	}
	return out
}

// HandleCommand traduz uma mensagem de comando do Home Assistant para o bridge.
func (p *Publisher) HandleCommand(ctx context.Context, topic, payload string) error {
	node, key, ok := p.topics.ParseCommand(topic)
	if !ok {
		return fmt.Errorf("unexpected command topic %q", topic)
	}

	p.mu.Lock()
	mac, known := p.nodes[node]
	p.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: node %s", bridge.ErrUnknownTrain, node)
	}
	uniqueID := mac + "_" + key

	kind, err := p.kindOf(uniqueID)
	if err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"entity": uniqueID, "payload": payload}).Debug("[MQTT] Comando recebido")

	switch kind {
	case entity.KindButton:
		return p.backend.Press(ctx, uniqueID)
	case entity.KindSwitch:
		on, err := parseSwitch(payload)
		if err != nil {
			return err
		}
		return p.backend.Turn(ctx, uniqueID, on)
	case entity.KindNumber:
		v, err := parseNumber(payload)
		if err != nil {
			return err
		}
		return p.backend.SetValue(ctx, uniqueID, v)
	}
	return fmt.Errorf("%w: %s", entity.ErrUnsupported, uniqueID)
}

func (p *Publisher) kindOf(uniqueID string) (entity.Kind, error) {
	for _, train := range p.backend.Status().Trains {
		for _, snap := range train.Entities {
			if snap.UniqueID == uniqueID {
				return snap.Kind, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", entity.ErrUnknownEntity, uniqueID)
}
