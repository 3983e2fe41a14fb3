// Local: internal/web/hub.go

// Package web serve o dashboard: um websocket que transmite o estado dos trens e recebe comandos.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"lionchief-bridge/pkg/bridge"
	"lionchief-bridge/pkg/config"
	"lionchief-bridge/pkg/setup"
)

// Backend é o que o hub precisa do bridge.
type Backend interface {
	Status() bridge.Status
	Subscribe(fn func()) func()
	Press(ctx context.Context, uniqueID string) error
	Toggle(ctx context.Context, uniqueID string) error
	Turn(ctx context.Context, uniqueID string, on bool) error
	SetValue(ctx context.Context, uniqueID string, v float64) error
	ConfirmDiscovery(ctx context.Context, mac string) (setup.Result, error)
	IgnoreDiscovery(mac string)
	Remove(ctx context.Context, mac string) error
}

// Message é o envelope das mensagens nos dois sentidos.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type commandPayload struct {
	UniqueID string   `json:"unique_id"`
	Value    *float64 `json:"value,omitempty"`
	On       *bool    `json:"on,omitempty"`
	Address  string   `json:"address"`
}

type reply struct {
	Type    string        `json:"type"`
	Command string        `json:"command,omitempty"`
	Error   string        `json:"error,omitempty"`
	Result  *setup.Result `json:"result,omitempty"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

// Hub gerencia os dashboards conectados.
type Hub struct {
	backend  Backend
	interval time.Duration
	log      *logrus.Entry
	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*client]bool
	dirty     chan struct{}
}

func NewHub(backend Backend, interval time.Duration, log *logrus.Entry) *Hub {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Hub{
		backend:  backend,
		interval: interval,
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*client]bool),
		dirty:    make(chan struct{}, 1),
	}
}

// Handler devolve as rotas do dashboard. staticDir vazio desliga os arquivos estáticos.
func (h *Hub) Handler(ctx context.Context, staticDir string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		h.handleWebSocket(ctx, w, r)
	})
	mux.HandleFunc("/api/entities", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(h.backend.Status()); err != nil {
			h.log.WithError(err).Warn("Erro ao serializar status")
		}
	})
	if staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	}
	return mux
}

// HubRoutine gerencia o ciclo de vida do servidor web.
func HubRoutine(ctx context.Context, cfg config.WebConfig, hub *Hub, wg *sync.WaitGroup) {
	defer wg.Done()
	hub.log.Info("[WEB] Goroutine do Hub Web iniciada.")
	server := &http.Server{Addr: cfg.Addr, Handler: hub.Handler(ctx, cfg.StaticDir)}

	unsubscribe := hub.backend.Subscribe(hub.markDirty)
	defer unsubscribe()
	go hub.broadcastLoop(ctx)

	go func() {
		hub.log.Infof("[WEB] Servidor web iniciado em %s", cfg.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			hub.log.WithError(err).Error("[WEB] ❌ Falha ao iniciar servidor web")
		}
	}()

	<-ctx.Done()
	hub.log.Info("[WEB] Desligando o servidor web...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		hub.log.WithError(err).Warn("[WEB] Erro no desligamento do servidor web")
	}
	hub.closeAll()
	hub.log.Info("[WEB] Servidor web desligado.")
}

func (h *Hub) markDirty() {
	select {
	case h.dirty <- struct{}{}:
	default:
	}
}

// broadcastLoop envia o estado a cada intervalo e logo após qualquer mudança.
func (h *Hub) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-h.dirty:
		}
		h.Broadcast()
	}
}

// Broadcast manda um statusUpdate para todos os dashboards; clientes com erro são descartados.
func (h *Hub) Broadcast() {
	msg := h.statusMessage()

	h.clientsMu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.Unlock()

	for _, c := range clients {
		if err := c.send(msg); err != nil {
			h.drop(c)
		}
	}
}

func (h *Hub) statusMessage() map[string]any {
	st := h.backend.Status()
	return map[string]any{
		"type":        "statusUpdate",
		"trains":      st.Trains,
		"discoveries": st.Discoveries,
	}
}

func (h *Hub) drop(c *client) {
	h.clientsMu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.clientsMu.Unlock()
	if ok {
		c.conn.Close()
	}
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for c := range h.clients {
		c.conn.Close()
		delete(h.clients, c)
	}
}

func (h *Hub) handleWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("[WEB] Falha no upgrade do websocket")
		return
	}
	c := &client{conn: conn}

	h.clientsMu.Lock()
	h.clients[c] = true
	h.clientsMu.Unlock()
	h.log.Infof("[WEB] Novo cliente web conectado: %s", conn.RemoteAddr())

	defer func() {
		h.drop(c)
		h.log.Infof("[WEB] Cliente web desconectado: %s", conn.RemoteAddr())
	}()

	// o dashboard recebe o estado assim que conecta
	if err := c.send(h.statusMessage()); err != nil {
		return
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		res := h.dispatch(ctx, msg)
		if err := c.send(res); err != nil {
			break
		}
		h.markDirty()
	}
}

func (h *Hub) dispatch(ctx context.Context, msg Message) reply {
	var p commandPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return reply{Type: "error", Command: msg.Type, Error: "invalid payload"}
		}
	}

	var (
		err    error
		result *setup.Result
	)
	switch msg.Type {
	case "press":
		err = h.backend.Press(ctx, p.UniqueID)
	case "toggle":
		if p.On != nil {
			err = h.backend.Turn(ctx, p.UniqueID, *p.On)
		} else {
			err = h.backend.Toggle(ctx, p.UniqueID)
		}
	case "set_value":
		if p.Value == nil {
			return reply{Type: "error", Command: msg.Type, Error: "missing value"}
		}
		err = h.backend.SetValue(ctx, p.UniqueID, *p.Value)
	case "confirm_discovery":
		var res setup.Result
		res, err = h.backend.ConfirmDiscovery(ctx, p.Address)
		result = &res
	case "ignore_discovery":
		h.backend.IgnoreDiscovery(p.Address)
	case "remove_entry":
		err = h.backend.Remove(ctx, p.Address)
	default:
		return reply{Type: "error", Command: msg.Type, Error: "unknown command"}
	}

	if err != nil {
		h.log.WithError(err).WithField("command", msg.Type).Warn("[WEB] Comando falhou")
		return reply{Type: "error", Command: msg.Type, Error: err.Error()}
	}
	return reply{Type: "ok", Command: msg.Type, Result: result}
}
