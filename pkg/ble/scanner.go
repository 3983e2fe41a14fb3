package ble

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// Cache guarda o último anúncio visto de cada endereço, por um tempo limitado.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]Advertisement
}

// NewCache cria um cache; ttl <= 0 significa que nada expira.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now, entries: make(map[string]Advertisement)}
}

// Put registra (ou atualiza) um anúncio. Um nome vazio não apaga um nome já conhecido,
// já que os scan responses chegam separados do anúncio principal.
func (c *Cache) Put(a Advertisement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.SeenAt.IsZero() {
		a.SeenAt = c.now()
	}
	if prev, ok := c.entries[a.Address]; ok {
		if a.Name == "" {
			a.Name = prev.Name
		}
		if len(a.ServiceUUIDs) == 0 {
			a.ServiceUUIDs = prev.ServiceUUIDs
		}
	}
	c.entries[a.Address] = a
}

// Snapshot devolve os anúncios ainda válidos, ordenados por endereço.
func (c *Cache) Snapshot() []Advertisement {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	out := make([]Advertisement, 0, len(c.entries))
	for _, a := range c.entries {
		if c.ttl > 0 && now.Sub(a.SeenAt) > c.ttl {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// DeviceScanner faz scans usando o dispositivo padrão da go-ble e alimenta o cache.
type DeviceScanner struct {
	cache *Cache
	log   *logrus.Entry
}

// NewDeviceScanner exige que UseAdapter já tenha sido chamado.
func NewDeviceScanner(cache *Cache, log *logrus.Entry) *DeviceScanner {
	return &DeviceScanner{cache: cache, log: log}
}

// Cached devolve o conteúdo atual do cache de anúncios.
func (s *DeviceScanner) Cached() []Advertisement {
	return s.cache.Snapshot()
}

// Discover faz um scan ativo por timeout e devolve tudo o que foi visto nesse intervalo.
func (s *DeviceScanner) Discover(ctx context.Context, timeout time.Duration) ([]Advertisement, error) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := NewCache(0)
	s.log.WithField("timeout", timeout).Debug("📡 Iniciando scan ativo...")
	radio.Lock()
	defer radio.Unlock()
	err := ble.Scan(scanCtx, true, func(a ble.Advertisement) {
		adv := fromBLE(a)
		found.Put(adv)
		s.cache.Put(adv)
	}, nil)
	if err != nil && !isScanDone(err) {
		return nil, err
	}
	// Se quem chamou cancelou, o resultado parcial não interessa.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return found.Snapshot(), nil
}

// Watch mantém um scan em segundo plano até o contexto acabar, chamando fn a cada anúncio.
// O scan roda em janelas de window, liberando o rádio entre elas para as conexões dos trens.
func (s *DeviceScanner) Watch(ctx context.Context, window time.Duration, fn func(Advertisement)) error {
	if window <= 0 {
		window = 10 * time.Second
	}
	s.log.Info("👂 Escutando anúncios BLE em segundo plano...")
	for ctx.Err() == nil {
		if err := s.watchWindow(ctx, window, fn); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
		case <-time.After(watchPause):
		}
	}
	return nil
}

// watchPause é o intervalo entre janelas em que o rádio fica livre.
const watchPause = 2 * time.Second

func (s *DeviceScanner) watchWindow(ctx context.Context, window time.Duration, fn func(Advertisement)) error {
	windowCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	radio.Lock()
	defer radio.Unlock()
	err := ble.Scan(windowCtx, true, func(a ble.Advertisement) {
		adv := fromBLE(a)
		s.cache.Put(adv)
		if fn != nil {
			fn(adv)
		}
	}, nil)
	if err != nil && !isScanDone(err) {
		return err
	}
	return nil
}

func isScanDone(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
