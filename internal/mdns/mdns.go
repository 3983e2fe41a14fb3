// Package mdns anuncia o dashboard do bridge na rede local (DNS-SD) e encontra outros bridges.
package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	ServiceType = "_lionchief._tcp"
	Domain      = "local."
)

// Bridge é um bridge encontrado na rede.
type Bridge struct {
	Instance string
	Address  string
	Trains   int
	Version  string
}

// Port extrai a porta de um endereço de escuta como ":8080".
func Port(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("parse port %q: %w", p, err)
	}
	return port, nil
}

// TXT monta os registros de texto anunciados.
func TXT(meta map[string]string) []string {
	txt := make([]string, 0, len(meta))
	for k, v := range meta {
		txt = append(txt, k+"="+v)
	}
	sort.Strings(txt)
	return txt
}

// Meta devolve os metadados atuais do bridge (versão, número de trens).
type Meta func() map[string]string

// txtRefresher reenvia os registros TXT só quando eles mudam.
type txtRefresher struct {
	meta    Meta
	setText func([]string)
	last    []string
}

func (r *txtRefresher) refresh() bool {
	txt := TXT(r.meta())
	if equalTXT(txt, r.last) {
		return false
	}
	r.last = txt
	r.setText(txt)
	return true
}

func equalTXT(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Advertise registra o serviço e bloqueia até o contexto ser cancelado. A cada sinal em
// changed os metadados são relidos e o TXT é atualizado se mudou.
func Advertise(ctx context.Context, instance, addr string, meta Meta, changed <-chan struct{}, log *logrus.Entry) error {
	port, err := Port(addr)
	if err != nil {
		return err
	}
	txt := TXT(meta())
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	defer server.Shutdown()
	log.WithFields(logrus.Fields{"instance": instance, "port": port}).Info("[MDNS] 📡 Anunciando dashboard na rede local")

	r := &txtRefresher{meta: meta, setText: server.SetText, last: txt}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			if r.refresh() {
				log.WithField("txt", r.last).Debug("[MDNS] TXT atualizado")
			}
		}
	}
}

// Browse procura bridges durante timeout.
func Browse(ctx context.Context, timeout time.Duration) ([]Bridge, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu    sync.Mutex
		found []Bridge
		wg    sync.WaitGroup
	)

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range entries {
			mu.Lock()
			found = append(found, fromEntry(e))
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(scanCtx, ServiceType, Domain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	sort.Slice(found, func(i, j int) bool { return found[i].Instance < found[j].Instance })
	return found, nil
}

func fromEntry(e *zeroconf.ServiceEntry) Bridge {
	var address string
	if len(e.AddrIPv4) > 0 {
		address = fmt.Sprintf("%s:%d", e.AddrIPv4[0], e.Port)
	} else if len(e.AddrIPv6) > 0 {
		address = fmt.Sprintf("[%s]:%d", e.AddrIPv6[0], e.Port)
	}

	meta := parseTXT(e.Text)
	trains, _ := strconv.Atoi(meta["trains"])
	return Bridge{
		Instance: e.ServiceRecord.Instance,
		Address:  address,
		Trains:   trains,
		Version:  meta["version"],
	}
}

func parseTXT(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		if k, v, ok := strings.Cut(t, "="); ok {
			m[k] = v
		}
	}
	return m
}
