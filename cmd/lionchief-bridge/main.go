// Local: cmd/lionchief-bridge/main.go

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"lionchief-bridge/internal/mdns"
	"lionchief-bridge/internal/mqtt"
	"lionchief-bridge/internal/web"
	"lionchief-bridge/pkg/ble"
	"lionchief-bridge/pkg/bridge"
	"lionchief-bridge/pkg/config"
	"lionchief-bridge/pkg/coordinator"
	"lionchief-bridge/pkg/database"
	"lionchief-bridge/pkg/entry"
	"lionchief-bridge/pkg/logging"
	"lionchief-bridge/pkg/setup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Caminho do arquivo de configuração YAML (opcional)")
	flag.Parse()

	// 1. Carrega as configurações.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Erro ao carregar configuração: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Erro ao configurar log: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	log := logging.Component(logger, "main")
	log.Infof("Iniciando LionChief Bridge %s...", version)

	// 2. Cria um 'context' que é cancelado com Ctrl+C.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("Sinal de interrupção recebido, encerrando...")
		cancel()
	}()

	// 3. Abre o armazenamento das entradas e o adaptador Bluetooth.
	store, err := database.Open(ctx, cfg.Store)
	if err != nil {
		log.WithError(err).Fatal("❌ Erro ao abrir o armazenamento de entradas")
	}
	defer store.Close()

	if err := ble.UseAdapter(cfg.AdapterID); err != nil {
		log.WithError(err).Fatal("❌ Falha ao selecionar adaptador Bluetooth")
	}

	scanner := ble.NewDeviceScanner(ble.NewCache(cfg.Scan.CacheTTL), logging.Component(logger, "scanner"))
	manager := setup.NewManager(store, scanner, setup.Options{
		ScanTimeout: cfg.Scan.Timeout,
		NamePrefix:  cfg.Scan.NamePrefix,
	}, logging.Component(logger, "setup"))

	linkLog := logging.Component(logger, "ble")
	factory := func(e entry.Entry) coordinator.Transport {
		return ble.NewLink(linkLog.WithField("train", e.Title()))
	}
	b := bridge.New(store, manager, factory, coordinator.Options{
		AutoConnect:    cfg.Coordinator.AutoConnect,
		ConnectTimeout: cfg.Coordinator.ConnectTimeout,
		ReconnectDelay: cfg.Coordinator.ReconnectDelay,
		CommandRate:    cfg.Coordinator.CommandRate,
		CommandBurst:   cfg.Coordinator.CommandBurst,
	}, logging.Component(logger, "bridge"))

	if err := b.Load(ctx); err != nil {
		log.WithError(err).Fatal("❌ Erro ao carregar entradas")
	}

	// 4. Inicia as goroutines principais.
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Run(ctx)
	}()

	if cfg.Scan.Passive {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := scanner.Watch(ctx, cfg.Scan.Timeout, func(adv ble.Advertisement) {
				b.Discovered(ctx, adv)
			})
			if err != nil {
				log.WithError(err).Error("Scan em segundo plano encerrado com erro")
			}
		}()
	}

	if cfg.Web.Enabled {
		hub := web.NewHub(b, cfg.Web.BroadcastInterval, logging.Component(logger, "web"))
		wg.Add(1)
		go web.HubRoutine(ctx, cfg.Web, hub, &wg)
	}

	if cfg.MQTT.Enabled {
		pub := mqtt.NewPublisher(cfg.MQTT, b, logging.Component(logger, "mqtt"))
		wg.Add(1)
		go mqtt.Routine(ctx, cfg.MQTT, pub, &wg)
	}

	if cfg.MDNS.Enabled && cfg.Web.Enabled {
		meta := func() map[string]string {
			return map[string]string{
				"version": version,
				"trains":  strconv.Itoa(len(b.Trains())),
			}
		}
		// sinal sem bloqueio: várias mudanças seguidas viram uma releitura só
		changed := make(chan struct{}, 1)
		unsubscribe := b.Subscribe(func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer unsubscribe()
			if err := mdns.Advertise(ctx, cfg.MDNS.Instance, cfg.Web.Addr, meta, changed, logging.Component(logger, "mdns")); err != nil {
				log.WithError(err).Warn("Não foi possível anunciar via mDNS")
			}
		}()
	}

	log.Info("✅ Bridge rodando.")

	// 5. Bloqueia até que todas as goroutines terminem.
	wg.Wait()
	log.Info("Aplicação encerrada.")
}
