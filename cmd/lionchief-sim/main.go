// Local: cmd/lionchief-sim/main.go

// lionchief-sim anuncia um trem LionChief falso para testar o bridge sem hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"lionchief-bridge/pkg/ble"
	"lionchief-bridge/pkg/config"
	"lionchief-bridge/pkg/logging"
)

func main() {
	adapterID := flag.Int("adapter", 0, "ID do adaptador HCI a ser usado (ex: 0 para hci0)")
	name := flag.String("name", "LC-Sim", "Nome anunciado pelo trem simulado")
	level := flag.String("log-level", "info", "Nível de log (debug, info, warn, error)")
	report := flag.Duration("report", 5*time.Second, "Intervalo do resumo de estado (0 desliga)")
	flag.Parse()

	logger, _, err := logging.New(config.LogConfig{Level: *level, Output: "stderr"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.Component(logger, "sim")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		log.Info("Encerrando simulador...")
		cancel()
	}()

	state := &ble.SimState{Forward: true}
	if *report > 0 {
		go reportLoop(ctx, state, *report, log)
	}

	log.Infof("[SIM] Iniciando trem simulado no adaptador hci%d...", *adapterID)
	if err := ble.RunSimulator(ctx, *adapterID, *name, state, log); err != nil {
		log.WithError(err).Fatal("[SIM] ❌ Falha ao iniciar simulador")
	}
	log.Info("[SIM] Anúncio parado.")
}

// reportLoop mostra o estado do trem simulado quando ele muda.
func reportLoop(ctx context.Context, state *ble.SimState, every time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	last := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state.RLock()
			fields := logrus.Fields{
				"speed":        state.Speed,
				"forward":      state.Forward,
				"lights":       state.Lights,
				"bell":         state.Bell,
				"horn":         state.Horn,
				"announcement": state.LastAnnouncement,
			}
			commands := state.Commands
			state.RUnlock()
			if commands == last {
				continue
			}
			last = commands
			log.WithFields(fields).Infof("[SIM] Estado após %d comando(s)", commands)
		}
	}
}
