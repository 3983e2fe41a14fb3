// Local: cmd/lionchief-setup/main.go

// lionchief-setup conduz o assistente de configuração pelo terminal e grava a entrada do trem.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"lionchief-bridge/internal/wizard"
	"lionchief-bridge/pkg/ble"
	"lionchief-bridge/pkg/config"
	"lionchief-bridge/pkg/database"
	"lionchief-bridge/pkg/logging"
	"lionchief-bridge/pkg/setup"
)

func main() {
	configPath := flag.String("config", "", "Caminho do arquivo de configuração YAML (opcional)")
	list := flag.Bool("list", false, "Apenas lista os trens já configurados")
	remove := flag.String("remove", "", "Remove a entrada do trem com este MAC")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Erro ao carregar configuração: %v\n", err)
		os.Exit(1)
	}
	// o terminal é do assistente; o log só mostra avisos
	cfg.Log.Level = "warn"
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Erro ao configurar log: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	store, err := database.Open(ctx, cfg.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Erro ao abrir o armazenamento: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch {
	case *list:
		entries, err := store.List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
			os.Exit(1)
		}
		for _, e := range entries {
			model := e.TrainModel
			if model == "" {
				model = "Generic"
			}
			fmt.Printf("🚂 %s  %-24q %-24s (%s)\n", e.MACAddress, e.Name, model, e.Source)
		}
		fmt.Printf("%d trem(ns) configurado(s).\n", len(entries))
		return
	case *remove != "":
		e, err := store.GetByMAC(ctx, *remove)
		if err == nil {
			err = store.Delete(ctx, e.ID)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Não foi possível remover %s: %v\n", *remove, err)
			os.Exit(1)
		}
		fmt.Printf("🗑️  %s removido. Reinicie o bridge para aplicar.\n", e.Title())
		return
	}

	if err := ble.UseAdapter(cfg.AdapterID); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Falha ao selecionar adaptador Bluetooth: %v\n", err)
		os.Exit(1)
	}
	scanner := ble.NewDeviceScanner(ble.NewCache(cfg.Scan.CacheTTL), logging.Component(logger, "scanner"))
	flow := setup.NewFlow(store, scanner, setup.Options{
		ScanTimeout: cfg.Scan.Timeout,
		NamePrefix:  cfg.Scan.NamePrefix,
	}, logging.Component(logger, "setup"))

	rl, err := wizard.NewReadline()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	e, err := wizard.New(flow, rl).Run(ctx)
	var abort *wizard.AbortError
	switch {
	case err == nil:
		fmt.Printf("Entrada %s gravada. Um bridge em execução com scan passivo carrega o trem no próximo anúncio dele; sem scan passivo, reinicie o bridge.\n", e.ID)
	case errors.As(err, &abort):
		os.Exit(2)
	case errors.Is(err, wizard.ErrCancelled), errors.Is(err, context.Canceled):
		fmt.Println("Assistente cancelado.")
		os.Exit(130)
	default:
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}
