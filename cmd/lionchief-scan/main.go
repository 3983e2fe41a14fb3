// lionchief-scan: lista trens LionChief próximos, mostra o perfil GATT de um trem
// ou mede a latência dos comandos.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"lionchief-bridge/internal/mdns"
	lcble "lionchief-bridge/pkg/ble"
	"lionchief-bridge/pkg/config"
	"lionchief-bridge/pkg/lionchief"
	"lionchief-bridge/pkg/logging"
)

func main() {
	macAddress := flag.String("mac", "", "Endereço MAC do trem (para -discover e -latency)")
	adapterID := flag.Int("adapter", 0, "ID do adaptador HCI a ser usado (ex: 0 para hci0)")
	timeout := flag.Duration("timeout", 10*time.Second, "Duração do scan")
	all := flag.Bool("all", false, "Lista todos os dispositivos, não só trens LionChief")
	discoverMode := flag.Bool("discover", false, "Lista todos os serviços e características do trem")
	latency := flag.Int("latency", 0, "Número de amostras de latência a coletar (0 desliga)")
	bridges := flag.Bool("bridges", false, "Procura bridges LionChief na rede local (mDNS)")
	verbose := flag.Bool("v", false, "Log detalhado")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger, _, err := logging.New(config.LogConfig{Level: level, Output: "stderr"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.Component(logger, "scan")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if *bridges {
		runBridges(ctx, *timeout, log)
		return
	}

	if err := lcble.UseAdapter(*adapterID); err != nil {
		log.WithError(err).Fatal("❌ Falha ao selecionar adaptador")
	}

	switch {
	case *macAddress == "" && (*discoverMode || *latency > 0):
		fmt.Println("Erro: o argumento -mac é obrigatório para -discover e -latency.")
		flag.Usage()
		os.Exit(1)
	case *discoverMode:
		runDiscover(ctx, *macAddress, log)
	case *latency > 0:
		runLatency(ctx, *macAddress, *latency, log)
	default:
		runList(ctx, *timeout, *all, log)
	}
}

func runList(ctx context.Context, timeout time.Duration, all bool, log *logrus.Entry) {
	fmt.Printf("📡 Procurando trens por %s...\n", timeout)
	scanner := lcble.NewDeviceScanner(lcble.NewCache(0), log)
	advs, err := scanner.Discover(ctx, timeout)
	if err != nil {
		log.WithError(err).Fatal("❌ Falha no scan")
	}

	fmt.Println("-----------------------------------------")
	shown := 0
	for _, a := range advs {
		train := strings.HasPrefix(strings.ToUpper(a.Name), lionchief.NamePrefix) || a.HasService(lionchief.ServiceUUID)
		if !train && !all {
			continue
		}
		marker := "  "
		if train {
			marker = "🚂"
		}
		fmt.Printf("%s %s  %-24q RSSI %d\n", marker, a.Address, a.Name, a.RSSI)
		shown++
	}
	fmt.Println("-----------------------------------------")
	fmt.Printf("%d dispositivo(s) encontrado(s).\n", shown)
}

func runDiscover(ctx context.Context, mac string, log *logrus.Entry) {
	fmt.Printf("📡 Procurando por %s...\n", mac)
	client, err := ble.Connect(ctx, func(a ble.Advertisement) bool {
		return strings.EqualFold(a.Addr().String(), mac)
	})
	if err != nil {
		log.WithError(err).Fatal("❌ Falha ao conectar")
	}
	fmt.Println("✅ Conectado ao dispositivo!")
	defer client.CancelConnection()

	fmt.Println("🔍 Descobrindo perfil do dispositivo...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		log.WithError(err).Fatal("❌ Falha ao descobrir perfil")
	}
	printProfile(profile)

	if lcble.FindCharacteristic(profile, lionchief.WriteCharUUID) == nil {
		fmt.Println("⚠️ Característica de comando LionChief não encontrada: este dispositivo não parece ser um trem.")
	}
}

func printProfile(p *ble.Profile) {
	fmt.Println("-----------------------------------------")
	for _, s := range p.Services {
		fmt.Printf("Serviço: %s (%s)\n", s.UUID, ble.Name(s.UUID))
		for _, c := range s.Characteristics {
			fmt.Printf("  - Característica: %s (%s), Propriedades: %s\n", c.UUID, ble.Name(c.UUID), describeProperty(c.Property))
		}
	}
	fmt.Println("-----------------------------------------")
}

func describeProperty(p ble.Property) string {
	var names []string
	flags := []struct {
		bit  ble.Property
		name string
	}{
		{ble.CharRead, "read"},
		{ble.CharWrite, "write"},
		{ble.CharWriteNR, "write-no-rsp"},
		{ble.CharNotify, "notify"},
		{ble.CharIndicate, "indicate"},
	}
	for _, f := range flags {
		if p&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("0x%02x", byte(p))
	}
	return strings.Join(names, "|")
}

// runLatency mede o tempo de ida e volta de escritas com resposta.
// O comando usado (sino desligado) não muda nada visível no trem.
func runLatency(ctx context.Context, mac string, samples int, log *logrus.Entry) {
	link := lcble.NewLink(log)
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := link.Connect(connectCtx, mac, nil); err != nil {
		log.WithError(err).Fatal("❌ Falha ao conectar")
	}
	defer link.Disconnect()

	frame := lionchief.SetBell(false)
	fmt.Printf("🚀 Iniciando teste de latência (coletando %d amostras)...\n", samples)
	fmt.Println("--------------------------------------------------")

	latencies := make([]time.Duration, 0, samples)
	for i := 0; i < samples; i++ {
		fmt.Printf("   Amostra %d/%d... ", i+1, samples)
		start := time.Now()
		if err := link.Write(ctx, frame); err != nil {
			fmt.Println("Erro ao enviar:", err)
			continue
		}
		l := time.Since(start)
		latencies = append(latencies, l)
		fmt.Printf("ok, %v\n", l)

		select {
		case <-ctx.Done():
			fmt.Println("Teste cancelado.")
			return
		case <-link.Disconnected():
			fmt.Println("🔌 Conexão perdida.")
			printLatencyStats(latencies)
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
	printLatencyStats(latencies)
}

func printLatencyStats(latencies []time.Duration) {
	s, ok := computeStats(latencies)
	if !ok {
		fmt.Println("Nenhum dado de latência foi coletado.")
		return
	}
	fmt.Println("\n--- Relatório Final de Latência ---")
	fmt.Println("--------------------------------------------------")
	fmt.Printf("Total de Amostras:     %d\n", s.Count)
	fmt.Printf("Latência Média:        %v\n", s.Mean)
	fmt.Printf("Latência Mínima:       %v\n", s.Min)
	fmt.Printf("Latência Máxima:       %v\n", s.Max)
	fmt.Printf("Jitter (Desv. Padrão): %v\n", s.StdDev)
	fmt.Println("--------------------------------------------------")
	fmt.Println("Conclusão:", s.Verdict())
}

func runBridges(ctx context.Context, timeout time.Duration, log *logrus.Entry) {
	fmt.Printf("📡 Procurando bridges na rede local por %s...\n", timeout)
	found, err := mdns.Browse(ctx, timeout)
	if err != nil {
		log.WithError(err).Fatal("❌ Falha na busca mDNS")
	}
	for _, b := range found {
		fmt.Printf("🖥️  %s  http://%s  (%d trens, versão %s)\n", b.Instance, b.Address, b.Trains, b.Version)
	}
	fmt.Printf("%d bridge(s) encontrado(s).\n", len(found))
}
