// pkg/config/config.go

// Package config gerencia o carregamento de configurações estáticas do aplicativo.

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig define a estrutura do arquivo de configuração (YAML).
// Estes são os parâmetros que não mudam durante a execução do programa.
type AppConfig struct {
	AdapterID   int               `yaml:"adapter_id"`
	Log         LogConfig         `yaml:"log"`
	Store       StoreConfig       `yaml:"store"`
	Scan        ScanConfig        `yaml:"scan"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Web         WebConfig         `yaml:"web"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	MDNS        MDNSConfig        `yaml:"mdns"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text ou json
	Output string `yaml:"output"` // stdout, stderr ou caminho de arquivo
}

// StoreConfig escolhe onde as entradas de configuração dos trens ficam salvas.
type StoreConfig struct {
	Driver        string `yaml:"driver"` // "sqlite" ou "mongo"
	Path          string `yaml:"path"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

type ScanConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	NamePrefix string        `yaml:"name_prefix"`
	Passive    bool          `yaml:"passive"` // escuta anúncios em segundo plano (descoberta automática)
}

type CoordinatorConfig struct {
	AutoConnect    bool          `yaml:"auto_connect"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	CommandRate    float64       `yaml:"command_rate"` // comandos por segundo
	CommandBurst   int           `yaml:"command_burst"`
}

type WebConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Addr              string        `yaml:"addr"`
	StaticDir         string        `yaml:"static_dir"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
}

type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Broker          string        `yaml:"broker"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	ClientID        string        `yaml:"client_id"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	TopicPrefix     string        `yaml:"topic_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

// Defaults retorna a configuração usada quando nenhum arquivo é informado.
func Defaults() *AppConfig {
	return &AppConfig{
		AdapterID: 0,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Store: StoreConfig{
			Driver:        "sqlite",
			Path:          "data/lionchief.db",
			MongoDatabase: "lionchief",
		},
		Scan: ScanConfig{
			Timeout:    10 * time.Second,
			CacheTTL:   5 * time.Minute,
			NamePrefix: "LC",
			Passive:    true,
		},
		Coordinator: CoordinatorConfig{
			AutoConnect:    true,
			ConnectTimeout: 20 * time.Second,
			ReconnectDelay: 5 * time.Second,
			CommandRate:    20,
			CommandBurst:   5,
		},
		Web: WebConfig{
			Enabled:           true,
			Addr:              ":8080",
			BroadcastInterval: 500 * time.Millisecond,
		},
		MQTT: MQTTConfig{
			Broker:          "tcp://localhost:1883",
			ClientID:        "lionchief_bridge",
			DiscoveryPrefix: "homeassistant",
			TopicPrefix:     "lionchief",
			PublishInterval: time.Second,
		},
		MDNS: MDNSConfig{
			Instance: "LionChief Bridge",
		},
	}
}

// Load lê um arquivo de configuração do caminho fornecido e retorna uma struct AppConfig.
// Um caminho vazio usa apenas os valores padrão e as variáveis de ambiente.
func Load(path string) (*AppConfig, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides sobrescreve campos com variáveis de ambiente (padrão Docker / add-on).
func ApplyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("LIONCHIEF_ADAPTER"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.AdapterID = id
		}
	}
	if v := os.Getenv("LIONCHIEF_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LIONCHIEF_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("LIONCHIEF_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MONGODB_URI"); v != "" {
		cfg.Store.MongoURI = v
	}
	if v := os.Getenv("LIONCHIEF_WEB_ADDR"); v != "" {
		cfg.Web.Addr = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
	if v := os.Getenv("MQTT_USER"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASS"); v != "" {
		cfg.MQTT.Password = v
	}
}

// Validate verifica combinações inválidas antes de qualquer goroutine ser iniciada.
func (c *AppConfig) Validate() error {
	var errs []error

	switch strings.ToLower(c.Store.Driver) {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case "mongo":
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri (or MONGODB_URI) is required for mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	if c.AdapterID < 0 {
		errs = append(errs, fmt.Errorf("adapter_id must be >= 0, got %d", c.AdapterID))
	}
	if c.Scan.Timeout <= 0 {
		errs = append(errs, errors.New("scan.timeout must be positive"))
	}
	if c.Coordinator.CommandRate <= 0 || c.Coordinator.CommandBurst <= 0 {
		errs = append(errs, errors.New("coordinator.command_rate and command_burst must be positive"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}

	return errors.Join(errs...)
}
