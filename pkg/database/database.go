// Local: pkg/database/database.go

// Package database contém os backends que persistem as entradas de configuração dos trens.
package database

import (
	"context"
	"fmt"
	"strings"

	"lionchief-bridge/pkg/config"
	"lionchief-bridge/pkg/entry"
)

// Open escolhe o backend pelo driver configurado.
func Open(ctx context.Context, cfg config.StoreConfig) (entry.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		return NewSQLiteStore(cfg.Path)
	case "mongo":
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
