package factory

import (
	"fmt"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/history"
	"github.com/voxgate/voxgate/internal/history/postgres"
	"github.com/voxgate/voxgate/internal/history/sqlite"
)

// New builds the lifecycle event sink selected by the configuration. Returns
// (nil, nil) when history is disabled.
func New(cfg config.HistoryConfig) (history.Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Type {
	case "", "sqlite":
		return sqlite.New(cfg.DSN)
	case "postgres":
		return postgres.New(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown history sink type %q", cfg.Type)
	}
}
