package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logx "streambot/pkg/logx"
)

// Open initializes the configured store. An empty driver means "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "none":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// Seed adds every channel in names that is not tracked yet. Invalid names are
// reported but don't stop the rest.
func Seed(ctx context.Context, st Store, names []string, log logx.Logger) (added int, err error) {
	for _, n := range names {
		switch e := st.AddChannel(ctx, n); {
		case e == nil:
			added++
		case errors.Is(e, ErrChannelExists):
		case errors.Is(e, ErrInvalidChannel):
			log.Warn("ignoring invalid seed channel", logx.String("name", n), logx.Err(e))
		default:
			return added, e
		}
	}
	return added, nil
}

// SeedIfEmpty seeds only a registry that tracks nothing yet, so channels the
// operator removed stay removed across restarts.
func SeedIfEmpty(ctx context.Context, st Store, names []string, log logx.Logger) (added int, err error) {
	if len(names) == 0 {
		return 0, nil
	}
	current, err := st.ListChannels(ctx)
	if err != nil {
		return 0, err
	}
	if len(current) > 0 {
		return 0, nil
	}
	return Seed(ctx, st, names, log)
}
