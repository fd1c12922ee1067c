package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	AppendTransition(ctx context.Context, t Transition) error
	// RecentTransitions returns up to limit transitions, newest first.
	RecentTransitions(ctx context.Context, limit int) ([]Transition, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store. It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
