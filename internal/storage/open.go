package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "pollrelay/pkg/logx"
)

// Store keeps the audit trail and remembers which days already had their poll.
type Store interface {
	Append(ctx context.Context, e AuditEntry) error
	// Recent returns matching entries, newest first.
	Recent(ctx context.Context, q Query) ([]AuditEntry, error)
	// MarkSent records that the broadcast for day went out; the mark is
	// forgotten after until.
	MarkSent(ctx context.Context, day string, until time.Time) error
	SentOn(ctx context.Context, day string) (bool, error)
	Close() error
}

// Open returns (nil, nil) when storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
