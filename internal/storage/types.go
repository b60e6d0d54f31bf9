package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config selects the driver. "file" writes JSON Lines next to Path, "sqlite"
// opens Path as a database (modernc.org/sqlite, no cgo). Empty or "none"
// disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// Audit kinds.
const (
	KindSubscribe   = "subscribe"
	KindUnsubscribe = "unsubscribe"
	KindBroadcast   = "broadcast"
	KindSkip        = "skip"
)

// AuditEntry records one registry mutation, skipped day or broadcast outcome.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	ChatID  int64     `json:"chat_id,omitempty"`
	ActorID int64     `json:"actor_id,omitempty"`
	Result  string    `json:"result,omitempty"`
	OK      int       `json:"ok,omitempty"`
	Fail    int       `json:"fail,omitempty"`
	Error   string    `json:"err,omitempty"`
	TookMS  int64     `json:"took_ms,omitempty"`
}

// Query filters Recent. Zero Kind or ChatID match everything.
type Query struct {
	Limit  int
	Kind   string
	ChatID int64
}

func (q Query) match(e AuditEntry) bool {
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	return q.ChatID == 0 || e.ChatID == q.ChatID
}
