package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "pollrelay/pkg/logx"
)

// maxAuditBytes triggers rotation of the audit log into "<audit>.1".
const maxAuditBytes = 4 << 20

// fileStore writes "<base>.audit.jsonl" and "<base>.sent.json" next to the
// configured path. Sent marks are few (one per day) so the whole map is
// rewritten on every mark.
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	auditPath string
	audit     *os.File
	auditSize int64

	sentPath string
	sent     map[string]int64 // day -> until, unix milli
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	s := &fileStore{
		log:       log,
		auditPath: base + ".audit.jsonl",
		sentPath:  base + ".sent.json",
		sent:      map[string]int64{},
	}
	if err := s.loadSent(); err != nil {
		log.Warn("sent marks unreadable; starting empty", logx.String("path", s.sentPath), logx.Err(err))
	}
	if err := s.openAudit(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) openAudit() error {
	f, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.audit, s.auditSize = f, st.Size()
	return nil
}

func (s *fileStore) loadSent() error {
	b, err := os.ReadFile(s.sentPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, &s.sent); err != nil {
		return err
	}
	s.pruneLocked(time.Now())
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return nil
	}
	err := s.audit.Close()
	s.audit = nil
	return err
}

func (s *fileStore) Append(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return ErrClosed
	}
	if s.auditSize+int64(len(line)) > maxAuditBytes {
		if err := s.rotateLocked(); err != nil {
			s.log.Warn("audit rotation failed", logx.Err(err))
		}
	}
	n, err := s.audit.Write(line)
	s.auditSize += int64(n)
	return err
}

func (s *fileStore) rotateLocked() error {
	if err := s.audit.Close(); err != nil {
		return err
	}
	s.audit = nil
	if err := os.Rename(s.auditPath, s.auditPath+".1"); err != nil {
		_ = s.openAudit()
		return err
	}
	return s.openAudit()
}

// Recent scans the rotated file first, then the live one, keeping the last
// q.Limit matches.
func (s *fileStore) Recent(ctx context.Context, q Query) ([]AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return nil, ErrClosed
	}

	var tail []AuditEntry
	for _, p := range []string{s.auditPath + ".1", s.auditPath} {
		err := scanAudit(p, func(e AuditEntry) {
			if !q.match(e) {
				return
			}
			if len(tail) == q.Limit {
				tail = tail[1:]
			}
			tail = append(tail, e)
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	out := make([]AuditEntry, len(tail))
	for i, e := range tail {
		out[len(tail)-1-i] = e
	}
	return out, nil
}

func scanAudit(path string, fn func(AuditEntry)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if json.Unmarshal(sc.Bytes(), &e) == nil && e.Kind != "" {
			fn(e)
		}
	}
	return sc.Err()
}

func (s *fileStore) MarkSent(ctx context.Context, day string, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	day = strings.TrimSpace(day)
	if day == "" {
		return errors.New("empty day")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[day] = until.UnixMilli()
	s.pruneLocked(time.Now())
	return s.writeSentLocked()
}

func (s *fileStore) SentOn(ctx context.Context, day string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.sent[strings.TrimSpace(day)]
	return ok && until >= time.Now().UnixMilli(), nil
}

func (s *fileStore) writeSentLocked() error {
	b, err := json.Marshal(s.sent)
	if err != nil {
		return err
	}
	tmp := s.sentPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.sentPath)
}

func (s *fileStore) pruneLocked(now time.Time) {
	cut := now.UnixMilli()
	for day, until := range s.sent {
		if until < cut {
			delete(s.sent, day)
		}
	}
}
