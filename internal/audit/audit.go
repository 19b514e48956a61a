// Package audit persists every spine event to tamper-evident log files.
//
// Records are JSONL with an HMAC-SHA256 hash chain: each record carries
// the hash of its predecessor, so any edit, insertion, or deletion inside
// a segment breaks the chain at a verifiable line. Sensitive fields are
// redacted before anything touches disk. Segments roll per day and per
// size cap, and old segments are swept on a cron schedule.
//
// The chain restarts from the zero hash at every segment boundary, which
// keeps each file independently verifiable.
package audit

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"tradecore/internal/bus"
	"tradecore/pkg/types"
)

// zeroHash seeds the chain at the start of each segment.
var zeroHash = strings.Repeat("0", 64)

// Record is one audit line. Hash covers the canonical JSON encoding of
// the record with Hash itself empty; PrevHash links to the previous line.
type Record struct {
	ID       string            `json:"id"`
	Ts       int64             `json:"ts"`
	Kind     string            `json:"kind"`
	Level    string            `json:"level"`
	Data     json.RawMessage   `json:"data"`
	Meta     map[string]string `json:"meta,omitempty"`
	PrevHash string            `json:"prev_hash"`
	Hash     string            `json:"hash"`
}

// Config for the sink. IntegrityKey is required; EncryptionKey (32 bytes)
// is optional and enables per-line AES-256-CBC.
type Config struct {
	Dir               string
	Prefix            string
	MaxSizeBytes      int64
	RetentionDays     int
	RetentionSchedule string
	FlushInterval     time.Duration
	IntegrityKey      []byte
	EncryptionKey     []byte
}

// Sink is the audit writer. All writes are serialized through one
// goroutine (Run), so the chain hash sequence is strictly ordered.
type Sink struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	file     *os.File
	w        *bufio.Writer
	size     int64
	day      string
	seq      int
	prevHash string

	cron    *cron.Cron
	written atomic.Int64
	swept   atomic.Int64
}

// New creates the sink and opens the first segment. The retention sweep
// runs once immediately and then on the configured cron schedule.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if len(cfg.IntegrityKey) == 0 {
		return nil, types.Ef(types.KindConfig, "audit.new", "integrity key is required")
	}
	if k := len(cfg.EncryptionKey); k != 0 && k != 32 {
		return nil, types.Ef(types.KindConfig, "audit.new", "encryption key must be 32 bytes, got %d", k)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "audit"
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = 64 << 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = "0 0 * * *"
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, types.E(types.KindConfig, "audit.new", fmt.Errorf("create dir: %w", err))
	}

	s := &Sink{cfg: cfg, logger: logger.With("component", "audit")}
	if err := s.openSegment(time.Now().UTC()); err != nil {
		return nil, err
	}

	s.sweep()
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(cfg.RetentionSchedule, s.sweep); err != nil {
		return nil, types.E(types.KindConfig, "audit.new", fmt.Errorf("retention schedule: %w", err))
	}
	s.cron.Start()
	return s, nil
}

// Run consumes spine events until ctx is done or a write fails. Chain
// and disk errors are returned to the caller; the engine treats
// integrity failures as fatal.
func (s *Sink) Run(ctx context.Context, events <-chan bus.Event) error {
	flush := time.NewTicker(s.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.Flush()
		case ev, ok := <-events:
			if !ok {
				return s.Flush()
			}
			if err := s.Append(ev); err != nil {
				return err
			}
		case <-flush.C:
			if err := s.Flush(); err != nil {
				return err
			}
		}
	}
}

// Append redacts, chains, and writes one event.
func (s *Sink) Append(ev bus.Event) error {
	data, err := redactJSON(ev.Data)
	if err != nil {
		return types.E(types.KindInternal, "audit.append", fmt.Errorf("encode %s: %w", ev.Name, err))
	}
	ts := ev.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := Record{
		ID:    uuid.NewString(),
		Ts:    ts.UnixMilli(),
		Kind:  string(ev.Name),
		Level: levelFor(ev),
		Data:  data,
	}
	if ev.Key != "" {
		rec.Meta = map[string]string{"key": ev.Key}
	}
	return s.write(rec)
}

func (s *Sink) write(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.UnixMilli(rec.Ts).UTC()
	if day := now.Format("2006-01-02"); day != s.day && day > s.day {
		if err := s.rollSegment(now); err != nil {
			return err
		}
	}

	rec.PrevHash = s.prevHash
	canonical, err := json.Marshal(rec)
	if err != nil {
		return types.E(types.KindInternal, "audit.write", err)
	}
	rec.Hash = chainHash(s.cfg.IntegrityKey, canonical)

	line, err := json.Marshal(rec)
	if err != nil {
		return types.E(types.KindInternal, "audit.write", err)
	}
	if len(s.cfg.EncryptionKey) > 0 {
		enc, err := encryptLine(s.cfg.EncryptionKey, line)
		if err != nil {
			return types.E(types.KindInternal, "audit.write", err)
		}
		line = []byte(enc)
	}
	line = append(line, '\n')

	if s.size+int64(len(line)) > s.cfg.MaxSizeBytes && s.size > 0 {
		if err := s.rollSegment(now); err != nil {
			return err
		}
		// chain restarted: rehash against the fresh segment seed
		return s.writeChained(rec.ID, rec.Ts, rec.Kind, rec.Level, rec.Data, rec.Meta)
	}

	if _, err := s.w.Write(line); err != nil {
		return types.E(types.KindInternal, "audit.write", fmt.Errorf("append: %w", err))
	}
	s.size += int64(len(line))
	s.prevHash = rec.Hash
	s.written.Add(1)
	return nil
}

// writeChained re-runs the hash computation after a mid-write rotation.
// Caller holds s.mu.
func (s *Sink) writeChained(id string, ts int64, kind, level string, data json.RawMessage, meta map[string]string) error {
	rec := Record{ID: id, Ts: ts, Kind: kind, Level: level, Data: data, Meta: meta, PrevHash: s.prevHash}
	canonical, err := json.Marshal(rec)
	if err != nil {
		return types.E(types.KindInternal, "audit.write", err)
	}
	rec.Hash = chainHash(s.cfg.IntegrityKey, canonical)
	line, err := json.Marshal(rec)
	if err != nil {
		return types.E(types.KindInternal, "audit.write", err)
	}
	if len(s.cfg.EncryptionKey) > 0 {
		enc, err := encryptLine(s.cfg.EncryptionKey, line)
		if err != nil {
			return types.E(types.KindInternal, "audit.write", err)
		}
		line = []byte(enc)
	}
	line = append(line, '\n')
	if _, err := s.w.Write(line); err != nil {
		return types.E(types.KindInternal, "audit.write", fmt.Errorf("append: %w", err))
	}
	s.size += int64(len(line))
	s.prevHash = rec.Hash
	s.written.Add(1)
	return nil
}

// rollSegment closes the current file and opens the next one. Within the
// same day the sequence number advances; on a new day it resets.
// Caller holds s.mu.
func (s *Sink) rollSegment(now time.Time) error {
	if s.w != nil {
		s.w.Flush()
		s.file.Close()
	}
	if day := now.Format("2006-01-02"); day != s.day {
		s.day = ""
		s.seq = 0
	} else {
		s.seq++
	}
	return s.openLocked(now)
}

func (s *Sink) openSegment(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(now)
}

// openLocked opens the segment for now's day, skipping past any existing
// non-empty files so a restart never appends to a sealed chain.
func (s *Sink) openLocked(now time.Time) error {
	day := now.Format("2006-01-02")
	seq := s.seq
	for {
		path := s.segmentPath(day, seq)
		info, err := os.Stat(path)
		if err == nil && info.Size() > 0 {
			seq++
			continue
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return types.E(types.KindInternal, "audit.open", fmt.Errorf("open %s: %w", path, err))
		}
		s.file = f
		s.w = bufio.NewWriter(f)
		s.size = 0
		s.day = day
		s.seq = seq
		s.prevHash = zeroHash
		return nil
	}
}

func (s *Sink) segmentPath(day string, seq int) string {
	name := fmt.Sprintf("%s-%s.log", s.cfg.Prefix, day)
	if seq > 0 {
		name = fmt.Sprintf("%s-%s.%d.log", s.cfg.Prefix, day, seq)
	}
	return filepath.Join(s.cfg.Dir, name)
}

// Flush forces buffered records to disk.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return types.E(types.KindInternal, "audit.flush", err)
	}
	if err := s.file.Sync(); err != nil {
		return types.E(types.KindInternal, "audit.flush", err)
	}
	return nil
}

// Close flushes and releases the current segment and stops the retention
// cron.
func (s *Sink) Close() error {
	if s.cron != nil {
		s.cron.Stop()
	}
	err := s.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
		s.w = nil
	}
	return err
}

// Written reports the number of records persisted since start.
func (s *Sink) Written() int64 { return s.written.Load() }

// sweep deletes segments older than the retention window.
func (s *Sink) sweep() {
	if s.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays).Format("2006-01-02")
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		s.logger.Warn("retention sweep failed", "error", err)
		return
	}
	prefix := s.cfg.Prefix + "-"
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		day := strings.TrimPrefix(name, prefix)
		if len(day) < len("2006-01-02") {
			continue
		}
		day = day[:len("2006-01-02")]
		if day >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.Dir, name)); err != nil {
			s.logger.Warn("retention delete failed", "segment", name, "error", err)
			continue
		}
		s.swept.Add(1)
		s.logger.Info("audit segment expired", "segment", name)
	}
}

func chainHash(key, canonical []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// levelFor maps a spine event to an audit severity. Risk events carry
// their own level; everything else is inferred from the topic.
func levelFor(ev bus.Event) string {
	if re, ok := ev.Data.(types.RiskEvent); ok {
		return string(re.Level)
	}
	switch ev.Name {
	case bus.EvOrderFailed:
		return "error"
	case bus.EvSignalRejected, bus.EvCircuitBreaker, bus.EvConnectionLost, bus.EvEventDropped, bus.EvShutdown:
		return "warn"
	default:
		return "info"
	}
}
