package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kingrea/concord/internal/consensus"
	"github.com/kingrea/concord/internal/session"
)

// DefaultInterval is used when no status interval is configured.
const DefaultInterval = 2 * time.Second

// Source provides read-only session snapshots.
type Source interface {
	Snapshot() session.State
}

// Store persists status records.
type Store interface {
	Write(Status) error
}

// Logger records diagnostic messages.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes a Reporter.
type Option func(*Reporter)

// WithInterval sets the snapshot period.
func WithInterval(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(r *Reporter) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger injects a logger for write failures.
func WithLogger(logger Logger) Option {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithConsensus sets the vote weights used for the tally.
func WithConsensus(cfg consensus.Config) Option {
	return func(r *Reporter) { r.cfg = cfg }
}

// Reporter snapshots the session on a timer. It only takes the session's
// read lock, and only while copying.
type Reporter struct {
	src      Source
	store    Store
	cfg      consensus.Config
	interval time.Duration
	clock    func() time.Time
	logger   Logger

	mu     sync.RWMutex
	latest *Status
}

// NewReporter creates a reporter. store may be nil to keep records in memory.
func NewReporter(src Source, store Store, opts ...Option) *Reporter {
	r := &Reporter{
		src:      src,
		store:    store,
		interval: DefaultInterval,
		clock:    time.Now,
		logger:   nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run writes a record every interval until ctx is done. Write failures are
// logged and retried on the next tick.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Flush(); err != nil {
				r.logger.Printf("status: write failed: %v", err)
			}
		}
	}
}

// Flush builds and writes a record immediately.
func (r *Reporter) Flush() (Status, error) {
	st := Build(r.src.Snapshot(), r.cfg, r.clock())
	r.mu.Lock()
	r.latest = &st
	r.mu.Unlock()
	if r.store == nil {
		return st, nil
	}
	return st, r.store.Write(st)
}

// Latest returns the most recent record, if any.
func (r *Reporter) Latest() (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return Status{}, false
	}
	return *r.latest, true
}

// FileStore writes status.json atomically.
type FileStore struct {
	path string
}

// NewFileStore targets path, creating its directory on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the status file location.
func (f *FileStore) Path() string {
	return f.path
}

// Write replaces the status file with st.
func (f *FileStore) Write(st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("status: encode: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("status: ensure dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".status-*.json")
	if err != nil {
		return fmt.Errorf("status: temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("status: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("status: close: %w", err)
	}
	if err := os.Rename(name, f.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("status: publish: %w", err)
	}
	return nil
}

// ErrNoStatus is returned by Load when no status has been written yet.
var ErrNoStatus = errors.New("status: no status file")

// Load reads a status file.
func Load(path string) (Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Status{}, ErrNoStatus
		}
		return Status{}, fmt.Errorf("status: read %s: %w", path, err)
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, fmt.Errorf("status: parse %s: %w", path, err)
	}
	return st, nil
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
