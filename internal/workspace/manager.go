// Package workspace gives every agent an isolated directory per round,
// captures immutable snapshots when answers are produced and promotes the
// winner's snapshot to the output location.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrPolicy is the base of every workspace policy violation. Policy errors
// are surfaced to the offending agent and are recoverable.
var ErrPolicy = errors.New("workspace: policy violation")

var (
	ErrDeleteUnread = fmt.Errorf("%w: file must be read before it is deleted", ErrPolicy)
	ErrReadOnly     = fmt.Errorf("%w: context path is read-only during coordination", ErrPolicy)
	ErrPlanningMode = fmt.Errorf("%w: side effects are disabled in planning mode", ErrPolicy)
	ErrEscape       = fmt.Errorf("%w: path escapes the workspace", ErrPolicy)
)

// ErrSnapshotExists is returned when a snapshot key is reused.
var ErrSnapshotExists = errors.New("workspace: snapshot already exists")

// ContextDir is the directory inside every workspace holding shared context copies.
const ContextDir = "context"

// Permission applies to a shared context path once a winner is known.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// ContextPath is a shared input copied into every workspace.
type ContextPath struct {
	Name       string
	Source     string
	Permission Permission
}

// Option customizes a Manager.
type Option func(*Manager)

// WithContextPaths registers shared context inputs.
func WithContextPaths(paths ...ContextPath) Option {
	return func(m *Manager) {
		m.contexts = append(m.contexts, paths...)
	}
}

// WithMutationGate installs a check run before every write or delete. It
// returns a non-nil error to veto the mutation.
func WithMutationGate(gate func(agentID string) error) Option {
	return func(m *Manager) {
		m.gate = gate
	}
}

// WithClock overrides the clock used for snapshot timestamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

type handleKey struct {
	agent string
	round int
}

// Manager allocates workspaces below a root directory.
type Manager struct {
	mu       sync.Mutex
	root     string
	output   string
	contexts []ContextPath
	gate     func(agentID string) error
	now      func() time.Time
	handles  map[handleKey]*Handle
	final    map[string]*Handle
}

// NewManager validates context paths and prepares the root directory.
func NewManager(root, output string, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace: root is required")
	}
	m := &Manager{
		root:    filepath.Clean(root),
		output:  filepath.Clean(output),
		now:     time.Now,
		handles: map[handleKey]*Handle{},
		final:   map[string]*Handle{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	seen := map[string]bool{}
	for i, cp := range m.contexts {
		if cp.Name == "" {
			cp.Name = filepath.Base(cp.Source)
		}
		if !validName(cp.Name) {
			return nil, fmt.Errorf("workspace: invalid context name %q", cp.Name)
		}
		if seen[cp.Name] {
			return nil, fmt.Errorf("workspace: duplicate context name %q", cp.Name)
		}
		seen[cp.Name] = true
		if cp.Permission == "" {
			cp.Permission = PermissionRead
		}
		if _, err := os.Stat(cp.Source); err != nil {
			return nil, fmt.Errorf("workspace: context %s: %w", cp.Name, err)
		}
		m.contexts[i] = cp
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: ensure root: %w", err)
	}
	return m, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string { return m.root }

// Output returns the promotion target directory.
func (m *Manager) Output() string { return m.output }

// Acquire returns the workspace of an agent for a round, creating it on
// first use. Directories never alias across agents or rounds.
func (m *Manager) Acquire(agentID string, round int) (*Handle, error) {
	if !validName(agentID) {
		return nil, fmt.Errorf("workspace: invalid agent id %q", agentID)
	}
	if round < 1 {
		return nil, fmt.Errorf("workspace: invalid round %d", round)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := handleKey{agent: agentID, round: round}
	if h, ok := m.handles[key]; ok {
		return h, nil
	}
	dir := filepath.Join(m.root, "agents", agentID, fmt.Sprintf("round-%d", round))
	if err := m.prepare(dir); err != nil {
		return nil, err
	}
	h := newHandle(m, agentID, round, dir, false)
	m.handles[key] = h
	return h, nil
}

func (m *Manager) prepare(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("workspace: create %s: %w", dir, err)
	}
	for _, cp := range m.contexts {
		dst := filepath.Join(dir, ContextDir, cp.Name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := copyTree(cp.Source, dst, readOnly); err != nil {
			return fmt.Errorf("workspace: copy context %s: %w", cp.Name, err)
		}
	}
	return nil
}

// Snapshot captures the handle's directory for answer number seq. The copy
// is staged and renamed into place so a snapshot is either complete or absent.
func (m *Manager) Snapshot(h *Handle, seq int) (Snapshot, error) {
	if h == nil {
		return Snapshot{}, errors.New("workspace: nil handle")
	}
	dst := filepath.Join(m.root, "snapshots", h.agentID, fmt.Sprintf("round-%d", h.round), fmt.Sprintf("answer-%d", seq))
	return m.capture(h, dst, seq)
}

// SnapshotFinal captures the presentation workspace.
func (m *Manager) SnapshotFinal(h *Handle) (Snapshot, error) {
	if h == nil {
		return Snapshot{}, errors.New("workspace: nil handle")
	}
	dst := filepath.Join(m.root, "snapshots", h.agentID, "final")
	return m.capture(h, dst, 0)
}

func (m *Manager) capture(h *Handle, dst string, seq int) (Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := os.Stat(dst); err == nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotExists, dst)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, fmt.Errorf("workspace: stat %s: %w", dst, err)
	}
	parent := filepath.Dir(dst)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("workspace: ensure %s: %w", parent, err)
	}
	tmp, err := os.MkdirTemp(parent, ".staging-*")
	if err != nil {
		return Snapshot{}, fmt.Errorf("workspace: stage snapshot: %w", err)
	}
	if err := copyTree(h.dir, tmp, preserveMode); err != nil {
		os.RemoveAll(tmp)
		return Snapshot{}, fmt.Errorf("workspace: copy snapshot: %w", err)
	}
	digest, files, err := digestTree(tmp)
	if err != nil {
		os.RemoveAll(tmp)
		return Snapshot{}, fmt.Errorf("workspace: digest snapshot: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.RemoveAll(tmp)
		if errors.Is(err, fs.ErrExist) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotExists, dst)
		}
		return Snapshot{}, fmt.Errorf("workspace: publish snapshot: %w", err)
	}
	return Snapshot{
		AgentID:   h.agentID,
		Round:     h.round,
		Sequence:  seq,
		Path:      dst,
		Digest:    digest,
		Files:     files,
		CreatedAt: m.now().UTC(),
	}, nil
}

// Restore creates the agent's presentation workspace seeded from a snapshot.
// Context paths with write permission are writable through this handle.
func (m *Manager) Restore(agentID string, snap Snapshot) (*Handle, error) {
	if !validName(agentID) {
		return nil, fmt.Errorf("workspace: invalid agent id %q", agentID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.final[agentID]; ok {
		return h, nil
	}
	dir := filepath.Join(m.root, "agents", agentID, "final")
	if snap.Path != "" {
		if snap.AgentID != agentID {
			return nil, fmt.Errorf("workspace: snapshot belongs to %s, not %s", snap.AgentID, agentID)
		}
		if err := copyTree(snap.Path, dir, preserveMode); err != nil {
			return nil, fmt.Errorf("workspace: restore %s: %w", agentID, err)
		}
	}
	if err := m.prepare(dir); err != nil {
		return nil, err
	}
	h := newHandle(m, agentID, snap.Round, dir, true)
	m.final[agentID] = h
	return h, nil
}

// Promote copies the winner's snapshot, and nothing else, into the output
// directory. Context paths configured for write become writable in the
// output and are synced back to their sources; read contexts stay read-only.
func (m *Manager) Promote(winnerID string, snap Snapshot) (string, error) {
	if snap.AgentID != winnerID {
		return "", fmt.Errorf("workspace: snapshot belongs to %s, not winner %s", snap.AgentID, winnerID)
	}
	if snap.Path == "" {
		return "", fmt.Errorf("workspace: winner %s has no snapshot", winnerID)
	}
	if m.output == "" || m.output == "." {
		return "", errors.New("workspace: output directory is not configured")
	}
	if err := os.MkdirAll(m.output, 0o755); err != nil {
		return "", fmt.Errorf("workspace: ensure output: %w", err)
	}
	entries, err := os.ReadDir(snap.Path)
	if err != nil {
		return "", fmt.Errorf("workspace: read snapshot: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == ContextDir {
			continue
		}
		if err := copyTree(filepath.Join(snap.Path, entry.Name()), filepath.Join(m.output, entry.Name()), writable); err != nil {
			return "", fmt.Errorf("workspace: promote %s: %w", entry.Name(), err)
		}
	}
	for _, cp := range m.contexts {
		src := filepath.Join(snap.Path, ContextDir, cp.Name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		mode := readOnly
		if cp.Permission == PermissionWrite {
			mode = writable
		}
		dst := filepath.Join(m.output, ContextDir, cp.Name)
		if err := os.RemoveAll(dst); err != nil {
			return "", fmt.Errorf("workspace: clear %s: %w", dst, err)
		}
		if err := copyTree(src, dst, mode); err != nil {
			return "", fmt.Errorf("workspace: promote context %s: %w", cp.Name, err)
		}
		if cp.Permission == PermissionWrite {
			if err := copyTree(src, cp.Source, writable); err != nil {
				return "", fmt.Errorf("workspace: sync context %s: %w", cp.Name, err)
			}
		}
	}
	return m.output, nil
}

func (m *Manager) permission(name string) Permission {
	for _, cp := range m.contexts {
		if cp.Name == name {
			return cp.Permission
		}
	}
	return PermissionRead
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && filepath.IsLocal(name)
}
