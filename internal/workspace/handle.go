package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Handle is one agent's isolated directory. All mutations go through it so
// policy is enforced at the point of violation.
type Handle struct {
	mu           sync.Mutex
	mgr          *Manager
	agentID      string
	round        int
	dir          string
	presentation bool
	readSet      map[string]struct{}
}

func newHandle(m *Manager, agentID string, round int, dir string, presentation bool) *Handle {
	return &Handle{
		mgr:          m,
		agentID:      agentID,
		round:        round,
		dir:          dir,
		presentation: presentation,
		readSet:      map[string]struct{}{},
	}
}

// AgentID returns the owner of the workspace.
func (h *Handle) AgentID() string { return h.agentID }

// Round returns the round the workspace belongs to.
func (h *Handle) Round() int { return h.round }

// Dir returns the absolute directory of the workspace.
func (h *Handle) Dir() string { return h.dir }

// Presentation reports whether this is the winner's final workspace.
func (h *Handle) Presentation() bool { return h.presentation }

func (h *Handle) resolve(rel string) (string, string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if !filepath.IsLocal(clean) {
		return "", "", fmt.Errorf("%w: %s", ErrEscape, rel)
	}
	return filepath.Join(h.dir, clean), filepath.ToSlash(clean), nil
}

// ReadFile returns a file's content and records it in the read-set.
func (h *Handle) ReadFile(rel string) ([]byte, error) {
	abs, key, err := h.resolve(rel)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	h.readSet[key] = struct{}{}
	return data, nil
}

// WriteFile replaces a file atomically.
func (h *Handle) WriteFile(rel string, data []byte) error {
	abs, key, err := h.resolve(rel)
	if err != nil {
		return err
	}
	if err := h.checkMutation(key); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("workspace: ensure dir: %w", err)
	}
	return writeAtomic(abs, data, 0o644)
}

// DeleteFile removes a file the agent has read.
func (h *Handle) DeleteFile(rel string) error {
	abs, key, err := h.resolve(rel)
	if err != nil {
		return err
	}
	if err := h.checkMutation(key); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.readSet[key]; !ok {
		return fmt.Errorf("%w: %s", ErrDeleteUnread, rel)
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("workspace: %s is a directory", rel)
	}
	if err := os.Remove(abs); err != nil {
		return err
	}
	delete(h.readSet, key)
	return nil
}

// Files lists regular files relative to the workspace, slash separated.
func (h *Handle) Files() ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var files []string
	err := filepath.WalkDir(h.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(h.dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (h *Handle) checkMutation(key string) error {
	if h.mgr.gate != nil {
		if err := h.mgr.gate(h.agentID); err != nil {
			return err
		}
	}
	name, ok := contextName(key)
	if !ok {
		return nil
	}
	if h.presentation && h.mgr.permission(name) == PermissionWrite {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrReadOnly, key)
}

// contextName reports the context path a workspace-relative key falls under.
func contextName(key string) (string, bool) {
	if key == ContextDir {
		return "", true
	}
	rest, ok := strings.CutPrefix(key, ContextDir+"/")
	if !ok {
		return "", false
	}
	name, _, _ := strings.Cut(rest, "/")
	return name, true
}
