package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newManager(t *testing.T, opts ...Option) (*Manager, string) {
	t.Helper()
	base := t.TempDir()
	m, err := NewManager(filepath.Join(base, "ws"), filepath.Join(base, "out"), opts...)
	require.NoError(t, err)
	return m, base
}

func TestAcquireIsolatesAgentsAndRounds(t *testing.T) {
	m, _ := newManager(t)
	a1, err := m.Acquire("a", 1)
	require.NoError(t, err)
	b1, err := m.Acquire("b", 1)
	require.NoError(t, err)
	a2, err := m.Acquire("a", 2)
	require.NoError(t, err)
	again, err := m.Acquire("a", 1)
	require.NoError(t, err)

	assert.Same(t, a1, again)
	assert.NotEqual(t, a1.Dir(), b1.Dir())
	assert.NotEqual(t, a1.Dir(), a2.Dir())

	require.NoError(t, a1.WriteFile("notes.txt", []byte("a")))
	_, err = b1.ReadFile("notes.txt")
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = m.Acquire("../evil", 1)
	assert.Error(t, err)
	_, err = a1.ReadFile("../../b/round-1/notes.txt")
	assert.ErrorIs(t, err, ErrEscape)
}

func TestContextPathsAreReadOnlyDuringCoordination(t *testing.T) {
	base := t.TempDir()
	shared := filepath.Join(base, "shared")
	require.NoError(t, os.MkdirAll(shared, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shared, "brief.md"), []byte("shared"), 0o644))

	m, err := NewManager(filepath.Join(base, "ws"), filepath.Join(base, "out"),
		WithContextPaths(ContextPath{Name: "shared", Source: shared, Permission: PermissionWrite}))
	require.NoError(t, err)
	h, err := m.Acquire("a", 1)
	require.NoError(t, err)

	data, err := h.ReadFile("context/shared/brief.md")
	require.NoError(t, err)
	assert.Equal(t, "shared", string(data))
	info, err := os.Stat(filepath.Join(h.Dir(), "context", "shared", "brief.md"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())

	assert.ErrorIs(t, h.WriteFile("context/shared/brief.md", []byte("x")), ErrReadOnly)
	assert.ErrorIs(t, h.DeleteFile("context/shared/brief.md"), ErrReadOnly)
	assert.ErrorIs(t, h.WriteFile("context/shared/brief.md", []byte("x")), ErrPolicy)
}

func TestDeleteRequiresRead(t *testing.T) {
	m, _ := newManager(t)
	h, err := m.Acquire("a", 1)
	require.NoError(t, err)
	require.NoError(t, h.WriteFile("draft.txt", []byte("v1")))

	assert.ErrorIs(t, h.DeleteFile("draft.txt"), ErrDeleteUnread)
	_, err = h.ReadFile("draft.txt")
	require.NoError(t, err)
	require.NoError(t, h.DeleteFile("draft.txt"))
	_, err = os.Stat(filepath.Join(h.Dir(), "draft.txt"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, h.WriteFile("draft.txt", []byte("v2")))
	assert.ErrorIs(t, h.DeleteFile("draft.txt"), ErrDeleteUnread, "read-set is cleared on delete")
}

func TestDeletingUnreadFileAlwaysFails(t *testing.T) {
	m, _ := newManager(t)
	round := 0
	rapid.Check(t, func(rt *rapid.T) {
		round++
		h, err := m.Acquire("prop", round)
		if err != nil {
			rt.Fatalf("acquire: %v", err)
		}
		rel := rapid.StringMatching(`[a-z]{1,8}(/[a-z]{1,8}){0,2}`).Draw(rt, "path")
		abs := filepath.Join(h.Dir(), filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			rt.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(abs, []byte("content"), 0o644); err != nil {
			rt.Fatalf("write: %v", err)
		}
		err = h.DeleteFile(rel)
		if !errors.Is(err, ErrPolicy) {
			rt.Fatalf("delete %q: got %v, want policy error", rel, err)
		}
		if _, statErr := os.Stat(abs); statErr != nil {
			rt.Fatalf("file %q removed despite policy error", rel)
		}
	})
}

func TestSnapshotsAreImmutable(t *testing.T) {
	m, _ := newManager(t)
	h, err := m.Acquire("a", 1)
	require.NoError(t, err)
	require.NoError(t, h.WriteFile("answer.md", []byte("first")))
	snap, err := m.Snapshot(h, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"answer.md"}, snap.Files)
	assert.NotEmpty(t, snap.Digest)

	require.NoError(t, h.WriteFile("answer.md", []byte("second")))
	data, err := os.ReadFile(filepath.Join(snap.Path, "answer.md"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
	require.NoError(t, snap.Verify())

	_, err = m.Snapshot(h, 1)
	assert.ErrorIs(t, err, ErrSnapshotExists)

	next, err := m.Snapshot(h, 2)
	require.NoError(t, err)
	assert.NotEqual(t, snap.Digest, next.Digest)
}

func TestMutationGateVetoesWrites(t *testing.T) {
	allowed := map[string]bool{}
	m, _ := newManager(t, WithMutationGate(func(agentID string) error {
		if !allowed[agentID] {
			return ErrPlanningMode
		}
		return nil
	}))
	h, err := m.Acquire("a", 1)
	require.NoError(t, err)
	assert.ErrorIs(t, h.WriteFile("x.txt", []byte("x")), ErrPlanningMode)
	allowed["a"] = true
	assert.NoError(t, h.WriteFile("x.txt", []byte("x")))
}

func TestPromoteAppliesWinnerPermissions(t *testing.T) {
	base := t.TempDir()
	writeCtx := filepath.Join(base, "docs")
	readCtx := filepath.Join(base, "ref.txt")
	require.NoError(t, os.MkdirAll(writeCtx, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(writeCtx, "README.md"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(readCtx, []byte("ref"), 0o644))

	m, err := NewManager(filepath.Join(base, "ws"), filepath.Join(base, "out"), WithContextPaths(
		ContextPath{Name: "docs", Source: writeCtx, Permission: PermissionWrite},
		ContextPath{Source: readCtx},
	))
	require.NoError(t, err)
	h, err := m.Acquire("a", 1)
	require.NoError(t, err)
	require.NoError(t, h.WriteFile("result.txt", []byte("42")))
	snap, err := m.Snapshot(h, 1)
	require.NoError(t, err)

	final, err := m.Restore("a", snap)
	require.NoError(t, err)
	require.True(t, final.Presentation())
	require.NoError(t, final.WriteFile("context/docs/README.md", []byte("new")))
	assert.ErrorIs(t, final.WriteFile("context/ref.txt", []byte("no")), ErrReadOnly)
	finalSnap, err := m.SnapshotFinal(final)
	require.NoError(t, err)

	out, err := m.Promote("a", finalSnap)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(out, "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))

	info, err := os.Stat(filepath.Join(out, "context", "docs", "README.md"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	info, err = os.Stat(filepath.Join(out, "context", "ref.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())

	synced, err := os.ReadFile(filepath.Join(writeCtx, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(synced))

	_, err = m.Promote("b", finalSnap)
	assert.Error(t, err)
}

func TestPromoteCopiesOnlyTheWinner(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base, err := os.MkdirTemp(t.TempDir(), "promote-")
		if err != nil {
			rt.Fatalf("tempdir: %v", err)
		}
		m, err := NewManager(filepath.Join(base, "ws"), filepath.Join(base, "out"))
		if err != nil {
			rt.Fatalf("manager: %v", err)
		}
		n := rapid.IntRange(2, 5).Draw(rt, "agents")
		snaps := make([]Snapshot, n)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("agent%d", i)
			h, err := m.Acquire(id, 1)
			if err != nil {
				rt.Fatalf("acquire: %v", err)
			}
			if err := h.WriteFile(id+".txt", []byte(id)); err != nil {
				rt.Fatalf("write: %v", err)
			}
			if err := h.WriteFile("answer.txt", []byte(id)); err != nil {
				rt.Fatalf("write: %v", err)
			}
			if snaps[i], err = m.Snapshot(h, 1); err != nil {
				rt.Fatalf("snapshot: %v", err)
			}
		}
		winner := rapid.IntRange(0, n-1).Draw(rt, "winner")
		winnerID := fmt.Sprintf("agent%d", winner)
		out, err := m.Promote(winnerID, snaps[winner])
		if err != nil {
			rt.Fatalf("promote: %v", err)
		}
		entries, err := os.ReadDir(out)
		if err != nil {
			rt.Fatalf("read output: %v", err)
		}
		if len(entries) != 2 {
			rt.Fatalf("output has %d entries, want 2", len(entries))
		}
		for i := 0; i < n; i++ {
			_, err := os.Stat(filepath.Join(out, fmt.Sprintf("agent%d.txt", i)))
			if (i == winner) != (err == nil) {
				rt.Fatalf("agent%d file presence wrong (winner %d): %v", i, winner, err)
			}
		}
		data, _ := os.ReadFile(filepath.Join(out, "answer.txt"))
		if string(data) != winnerID {
			rt.Fatalf("answer.txt = %q, want %q", data, winnerID)
		}
	})
}
