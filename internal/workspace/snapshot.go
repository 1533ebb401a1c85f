package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Snapshot is an immutable capture of a workspace, keyed by agent, round
// and answer sequence.
type Snapshot struct {
	AgentID   string    `json:"agent_id"`
	Round     int       `json:"round"`
	Sequence  int       `json:"sequence"`
	Path      string    `json:"path"`
	Digest    string    `json:"digest"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

// Verify recomputes the digest and reports whether the snapshot is intact.
func (s Snapshot) Verify() error {
	digest, _, err := digestTree(s.Path)
	if err != nil {
		return err
	}
	if digest != s.Digest {
		return fmt.Errorf("workspace: snapshot %s digest %s, want %s", s.Path, digest, s.Digest)
	}
	return nil
}

// digestTree hashes a sorted manifest of "path mode sha256" lines.
func digestTree(root string) (string, []string, error) {
	type entry struct {
		rel  string
		mode fs.FileMode
		sum  string
	}
	var entries []entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, entry{rel: filepath.ToSlash(rel), mode: info.Mode().Perm(), sum: sum})
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	manifest := sha256.New()
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		fmt.Fprintf(manifest, "%s %o %s\n", e.rel, e.mode, e.sum)
		files = append(files, e.rel)
	}
	return hex.EncodeToString(manifest.Sum(nil)), files, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
