package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kingrea/concord/internal/session"
)

// Manifest is the record written next to a session's event log when it ends.
type Manifest struct {
	SessionID string        `json:"session_id"`
	ExitCode  int           `json:"exit_code"`
	Error     string        `json:"error,omitempty"`
	Duration  string        `json:"duration"`
	OutputDir string        `json:"output_dir,omitempty"`
	UpdatedAt string        `json:"updated_at"`
	State     session.State `json:"state"`
}

func (o *Orchestrator) persistManifest(result Result, runErr error) error {
	if o.settings.ManifestPath == "" {
		return nil
	}
	st := o.session.Snapshot()
	manifest := Manifest{
		SessionID: result.SessionID,
		ExitCode:  ExitCode(runErr),
		Duration:  elapsed(st.StartedAt).String(),
		OutputDir: result.OutputDir,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		State:     st,
	}
	if runErr != nil {
		manifest.Error = runErr.Error()
	}
	return writeManifest(o.settings.ManifestPath, manifest)
}

func writeManifest(path string, manifest Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadManifest loads the record of a finished session.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return manifest, nil
}
