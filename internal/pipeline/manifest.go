package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// ManifestFileName is the manifest artifact written into the run
// directory.
const ManifestFileName = "run.json"

// ManifestSchemaVersion identifies the run manifest schema.
const ManifestSchemaVersion = "1"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RunStatus is the overall outcome recorded in the manifest. It
// reflects execution health; the policy verdict is a separate
// artifact.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// ScannerSummary is the per-scanner line item in the manifest.
type ScannerSummary struct {
	Name          string `json:"name"`
	ScanType      string `json:"scan_type"`
	Success       bool   `json:"success"`
	FindingsCount int    `json:"findings_count"`
	DurationMs    int64  `json:"duration_ms"`
	Error         string `json:"error,omitempty"`
}

// RunManifest describes one pipeline run end to end. It is append-only
// while the run executes and written to disk exactly once, at the end.
type RunManifest struct {
	Version    string           `json:"version"`
	RunID      string           `json:"run_id"`
	RepoPath   string           `json:"repo_path"`
	RunDir     string           `json:"run_dir"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Status     RunStatus        `json:"status"`
	Steps      []StepResult     `json:"steps"`
	Scanners   []ScannerSummary `json:"scanners,omitempty"`
}

// Write serializes the manifest into the run directory. Errors carry
// the file name only, never full host paths.
func (m *RunManifest) Write() error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize run manifest: %w", err)
	}
	path := filepath.Join(m.RunDir, ManifestFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", ManifestFileName, err)
	}
	return nil
}
