// Package scanners defines the polymorphic adapter contract every
// scanner backend implements, plus the name->constructor registry the
// pipeline selects adapters from. Each adapter builds a sandbox
// invocation for its tool, interprets the exit status, and parses the
// tool's native output into canonical findings.
package scanners

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kekkai-sec/kekkai/internal/config"
	"github.com/kekkai-sec/kekkai/internal/findings"
	"github.com/kekkai-sec/kekkai/internal/sandbox"
)

// maxErrorLen bounds the diagnostic carried in a failed ScanResult so
// a pathological tool cannot bloat the manifest.
const maxErrorLen = 300

// ScanContext is the input to one adapter invocation. It is owned by
// the pipeline runner for the duration of that invocation and never
// shared between adapters.
type ScanContext struct {
	// RepoPath is the host path of the repository under scan.
	RepoPath string
	// OutputDir is a scanner-private directory the sandbox mounts
	// read-write for the tool's report files.
	OutputDir string
	// TargetURL is the DAST target, when one is configured. It must be
	// validated by the URL policy guard before any sandbox starts.
	TargetURL string
}

// ScanResult is the outcome of exactly one adapter invocation.
// Expected failure modes (timeouts, missing output, malformed JSON)
// are reported here with Success=false, never as a panic or a
// propagated error.
type ScanResult struct {
	Scanner       string             `json:"scanner"`
	Success       bool               `json:"success"`
	Findings      []findings.Finding `json:"findings"`
	Error         string             `json:"error,omitempty"`
	RawOutputPath string             `json:"raw_output_path,omitempty"`
	DurationMs    int64              `json:"duration_ms"`
}

// Scanner is the capability set every adapter exposes.
type Scanner interface {
	// Name identifies the backend ("gitleaks", "trivy", "zap").
	Name() string
	// ScanType categorizes what the backend looks for
	// ("secrets", "dependency", "dast").
	ScanType() string
	// Run executes the tool in its sandbox and returns exactly one
	// ScanResult. It never returns an error for expected failures.
	Run(ctx context.Context, sc *ScanContext) *ScanResult
	// Parse converts the tool's native raw output into canonical
	// findings. Exposed separately so it can be exercised directly.
	Parse(raw []byte) ([]findings.Finding, error)
}

// ContainerRunner is the slice of the sandbox executor adapters use.
// Narrowed to an interface so adapter tests can substitute a fake.
type ContainerRunner interface {
	Run(ctx context.Context, cc sandbox.ContainerConfig, repoPath, outputPath string, command []string, timeout time.Duration) (*sandbox.ContainerResult, error)
}

// TargetValidator is the slice of the URL policy guard DAST adapters
// consult before touching the network.
type TargetValidator interface {
	Validate(ctx context.Context, raw string) (string, error)
}

// Deps carries everything an adapter constructor may need.
type Deps struct {
	Runner  ContainerRunner
	Guard   TargetValidator
	Images  config.ScannersConfig
	Sandbox config.SandboxConfig
	Logger  *zap.Logger
}

// Constructor builds one adapter from shared dependencies.
type Constructor func(deps Deps) Scanner

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register adds an adapter constructor under its scanner name.
// Registration happens from init functions; duplicate names panic
// because they are programming errors, not runtime conditions.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("scanner %q registered twice", name))
	}
	registry[name] = ctor
}

// New constructs the named adapter, or an error listing what is
// available.
func New(name string, deps Deps) (Scanner, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown scanner %q (available: %v)", name, Names())
	}
	return ctor(deps), nil
}

// Names returns the registered scanner names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// failed builds a ScanResult for an expected failure mode, truncating
// the diagnostic.
func failed(scanner, msg string, durationMs int64) *ScanResult {
	return &ScanResult{
		Scanner:    scanner,
		Success:    false,
		Error:      truncateError(msg),
		DurationMs: durationMs,
	}
}

// truncateError caps a diagnostic string at maxErrorLen runes.
func truncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxErrorLen {
		return msg
	}
	return string(runes[:maxErrorLen]) + "..."
}
