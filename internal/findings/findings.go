// Package findings defines the canonical representation of a security
// observation produced by any scanner backend, along with the severity
// ordering and deduplication rules shared by the adapters and the
// report aggregator.
package findings

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Severity is the canonical severity scale. Values are uppercase to
// match the native scales of the supported scanner backends.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
	SeverityUnknown  Severity = "UNKNOWN"
)

// severityRank assigns every severity a position in the total order.
// UNKNOWN deliberately sorts below INFO so that unmapped scanner
// severities can never trip the policy gate on their own.
var severityRank = map[Severity]int{
	SeverityCritical: 5,
	SeverityHigh:     4,
	SeverityMedium:   3,
	SeverityLow:      2,
	SeverityInfo:     1,
	SeverityUnknown:  0,
}

// Rank returns the severity's position in the total order. Higher is
// more severe. Unrecognized values rank as UNKNOWN.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return severityRank[SeverityUnknown]
}

// AtLeast reports whether s is at or above the given threshold in the
// total order.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// ParseSeverity normalizes an arbitrary scanner-native severity string
// to the canonical scale. It is total: every input maps to something,
// and anything unrecognized maps to UNKNOWN rather than failing.
func ParseSeverity(raw string) Severity {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH", "ERROR":
		return SeverityHigh
	case "MEDIUM", "MODERATE", "WARNING":
		return SeverityMedium
	case "LOW":
		return SeverityLow
	case "INFO", "INFORMATIONAL", "NEGLIGIBLE", "NOTE":
		return SeverityInfo
	default:
		return SeverityUnknown
	}
}

// Severities lists the canonical scale from most to least severe.
// The aggregator uses it to emit summary counts in a stable order.
var Severities = []Severity{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityInfo,
	SeverityUnknown,
}

// Finding is one normalized security observation. It is treated as an
// immutable value once constructed; Scanner and Title must be
// non-empty.
type Finding struct {
	Scanner        string            `json:"scanner"`
	Title          string            `json:"title"`
	Severity       Severity          `json:"severity"`
	Description    string            `json:"description,omitempty"`
	FilePath       string            `json:"file_path,omitempty"`
	Line           int               `json:"line,omitempty"`
	RuleID         string            `json:"rule_id,omitempty"`
	CWE            string            `json:"cwe,omitempty"`
	CVE            string            `json:"cve,omitempty"`
	PackageName    string            `json:"package_name,omitempty"`
	PackageVersion string            `json:"package_version,omitempty"`
	FixedVersion   string            `json:"fixed_version,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// DedupeHash returns a stable digest identifying logically-equivalent
// findings across runs and across overlapping scanner outputs. Only
// the identity fields participate; free text like Description is
// intentionally excluded so cosmetic differences still collapse.
func (f Finding) DedupeHash() string {
	h := sha256.New()
	for _, part := range []string{
		f.Scanner,
		f.RuleID,
		f.FilePath,
		strconv.Itoa(f.Line),
		f.Title,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Dedupe removes duplicate findings keyed on DedupeHash. Order is
// preserved and the first occurrence wins.
func Dedupe(in []Finding) []Finding {
	if len(in) <= 1 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]Finding, 0, len(in))
	for _, f := range in {
		key := f.DedupeHash()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}
	return out
}
