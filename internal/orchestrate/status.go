package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"codescan/internal/worker"
)

// FailureKind classifies a per-file failure. All are non-fatal to the run.
type FailureKind string

const (
	FailTimeout       FailureKind = "timeout"
	FailCrashed       FailureKind = "worker_crashed"
	FailUnavailable   FailureKind = "worker_unavailable"
	FailProtocol      FailureKind = "protocol_error"
	FailAnalyzerError FailureKind = "analyzer_error"
	FailDiscovery     FailureKind = "discovery_error"
	FailCancelled     FailureKind = "cancelled"
)

// classifyFailure maps a worker call error to its failure kind.
func classifyFailure(err error) FailureKind {
	switch {
	case errors.Is(err, worker.ErrTimeout):
		return FailTimeout
	case errors.Is(err, worker.ErrWorkerCrashed):
		return FailCrashed
	case errors.Is(err, worker.ErrWorkerUnavailable):
		return FailUnavailable
	case errors.Is(err, worker.ErrProtocol):
		return FailProtocol
	case errors.Is(err, worker.ErrAnalyzer):
		return FailAnalyzerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailCancelled
	default:
		return FailAnalyzerError
	}
}

// Outcome is one file's terminal status string: analyzed, skipped, or
// failed:<kind>.
type Outcome string

const (
	OutcomeAnalyzed Outcome = "analyzed"
	OutcomeSkipped  Outcome = "skipped"
)

// FailedOutcome builds the failed:<kind> status.
func FailedOutcome(kind FailureKind) Outcome {
	return Outcome("failed:" + string(kind))
}

// statusTable records exactly one terminal status per discovered file.
// A second write for the same path is a programming error and is rejected.
type statusTable struct {
	mu       sync.Mutex
	statuses map[string]Outcome
}

func newStatusTable() *statusTable {
	return &statusTable{statuses: make(map[string]Outcome)}
}

func (t *statusTable) set(path string, outcome Outcome) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.statuses[path]; ok {
		return fmt.Errorf("file %s already has status %s, refusing %s", path, prev, outcome)
	}
	t.statuses[path] = outcome
	return nil
}

func (t *statusTable) snapshot() map[string]Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Outcome, len(t.statuses))
	for k, v := range t.statuses {
		out[k] = v
	}
	return out
}

// FileStatusEntry pairs a file with its terminal status, for the report
// consumer interface.
type FileStatusEntry struct {
	Path   string  `json:"path"`
	Status Outcome `json:"status"`
}

func (t *statusTable) entries() []FileStatusEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FileStatusEntry, 0, len(t.statuses))
	for path, status := range t.statuses {
		out = append(out, FileStatusEntry{Path: path, Status: status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
