// Package orchestrate drives one scan run: discovery, routing, bounded
// parallel analysis through the worker manager, merging into the matrix,
// and the enrichment pass over the pass-1 snapshot.
package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"codescan/internal/config"
	"codescan/internal/discover"
	"codescan/internal/llm"
	"codescan/internal/matrix"
	"codescan/internal/worker"
	"codescan/util"
)

// RunState is the run's terminal state.
type RunState string

const (
	StateDone      RunState = "done"
	StateCancelled RunState = "cancelled"
	StateDegraded  RunState = "degraded" // every registered analyzer disabled
)

// Phase names the orchestrator's current stage, for logging and diagnostics.
type Phase string

const (
	PhaseDiscovering Phase = "discovering"
	PhaseScheduling  Phase = "scheduling"
	PhaseDraining    Phase = "draining"
	PhaseEnriching   Phase = "enriching"
	PhaseDone        Phase = "done"
)

// WorkerPool is the slice of the worker manager the orchestrator needs.
type WorkerPool interface {
	Submit(ctx context.Context, analyzerID string, req worker.Request) (*worker.Response, error)
	AllDisabled() bool
}

// RunReport accumulates everything that went wrong (and right) during a run.
// Failures are collected here instead of aborting; a single bad file never
// stops analysis of the rest of the tree.
type RunReport struct {
	Discovered        int                 `json:"discovered"`
	Analyzed          int                 `json:"analyzed"`
	Unchanged         int                 `json:"unchanged"` // analyzed files served from the prior scan
	Skipped           int                 `json:"skipped"`
	Failed            int                 `json:"failed"`
	FailuresByKind    map[FailureKind]int `json:"failures_by_kind"`
	DiscoveryErrors   int64               `json:"discovery_errors"`
	IntegrityWarnings int                 `json:"integrity_warnings"`
	Enriched          int                 `json:"enriched"`
	EnrichFailed      int                 `json:"enrich_failed"`
	Duration          time.Duration       `json:"duration"`
}

// RunResult is what the orchestrator hands to report consumers after the
// run reaches a terminal state. Snapshot is read-only by contract.
type RunResult struct {
	State    RunState           `json:"state"`
	Snapshot *matrix.Snapshot   `json:"-"`
	Statuses []FileStatusEntry  `json:"statuses"`
	Report   RunReport          `json:"report"`
	Info     matrix.ProjectInfo `json:"project_info"`
}

// Orchestrator coordinates one batch scan. Construct with New, call Run
// once.
type Orchestrator struct {
	cfg     *config.Config
	router  *Router
	workers WorkerPool
	gen     llm.Client // nil when enrichment is disabled
	mtx     *matrix.Matrix
	logger  *slog.Logger

	// priorHashes maps path to content hash from the previous scan. Files
	// whose hash is unchanged skip the worker round-trip.
	priorHashes map[string]string
	unchanged   atomic.Int64

	mu    sync.Mutex
	phase Phase
}

// SetPriorHashes enables incremental mode. The matrix must already hold the
// prior scan's nodes for the listed files, or unchanged files would lose
// their symbols.
func (o *Orchestrator) SetPriorHashes(hashes map[string]string) {
	o.priorHashes = hashes
}

// New wires an orchestrator. gen may be nil to skip the enrichment pass.
func New(cfg *config.Config, workers WorkerPool, gen llm.Client, mtx *matrix.Matrix, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		router:  NewRouter(cfg.Analyzers, logger),
		workers: workers,
		gen:     gen,
		mtx:     mtx,
		logger:  logger.With("component", "orchestrator"),
		phase:   PhaseDiscovering,
	}
}

// CurrentPhase reports the run's current stage.
func (o *Orchestrator) CurrentPhase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	o.logger.Info("run phase", "phase", p)
}

// Run executes one full pass over root. Cancellation via ctx stops new
// scheduling; in-flight calls finish or time out naturally, and the result
// carries whatever partial matrix was merged.
func (o *Orchestrator) Run(ctx context.Context, root string) (*RunResult, error) {
	start := time.Now()

	walker, err := discover.New(root, o.cfg.Scanning, o.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start discovery: %w", err)
	}

	statuses := newStatusTable()
	sem := semaphore.NewWeighted(int64(o.cfg.Concurrency.MaxInFlight))
	var wg sync.WaitGroup
	var discovered int

	o.setPhase(PhaseScheduling)

	for entry := range walker.Entries(ctx) {
		discovered++

		analyzer, ok := o.router.Route(entry.Path)
		if !ok {
			// Routing gap: no analyzer claims this file type.
			o.logger.Debug("no analyzer for file, skipped", "path", entry.Path)
			o.recordStatus(statuses, entry.Path, OutcomeSkipped)
			continue
		}

		if ctx.Err() != nil {
			o.recordStatus(statuses, entry.Path, FailedOutcome(FailCancelled))
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled while waiting for a slot: no new work is scheduled.
			o.recordStatus(statuses, entry.Path, FailedOutcome(FailCancelled))
			continue
		}

		wg.Add(1)
		go func(entry discover.Entry, analyzer string) {
			defer wg.Done()
			defer sem.Release(1)
			o.recordStatus(statuses, entry.Path, o.analyzeOne(ctx, entry, analyzer))
		}(entry, analyzer)
	}

	o.setPhase(PhaseDraining)
	wg.Wait()

	snap := o.mtx.Snapshot()
	report := RunReport{
		Discovered:      discovered,
		FailuresByKind:  make(map[FailureKind]int),
		DiscoveryErrors: walker.ErrorCount(),
	}
	for _, entry := range statuses.entries() {
		switch {
		case entry.Status == OutcomeAnalyzed:
			report.Analyzed++
		case entry.Status == OutcomeSkipped:
			report.Skipped++
		default:
			report.Failed++
			report.FailuresByKind[failureKindOf(entry.Status)]++
		}
	}
	report.Unchanged = int(o.unchanged.Load())
	report.IntegrityWarnings = snap.IntegrityWarnings

	if o.gen != nil && o.cfg.Enrich.Enabled && ctx.Err() == nil {
		o.setPhase(PhaseEnriching)
		enriched, failed := o.enrich(ctx, snap)
		report.Enriched = enriched
		report.EnrichFailed = failed
		// Re-snapshot so annotations are visible to consumers. Pass 2 only
		// annotates; the structural counts above are unaffected.
		snap = o.mtx.Snapshot()
	}

	o.setPhase(PhaseDone)
	report.Duration = time.Since(start)

	state := StateDone
	switch {
	case ctx.Err() != nil:
		state = StateCancelled
	case o.workers.AllDisabled():
		state = StateDegraded
		o.logger.Error("every registered analyzer is disabled, run degraded",
			"analyzers", o.router.Analyzers())
	}

	o.logger.Info("run finished",
		"state", state,
		"discovered", report.Discovered,
		"analyzed", report.Analyzed,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"duration", report.Duration)

	return &RunResult{
		State:    state,
		Snapshot: snap,
		Statuses: statuses.entries(),
		Report:   report,
		Info:     snap.ProjectInfo(10),
	}, nil
}

// analyzeOne reads a file, submits it to its analyzer, and merges the
// response. Returns the file's terminal status.
func (o *Orchestrator) analyzeOne(ctx context.Context, entry discover.Entry, analyzer string) Outcome {
	content, err := os.ReadFile(entry.AbsPath)
	if err != nil {
		o.logger.Warn("could not read file content", "path", entry.Path, "error", err)
		return FailedOutcome(FailDiscovery)
	}

	hash := util.HashBytes(content)
	if prior, ok := o.priorHashes[entry.Path]; ok && prior == hash {
		o.unchanged.Add(1)
		o.logger.Debug("file unchanged since last scan", "path", entry.Path)
		return OutcomeAnalyzed
	}

	fileID, err := o.mtx.UpsertFile(matrix.FileNode{
		Path:      entry.Path,
		Hash:      hash,
		SizeBytes: entry.Size,
		Language:  analyzer,
		Tokens:    util.EstimateTokens(string(content)),
		ScannedAt: time.Now(),
	})
	if err != nil {
		o.logger.Warn("could not merge file node", "path", entry.Path, "error", err)
		return FailedOutcome(FailDiscovery)
	}

	resp, err := o.workers.Submit(ctx, analyzer, worker.Request{
		FilePath: entry.Path,
		Language: analyzer,
		Content:  string(content),
	})
	if err != nil {
		kind := classifyFailure(err)
		o.logger.Warn("analysis failed", "path", entry.Path, "analyzer", analyzer, "kind", kind)
		o.failFile(fileID)
		return FailedOutcome(kind)
	}

	o.merge(fileID, entry.Path, resp)
	status := matrix.StatusAnalyzed
	if err := o.mtx.Annotate(fileID, matrix.Annotation{Status: &status}); err != nil {
		o.logger.Warn("could not mark file analyzed", "path", entry.Path, "error", err)
	}
	return OutcomeAnalyzed
}

func (o *Orchestrator) failFile(fileID matrix.NodeID) {
	status := matrix.StatusFailed
	if err := o.mtx.Annotate(fileID, matrix.Annotation{Status: &status}); err != nil {
		o.logger.Debug("could not mark file failed", "id", fileID, "error", err)
	}
}

// merge applies one worker response to the matrix: symbols first, then the
// edges derived from them, so every edge's source already exists.
func (o *Orchestrator) merge(fileID matrix.NodeID, path string, resp *worker.Response) {
	for _, el := range resp.Elements {
		symID, err := o.mtx.UpsertSymbol(matrix.SymbolNode{
			FileID:     fileID,
			Kind:       el.Kind,
			Name:       el.Name,
			Signature:  el.Signature,
			LineStart:  el.LineStart,
			LineEnd:    el.LineEnd,
			Complexity: el.Complexity,
			Exported:   el.Exported,
		})
		if err != nil {
			o.logger.Warn("symbol dropped during merge", "path", path, "name", el.Name, "error", err)
			continue
		}
		if _, err := o.mtx.AddEdge(matrix.Edge{
			Source: fileID,
			Target: symID,
			Kind:   matrix.EdgeDefines,
		}); err != nil {
			o.logger.Warn("defines edge dropped", "path", path, "symbol", el.Name, "error", err)
		}
		for _, callee := range el.Calls {
			if _, err := o.mtx.AddEdge(matrix.Edge{
				Source:     symID,
				TargetName: callee,
				Kind:       matrix.EdgeCalls,
			}); err != nil {
				o.logger.Warn("calls edge dropped", "path", path, "callee", callee, "error", err)
			}
		}
	}

	for _, rel := range resp.Relationships {
		kind := matrix.EdgeKind(rel.Kind)
		if !matrix.ValidEdgeKind(kind) || kind == matrix.EdgeDefines {
			o.logger.Warn("relationship with unknown kind dropped",
				"path", path, "kind", rel.Kind, "target", rel.ToFile)
			continue
		}
		if _, err := o.mtx.AddEdge(matrix.Edge{
			Source:     fileID,
			TargetName: rel.ToFile,
			Kind:       kind,
			Line:       rel.Line,
		}); err != nil {
			o.logger.Warn("relationship edge dropped", "path", path, "target", rel.ToFile, "error", err)
		}
	}

	for _, dep := range resp.ExternalDependencies {
		if _, err := o.mtx.AddExternal(fileID, matrix.ExternalNode{
			Name:      dep.Name,
			Version:   dep.Version,
			Ecosystem: dep.Ecosystem,
		}); err != nil {
			o.logger.Warn("external dependency dropped", "path", path, "name", dep.Name, "error", err)
		}
	}
}

func (o *Orchestrator) recordStatus(t *statusTable, path string, outcome Outcome) {
	if err := t.set(path, outcome); err != nil {
		o.logger.Error("duplicate terminal status", "path", path, "error", err)
	}
}

// failureKindOf extracts the kind from a failed:<kind> outcome.
func failureKindOf(o Outcome) FailureKind {
	const prefix = "failed:"
	s := string(o)
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return FailureKind(s[len(prefix):])
	}
	return FailureKind(s)
}
