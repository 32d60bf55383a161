package orchestrate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"codescan/internal/llm"
	"codescan/internal/matrix"
)

// enrichUnit is one symbol selected for pass-2 annotation, carried with its
// owning file for prompt context.
type enrichUnit struct {
	sym  matrix.SymbolNode
	file matrix.FileNode
}

// selectUnits picks the bounded subset of symbols to enrich. Exported
// symbols come first, then larger files win, ties broken by path and name
// so selection is deterministic across runs.
func selectUnits(snap *matrix.Snapshot, max int) []enrichUnit {
	units := make([]enrichUnit, 0, len(snap.Symbols))
	for _, sym := range snap.Symbols {
		file, ok := snap.FileByID(sym.FileID)
		if !ok {
			continue
		}
		units = append(units, enrichUnit{sym: sym, file: file})
	}
	sort.Slice(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if a.sym.Exported != b.sym.Exported {
			return a.sym.Exported
		}
		if a.file.Tokens != b.file.Tokens {
			return a.file.Tokens > b.file.Tokens
		}
		if a.file.Path != b.file.Path {
			return a.file.Path < b.file.Path
		}
		return a.sym.Name < b.sym.Name
	})
	if max > 0 && len(units) > max {
		units = units[:max]
	}
	return units
}

// enrich runs pass 2: a bounded, rate-limited fan-out of generation calls
// over the pass-1 snapshot, writing summaries back as annotations. Failures
// here never fail the run; the structural matrix is already complete.
func (o *Orchestrator) enrich(ctx context.Context, snap *matrix.Snapshot) (enriched, failed int) {
	units := selectUnits(snap, o.cfg.Enrich.MaxUnits)
	if len(units) == 0 {
		return 0, 0
	}

	perSecond := o.cfg.Enrich.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	workers := o.cfg.Enrich.Concurrency
	if workers <= 0 {
		workers = 1
	}

	limiter := rate.NewLimiter(rate.Limit(perSecond), 1)
	params := llm.GenerationParams{Model: o.cfg.Enrich.Model}
	if o.cfg.Enrich.Temperature > 0 {
		t := o.cfg.Enrich.Temperature
		params.Temperature = &t
	}
	if o.cfg.Enrich.MaxTokens > 0 {
		n := o.cfg.Enrich.MaxTokens
		params.MaxTokens = &n
	}

	var okCount, failCount atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, unit := range units {
		unit := unit
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				failCount.Add(1)
				return nil
			}
			if err := o.enrichOne(gctx, snap, unit, params); err != nil {
				o.logger.Warn("enrichment failed for symbol",
					"path", unit.file.Path, "symbol", unit.sym.Name, "error", err)
				failCount.Add(1)
				return nil
			}
			okCount.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return int(okCount.Load()), int(failCount.Load())
}

func (o *Orchestrator) enrichOne(ctx context.Context, snap *matrix.Snapshot, unit enrichUnit, params llm.GenerationParams) error {
	timeout := o.cfg.Enrich.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := o.gen.Generate(cctx, buildPrompt(snap, unit), params)
	if err != nil {
		return err
	}

	summary, issues := parseEnrichment(text)
	if summary == "" {
		return fmt.Errorf("empty summary for %s", unit.sym.Name)
	}
	return o.mtx.Annotate(unit.sym.ID, matrix.Annotation{
		Summary: &summary,
		Issues:  issues,
	})
}

// buildPrompt renders one symbol's structural context for the model. The
// snapshot is the only source of truth here, so pass 2 never re-reads files.
func buildPrompt(snap *matrix.Snapshot, unit enrichUnit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s %s\n", unit.sym.Kind, unit.sym.Name)
	if unit.sym.Signature != "" {
		fmt.Fprintf(&b, "Signature: %s\n", unit.sym.Signature)
	}
	fmt.Fprintf(&b, "Defined in: %s (lines %d-%d, language %s)\n",
		unit.file.Path, unit.sym.LineStart, unit.sym.LineEnd, unit.file.Language)
	if unit.sym.Complexity > 0 {
		fmt.Fprintf(&b, "Cyclomatic complexity: %d\n", unit.sym.Complexity)
	}

	var calls []string
	for _, e := range snap.EdgesFrom(unit.sym.ID) {
		if e.Kind != matrix.EdgeCalls {
			continue
		}
		name := e.TargetName
		if name == "" {
			if callee, ok := snap.SymbolByID(e.Target); ok {
				name = callee.Name
			}
		}
		if name != "" {
			calls = append(calls, name)
		}
	}
	if len(calls) > 0 {
		fmt.Fprintf(&b, "Calls: %s\n", strings.Join(calls, ", "))
	}

	if deps := snap.Dependents(unit.sym.FileID); len(deps) > 0 {
		paths := make([]string, 0, len(deps))
		for _, d := range deps {
			paths = append(paths, d.Path)
		}
		fmt.Fprintf(&b, "Files depending on this one: %s\n", strings.Join(paths, ", "))
	}

	b.WriteString("\nSummarize this symbol's purpose in one or two sentences. " +
		"If the structure suggests a concern, add lines starting with \"ISSUE: \".")
	return b.String()
}

// parseEnrichment splits a model reply into the summary and any ISSUE lines.
func parseEnrichment(text string) (summary string, issues []string) {
	var summaryLines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "ISSUE:"); ok {
			if rest = strings.TrimSpace(rest); rest != "" {
				issues = append(issues, rest)
			}
			continue
		}
		summaryLines = append(summaryLines, line)
	}
	return strings.Join(summaryLines, " "), issues
}
