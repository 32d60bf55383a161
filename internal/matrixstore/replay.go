package matrixstore

import (
	"fmt"

	"codescan/internal/matrix"
)

// Replay feeds a persisted snapshot back into a fresh matrix, preserving
// node ids, statuses, and annotations. Used before an incremental re-scan so
// unchanged files keep their symbols and edges without re-analysis.
func Replay(mtx *matrix.Matrix, snap *matrix.Snapshot) error {
	for _, f := range snap.Files {
		if _, err := mtx.UpsertFile(f); err != nil {
			return fmt.Errorf("failed to replay file %s: %w", f.Path, err)
		}
	}
	for _, sym := range snap.Symbols {
		if _, err := mtx.UpsertSymbol(sym); err != nil {
			return fmt.Errorf("failed to replay symbol %s: %w", sym.Name, err)
		}
	}

	extByName := make(map[string]matrix.ExternalNode, len(snap.Externals))
	for _, ext := range snap.Externals {
		extByName[ext.Name] = ext
	}

	for _, e := range snap.Edges {
		if e.Kind == matrix.EdgeDependsOn && !e.Resolved {
			if ext, ok := extByName[e.TargetName]; ok {
				if _, err := mtx.AddExternal(e.Source, ext); err != nil {
					return fmt.Errorf("failed to replay external %s: %w", ext.Name, err)
				}
				continue
			}
		}
		if _, err := mtx.AddEdge(e); err != nil {
			return fmt.Errorf("failed to replay edge from %s: %w", e.Source, err)
		}
	}
	return nil
}

// AnalyzedHashes extracts the path to content-hash table for files the
// snapshot marks analyzed. Feeding it to the orchestrator lets a re-scan
// skip worker calls for unchanged files.
func AnalyzedHashes(snap *matrix.Snapshot) map[string]string {
	hashes := make(map[string]string, len(snap.Files))
	for _, f := range snap.Files {
		if f.Status == matrix.StatusAnalyzed {
			hashes[f.Path] = f.Hash
		}
	}
	return hashes
}
