package matrix

import (
	"path/filepath"
	"sort"
	"strings"
)

// ProjectInfo is derived, annotation-level analysis of a completed snapshot:
// language mix, likely entrypoints, and coupling hot spots. Computed on
// demand, never stored back into the graph.
type ProjectInfo struct {
	MainLanguage   string           `json:"main_language"`
	LanguageCounts map[string]int   `json:"language_counts"`
	Entrypoints    []Entrypoint     `json:"entrypoints"`
	HighlyCoupled  []CouplingReport `json:"highly_coupled"`
	TotalTokens    int64            `json:"total_tokens"`
}

// Entrypoint is a file that likely starts the analyzed program.
type Entrypoint struct {
	Path       string  `json:"path"`
	Kind       string  `json:"kind"` // main, lib, script, web
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// CouplingReport ranks a file by how many others depend on it.
type CouplingReport struct {
	Path      string `json:"path"`
	InDegree  int    `json:"in_degree"`
	OutDegree int    `json:"out_degree"`
}

// entrypointPatterns maps well-known filenames to entrypoint classifications.
var entrypointPatterns = map[string]Entrypoint{
	"main.go":     {Kind: "main", Confidence: 0.9, Reason: "Go main file"},
	"src/main.rs": {Kind: "main", Confidence: 1.0, Reason: "standard Rust binary entrypoint"},
	"src/lib.rs":  {Kind: "lib", Confidence: 1.0, Reason: "standard Rust library entrypoint"},
	"__main__.py": {Kind: "main", Confidence: 1.0, Reason: "Python __main__ module"},
	"main.py":     {Kind: "script", Confidence: 0.7, Reason: "conventional Python entry script"},
	"app.py":      {Kind: "web", Confidence: 0.6, Reason: "conventional web app module"},
	"server.py":   {Kind: "web", Confidence: 0.6, Reason: "conventional server module"},
	"index.js":    {Kind: "main", Confidence: 0.7, Reason: "conventional Node entrypoint"},
	"app.js":      {Kind: "web", Confidence: 0.6, Reason: "conventional web app module"},
}

// ProjectInfo analyzes the snapshot's structure.
func (s *Snapshot) ProjectInfo(topCoupled int) ProjectInfo {
	info := ProjectInfo{
		LanguageCounts: make(map[string]int),
		TotalTokens:    s.TotalTokens(),
	}

	for _, f := range s.Files {
		if f.Language != "" {
			info.LanguageCounts[f.Language]++
		}
		if ep := matchEntrypoint(f.Path); ep != nil {
			ep.Path = f.Path
			info.Entrypoints = append(info.Entrypoints, *ep)
		}
	}

	best := 0
	for lang, n := range info.LanguageCounts {
		if n > best || (n == best && lang < info.MainLanguage) {
			best = n
			info.MainLanguage = lang
		}
	}

	sort.Slice(info.Entrypoints, func(i, j int) bool {
		if info.Entrypoints[i].Confidence != info.Entrypoints[j].Confidence {
			return info.Entrypoints[i].Confidence > info.Entrypoints[j].Confidence
		}
		return info.Entrypoints[i].Path < info.Entrypoints[j].Path
	})

	info.HighlyCoupled = s.coupling(topCoupled)
	return info
}

func matchEntrypoint(path string) *Entrypoint {
	norm := filepath.ToSlash(path)
	if ep, ok := entrypointPatterns[norm]; ok {
		return &ep
	}
	base := filepath.Base(norm)
	if ep, ok := entrypointPatterns[base]; ok {
		// Deep main.go files are usually cmd/<name>/main.go; still an
		// entrypoint, slightly less certain.
		if strings.Contains(norm, "/") {
			ep.Confidence -= 0.1
		}
		return &ep
	}
	return nil
}

// coupling ranks files by resolved in-degree.
func (s *Snapshot) coupling(top int) []CouplingReport {
	if top <= 0 {
		return nil
	}
	in := make(map[NodeID]int)
	out := make(map[NodeID]int)
	for _, e := range s.Edges {
		out[e.Source]++
		if e.Resolved {
			in[e.Target]++
		}
	}

	reports := make([]CouplingReport, 0, len(s.Files))
	for _, f := range s.Files {
		reports = append(reports, CouplingReport{
			Path:      f.Path,
			InDegree:  in[f.ID],
			OutDegree: out[f.ID],
		})
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].InDegree != reports[j].InDegree {
			return reports[i].InDegree > reports[j].InDegree
		}
		return reports[i].Path < reports[j].Path
	})
	if len(reports) > top {
		reports = reports[:top]
	}
	return reports
}
