package orchestrate

import (
	"log/slog"
	"path"
	"strings"

	"codescan/internal/config"
)

// Router maps discovered files to registered analyzers. Matching is
// deterministic: exact filename beats extension beats glob, and within one
// tier the first-registered analyzer wins. Ambiguous registrations are
// flagged at build time rather than silently resolved.
type Router struct {
	order     []string
	byExact   map[string]string
	byExt     map[string]string
	globRules []globRule
}

type globRule struct {
	pattern  string
	analyzer string
}

// NewRouter builds the routing table from analyzer registrations, preserving
// registration order.
func NewRouter(analyzers []config.AnalyzerConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "router")

	r := &Router{
		byExact: make(map[string]string),
		byExt:   make(map[string]string),
	}
	for _, a := range analyzers {
		r.order = append(r.order, a.Name)
		for _, name := range a.Filenames {
			if prev, ok := r.byExact[name]; ok {
				logger.Warn("ambiguous filename registration, first analyzer wins",
					"filename", name, "kept", prev, "ignored", a.Name)
				continue
			}
			r.byExact[name] = a.Name
		}
		for _, ext := range a.Extensions {
			ext = strings.ToLower(ext)
			if prev, ok := r.byExt[ext]; ok {
				logger.Warn("ambiguous extension registration, first analyzer wins",
					"extension", ext, "kept", prev, "ignored", a.Name)
				continue
			}
			r.byExt[ext] = a.Name
		}
		for _, g := range a.Globs {
			r.globRules = append(r.globRules, globRule{pattern: g, analyzer: a.Name})
		}
	}
	return r
}

// Route returns the analyzer for a relative path, or false when no
// registered analyzer claims it (a routing gap, not an error).
func (r *Router) Route(relPath string) (string, bool) {
	relPath = path.Clean(strings.ReplaceAll(relPath, "\\", "/"))
	base := path.Base(relPath)

	if analyzer, ok := r.byExact[base]; ok {
		return analyzer, true
	}
	if ext := strings.ToLower(path.Ext(relPath)); ext != "" {
		if analyzer, ok := r.byExt[ext]; ok {
			return analyzer, true
		}
	}
	for _, rule := range r.globRules {
		if ok, _ := path.Match(rule.pattern, relPath); ok {
			return rule.analyzer, true
		}
		if ok, _ := path.Match(rule.pattern, base); ok {
			return rule.analyzer, true
		}
	}
	return "", false
}

// Analyzers returns the registered analyzer names in registration order.
func (r *Router) Analyzers() []string {
	return append([]string(nil), r.order...)
}
