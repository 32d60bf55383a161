// Package worker owns the lifecycle of the external analyzer processes and
// the line-delimited JSON protocol spoken over their standard streams.
//
// Each request carries a correlation id; responses echo it, so replies may
// arrive out of order and still match their pending call.
package worker

import "errors"

// Request is one analyze call. Content is sent by value so the worker does
// not need filesystem access to the scanned root.
type Request struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	FilePath string `json:"file_path"`
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
}

// Element is one symbol reported by an analyzer.
type Element struct {
	Kind       string   `json:"kind"`
	Name       string   `json:"name"`
	Signature  string   `json:"signature,omitempty"`
	LineStart  int      `json:"line_start"`
	LineEnd    int      `json:"line_end"`
	Complexity int      `json:"complexity,omitempty"`
	Exported   bool     `json:"exported,omitempty"`
	Calls      []string `json:"calls,omitempty"`
}

// Relationship is a file-level relation reported by an analyzer. ToFile may
// name a file outside the scanned tree; resolution happens at merge time.
type Relationship struct {
	ToFile string `json:"to_file"`
	Kind   string `json:"kind"`
	Line   int    `json:"line,omitempty"`
}

// ExternalDependency is a package dependency reported by an analyzer.
type ExternalDependency struct {
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	Ecosystem string `json:"ecosystem,omitempty"`
}

// Response is one reply line from a worker.
type Response struct {
	ID                   string               `json:"id"`
	Status               string               `json:"status"`
	Elements             []Element            `json:"elements,omitempty"`
	Relationships        []Relationship       `json:"relationships,omitempty"`
	ExternalDependencies []ExternalDependency `json:"external_dependencies,omitempty"`
	ErrorMessage         string               `json:"error_message,omitempty"`
}

const (
	statusOK    = "ok"
	statusError = "error"

	kindAnalyze = "analyze"
)

// Failure taxonomy for worker calls. Every failed call resolves to exactly
// one of these; all are per-file and non-fatal to the run.
var (
	// ErrWorkerUnavailable means the analyzer has no running process and
	// cannot be (re)started.
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// ErrWorkerCrashed means the process exited while calls were pending.
	ErrWorkerCrashed = errors.New("worker crashed")

	// ErrTimeout means the call's deadline expired; the worker itself keeps
	// running unless timeouts repeat past the configured threshold.
	ErrTimeout = errors.New("worker call timed out")

	// ErrProtocol means the worker wrote a line that could not be decoded.
	ErrProtocol = errors.New("worker protocol error")

	// ErrAnalyzer wraps an error the analyzer itself reported for a file.
	ErrAnalyzer = errors.New("analyzer reported error")
)
