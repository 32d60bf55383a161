package matrix

import "time"

// NodeID identifies a file or symbol node.
type NodeID string

// FileStatus is the per-file terminal status. Every discovered file ends in
// exactly one of analyzed, failed, or skipped; pending is the transient
// initial value.
type FileStatus string

const (
	StatusPending  FileStatus = "pending"
	StatusAnalyzed FileStatus = "analyzed"
	StatusFailed   FileStatus = "failed"
)

// EdgeKind classifies a relationship edge.
type EdgeKind string

const (
	EdgeImports    EdgeKind = "imports"
	EdgeCalls      EdgeKind = "calls"
	EdgeDefines    EdgeKind = "defines"
	EdgeDependsOn  EdgeKind = "depends_on"
	EdgeReferences EdgeKind = "references"
)

// ValidEdgeKind reports whether kind is one of the known edge kinds.
func ValidEdgeKind(kind EdgeKind) bool {
	switch kind {
	case EdgeImports, EdgeCalls, EdgeDefines, EdgeDependsOn, EdgeReferences:
		return true
	}
	return false
}

// FileNode represents one scanned file. Identity is the canonical relative
// path plus content hash, so an unchanged file maps to the same node across
// runs. Immutable after the pass-1 merge except Status, Summary, and Issues.
type FileNode struct {
	ID        NodeID     `json:"id"`
	Path      string     `json:"path"`
	Hash      string     `json:"hash"`
	SizeBytes int64      `json:"size_bytes"`
	Language  string     `json:"language"`
	Tokens    int64      `json:"tokens"`
	ScannedAt time.Time  `json:"scanned_at"`
	Status    FileStatus `json:"status"`
	Summary   string     `json:"summary,omitempty"`
	Issues    []string   `json:"issues,omitempty"`
}

// SymbolNode represents a symbol reported by an analyzer. Identity is the
// owning file's id plus kind plus qualified name. Created only from worker
// output, never speculatively.
type SymbolNode struct {
	ID         NodeID   `json:"id"`
	FileID     NodeID   `json:"file_id"`
	Kind       string   `json:"kind"`
	Name       string   `json:"name"`
	Signature  string   `json:"signature,omitempty"`
	LineStart  int      `json:"line_start"`
	LineEnd    int      `json:"line_end"`
	Complexity int      `json:"complexity,omitempty"`
	Exported   bool     `json:"exported"`
	Summary    string   `json:"summary,omitempty"`
	Issues     []string `json:"issues,omitempty"`
}

// ExternalNode is a placeholder for a dependency outside the scanned tree.
// It is keyed by name rather than by a hash-based node id.
type ExternalNode struct {
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	Ecosystem string `json:"ecosystem,omitempty"`
}

// Edge is a typed relationship between two nodes, deduplicated by the
// (source, target, kind) triple. Resolved edges point at a node id; an
// unresolved edge carries only the string key of its external target.
type Edge struct {
	Source     NodeID   `json:"source"`
	Target     NodeID   `json:"target,omitempty"`
	TargetName string   `json:"target_name,omitempty"`
	Kind       EdgeKind `json:"kind"`
	Resolved   bool     `json:"resolved"`
	Line       int      `json:"line,omitempty"`
}

// targetKey is the dedup key for the edge's target: the node id when
// resolved, the bare name otherwise. A name that later resolves to a file
// keeps the same key, so late resolution never duplicates the edge.
func (e Edge) targetKey() string {
	if e.TargetName != "" {
		return e.TargetName
	}
	return string(e.Target)
}

// Annotation carries pass-2 enrichment for an existing node. Nil fields are
// left untouched. Annotations never create nodes or edges.
type Annotation struct {
	Summary *string
	Issues  []string
	Status  *FileStatus
}
