package matrix

import "time"

// Snapshot is an immutable view of the matrix taken at one point in the
// mutation order. Pass-2 enrichment reads from a snapshot, so it never races
// with structural mutation. Consumers must treat all fields as read-only.
type Snapshot struct {
	TakenAt           time.Time      `json:"taken_at"`
	Files             []FileNode     `json:"files"`
	Symbols           []SymbolNode   `json:"symbols"`
	Edges             []Edge         `json:"edges"`
	Externals         []ExternalNode `json:"external_dependencies"`
	IntegrityWarnings int            `json:"integrity_warnings"`

	byPath   map[string]int
	byID     map[NodeID]int
	symsByID map[NodeID]int
}

// index builds lookup maps after the slices are populated.
func (s *Snapshot) index() {
	s.byPath = make(map[string]int, len(s.Files))
	s.byID = make(map[NodeID]int, len(s.Files))
	for i, f := range s.Files {
		s.byPath[f.Path] = i
		s.byID[f.ID] = i
	}
	s.symsByID = make(map[NodeID]int, len(s.Symbols))
	for i, sym := range s.Symbols {
		s.symsByID[sym.ID] = i
	}
}

// FileByPath returns the file node at the given relative path, if present.
func (s *Snapshot) FileByPath(path string) (FileNode, bool) {
	if s.byPath == nil {
		s.index()
	}
	i, ok := s.byPath[path]
	if !ok {
		return FileNode{}, false
	}
	return s.Files[i], true
}

// FileByID returns the file node with the given id, if present.
func (s *Snapshot) FileByID(id NodeID) (FileNode, bool) {
	if s.byID == nil {
		s.index()
	}
	i, ok := s.byID[id]
	if !ok {
		return FileNode{}, false
	}
	return s.Files[i], true
}

// SymbolByID returns the symbol node with the given id, if present.
func (s *Snapshot) SymbolByID(id NodeID) (SymbolNode, bool) {
	if s.symsByID == nil {
		s.index()
	}
	i, ok := s.symsByID[id]
	if !ok {
		return SymbolNode{}, false
	}
	return s.Symbols[i], true
}

// SymbolsOf returns the symbols owned by the given file.
func (s *Snapshot) SymbolsOf(fileID NodeID) []SymbolNode {
	var out []SymbolNode
	for _, sym := range s.Symbols {
		if sym.FileID == fileID {
			out = append(out, sym)
		}
	}
	return out
}

// EdgesFrom returns the edges whose source is the given node.
func (s *Snapshot) EdgesFrom(id NodeID) []Edge {
	var out []Edge
	for _, e := range s.Edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}

// Dependents returns the files with a resolved edge pointing at the given
// file. Cycle-safe by construction: it only inspects direct in-edges.
func (s *Snapshot) Dependents(id NodeID) []FileNode {
	var out []FileNode
	for _, e := range s.Edges {
		if !e.Resolved || e.Target != id {
			continue
		}
		if f, ok := s.FileByID(e.Source); ok {
			out = append(out, f)
		}
	}
	return out
}

// Hashes returns the path -> content hash table, used to detect unchanged
// files on incremental re-scans.
func (s *Snapshot) Hashes() map[string]string {
	out := make(map[string]string, len(s.Files))
	for _, f := range s.Files {
		out[f.Path] = f.Hash
	}
	return out
}

// TotalTokens sums the estimated token counts of all files.
func (s *Snapshot) TotalTokens() int64 {
	var total int64
	for _, f := range s.Files {
		total += f.Tokens
	}
	return total
}
