// Package matrix owns the shared relationship graph produced by a scan:
// file and symbol nodes plus typed edges between them.
//
// All mutation goes through a single writer goroutine fed by a queue, so
// concurrent producers (in-flight worker responses) never interleave partial
// writes. Callers submit a mutation and block on its reply; the queue applies
// them in arrival order.
package matrix

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"codescan/util"
)

var (
	// ErrUnknownSource is returned when an edge references a source node
	// that was never merged. Callers treat it as a data-integrity warning,
	// not a fatal error.
	ErrUnknownSource = errors.New("edge source node not in matrix")

	// ErrUnknownNode is returned when an annotation targets a missing node.
	ErrUnknownNode = errors.New("node not in matrix")

	// ErrInvalidEdgeKind is returned for an edge kind outside the known set.
	ErrInvalidEdgeKind = errors.New("invalid edge kind")

	// ErrClosed is returned when the matrix has been shut down.
	ErrClosed = errors.New("matrix is closed")
)

// Matrix is the concurrent-safe graph store. Create with New, shut down with
// Close. All exported methods are safe to call from multiple goroutines.
type Matrix struct {
	ops    chan mutation
	done   chan struct{}
	logger *slog.Logger
}

// store is the single-writer state. Only the run loop touches it.
type store struct {
	filesByPath map[string]*FileNode
	filesByID   map[NodeID]*FileNode
	symbols     map[NodeID]*SymbolNode
	fileSymbols map[NodeID][]NodeID
	edges       map[edgeKey]*Edge
	externals   map[string]*ExternalNode
	warnings    int
}

type edgeKey struct {
	source NodeID
	target string
	kind   EdgeKind
}

// New creates an empty matrix and starts its mutation loop.
func New(logger *slog.Logger) *Matrix {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matrix{
		ops:    make(chan mutation, 64),
		done:   make(chan struct{}),
		logger: logger.With("component", "matrix"),
	}
	go m.run()
	return m
}

func (m *Matrix) run() {
	defer close(m.done)
	s := &store{
		filesByPath: make(map[string]*FileNode),
		filesByID:   make(map[NodeID]*FileNode),
		symbols:     make(map[NodeID]*SymbolNode),
		fileSymbols: make(map[NodeID][]NodeID),
		edges:       make(map[edgeKey]*Edge),
		externals:   make(map[string]*ExternalNode),
	}
	for op := range m.ops {
		op.apply(s, m.logger)
	}
}

// Close stops the mutation loop. Pending mutations already queued are applied
// first. Further calls on the matrix return ErrClosed or zero values.
func (m *Matrix) Close() {
	defer func() {
		// Double close is a no-op.
		_ = recover()
	}()
	close(m.ops)
	<-m.done
}

func (m *Matrix) submit(op mutation) error {
	defer func() {
		_ = recover()
	}()
	m.ops <- op
	return nil
}

// UpsertFile inserts or refreshes a file node keyed by its relative path.
// An unchanged content hash is a no-op returning the existing id; a changed
// hash replaces the node and purges its symbols and edges, keeping
// incremental re-scans idempotent.
func (m *Matrix) UpsertFile(node FileNode) (NodeID, error) {
	op := &upsertFileOp{node: node, reply: make(chan NodeID, 1)}
	if err := m.submit(op); err != nil {
		return "", err
	}
	select {
	case id := <-op.reply:
		return id, nil
	case <-m.done:
		return "", ErrClosed
	}
}

// UpsertSymbol inserts a symbol node owned by an existing file. Identity is
// (file id, kind, qualified name); re-reporting the same symbol is a no-op.
func (m *Matrix) UpsertSymbol(node SymbolNode) (NodeID, error) {
	op := &upsertSymbolOp{node: node, reply: make(chan symbolResult, 1)}
	if err := m.submit(op); err != nil {
		return "", err
	}
	select {
	case res := <-op.reply:
		return res.id, res.err
	case <-m.done:
		return "", ErrClosed
	}
}

// AddEdge inserts a typed edge. Returns false if the (source, target, kind)
// triple is already present. The source must already exist in the matrix;
// the target may be an external name that resolves later.
func (m *Matrix) AddEdge(edge Edge) (bool, error) {
	op := &addEdgeOp{edge: edge, reply: make(chan edgeResult, 1)}
	if err := m.submit(op); err != nil {
		return false, err
	}
	select {
	case res := <-op.reply:
		return res.added, res.err
	case <-m.done:
		return false, ErrClosed
	}
}

// AddExternal records an external dependency placeholder and a depends_on
// edge from the source file to it.
func (m *Matrix) AddExternal(source NodeID, dep ExternalNode) (bool, error) {
	op := &addExternalOp{source: source, dep: dep, reply: make(chan edgeResult, 1)}
	if err := m.submit(op); err != nil {
		return false, err
	}
	select {
	case res := <-op.reply:
		return res.added, res.err
	case <-m.done:
		return false, ErrClosed
	}
}

// Annotate attaches enrichment attributes to an existing file or symbol
// node. It never creates nodes or edges.
func (m *Matrix) Annotate(id NodeID, ann Annotation) error {
	op := &annotateOp{id: id, ann: ann, reply: make(chan error, 1)}
	if err := m.submit(op); err != nil {
		return err
	}
	select {
	case err := <-op.reply:
		return err
	case <-m.done:
		return ErrClosed
	}
}

// Snapshot returns an immutable copy of the matrix, taken through the
// mutation queue so it reflects every mutation submitted before the call.
// Unresolved edge targets matching a known file path are resolved in the
// returned view.
func (m *Matrix) Snapshot() *Snapshot {
	op := &snapshotOp{reply: make(chan *Snapshot, 1)}
	if err := m.submit(op); err != nil {
		return &Snapshot{TakenAt: time.Now()}
	}
	select {
	case snap := <-op.reply:
		return snap
	case <-m.done:
		return &Snapshot{TakenAt: time.Now()}
	}
}

// mutation is one queued write (or serialized read) applied by the run loop.
type mutation interface {
	apply(s *store, logger *slog.Logger)
}

type upsertFileOp struct {
	node  FileNode
	reply chan NodeID
}

func (op *upsertFileOp) apply(s *store, logger *slog.Logger) {
	node := op.node
	if node.ID == "" {
		node.ID = NodeID(util.GenerateNodeID(node.Path, node.Hash))
	}
	if node.Status == "" {
		node.Status = StatusPending
	}

	if existing, ok := s.filesByPath[node.Path]; ok {
		if existing.Hash == node.Hash {
			op.reply <- existing.ID
			return
		}
		s.purgeFile(existing)
		logger.Debug("file content changed, node replaced",
			"path", node.Path, "old_id", existing.ID, "new_id", node.ID)
	}

	s.filesByPath[node.Path] = &node
	s.filesByID[node.ID] = &node
	op.reply <- node.ID
}

type symbolResult struct {
	id  NodeID
	err error
}

type upsertSymbolOp struct {
	node  SymbolNode
	reply chan symbolResult
}

func (op *upsertSymbolOp) apply(s *store, logger *slog.Logger) {
	node := op.node
	if _, ok := s.filesByID[node.FileID]; !ok {
		logger.Warn("symbol references unknown file, dropped",
			"name", node.Name, "file_id", node.FileID)
		op.reply <- symbolResult{err: fmt.Errorf("symbol %q: %w", node.Name, ErrUnknownNode)}
		return
	}

	if node.ID == "" {
		node.ID = NodeID(util.GenerateNodeID(string(node.FileID), node.Kind, node.Name))
	}
	if _, ok := s.symbols[node.ID]; !ok {
		s.fileSymbols[node.FileID] = append(s.fileSymbols[node.FileID], node.ID)
	}
	s.symbols[node.ID] = &node
	op.reply <- symbolResult{id: node.ID}
}

type edgeResult struct {
	added bool
	err   error
}

type addEdgeOp struct {
	edge  Edge
	reply chan edgeResult
}

func (op *addEdgeOp) apply(s *store, logger *slog.Logger) {
	edge := op.edge
	if !ValidEdgeKind(edge.Kind) {
		op.reply <- edgeResult{err: fmt.Errorf("%w: %q", ErrInvalidEdgeKind, edge.Kind)}
		return
	}
	if !s.nodeExists(edge.Source) {
		s.warnings++
		logger.Warn("edge with unknown source dropped",
			"source", edge.Source, "target", edge.targetKey(), "kind", edge.Kind)
		op.reply <- edgeResult{err: ErrUnknownSource}
		return
	}

	// A file-path target that is already merged resolves immediately.
	if !edge.Resolved && edge.TargetName != "" {
		if f, ok := s.filesByPath[edge.TargetName]; ok {
			edge.Target = f.ID
			edge.Resolved = true
		}
	} else if edge.Target != "" {
		edge.Resolved = s.nodeExists(edge.Target)
	}

	key := edgeKey{source: edge.Source, target: edge.targetKey(), kind: edge.Kind}
	if _, ok := s.edges[key]; ok {
		op.reply <- edgeResult{added: false}
		return
	}
	s.edges[key] = &edge
	op.reply <- edgeResult{added: true}
}

type addExternalOp struct {
	source NodeID
	dep    ExternalNode
	reply  chan edgeResult
}

func (op *addExternalOp) apply(s *store, logger *slog.Logger) {
	if !s.nodeExists(op.source) {
		s.warnings++
		logger.Warn("external dependency with unknown source dropped",
			"source", op.source, "name", op.dep.Name)
		op.reply <- edgeResult{err: ErrUnknownSource}
		return
	}
	if op.dep.Name == "" {
		op.reply <- edgeResult{err: errors.New("external dependency without a name")}
		return
	}

	if _, ok := s.externals[op.dep.Name]; !ok {
		dep := op.dep
		s.externals[dep.Name] = &dep
	}

	key := edgeKey{source: op.source, target: op.dep.Name, kind: EdgeDependsOn}
	if _, ok := s.edges[key]; ok {
		op.reply <- edgeResult{added: false}
		return
	}
	s.edges[key] = &Edge{
		Source:     op.source,
		TargetName: op.dep.Name,
		Kind:       EdgeDependsOn,
		Resolved:   false,
	}
	op.reply <- edgeResult{added: true}
}

type annotateOp struct {
	id    NodeID
	ann   Annotation
	reply chan error
}

func (op *annotateOp) apply(s *store, logger *slog.Logger) {
	if f, ok := s.filesByID[op.id]; ok {
		if op.ann.Summary != nil {
			f.Summary = *op.ann.Summary
		}
		if op.ann.Status != nil {
			f.Status = *op.ann.Status
		}
		f.Issues = append(f.Issues, op.ann.Issues...)
		op.reply <- nil
		return
	}
	if sym, ok := s.symbols[op.id]; ok {
		if op.ann.Summary != nil {
			sym.Summary = *op.ann.Summary
		}
		sym.Issues = append(sym.Issues, op.ann.Issues...)
		op.reply <- nil
		return
	}
	logger.Warn("annotation for unknown node dropped", "id", op.id)
	op.reply <- fmt.Errorf("annotate %s: %w", op.id, ErrUnknownNode)
}

type snapshotOp struct {
	reply chan *Snapshot
}

func (op *snapshotOp) apply(s *store, _ *slog.Logger) {
	snap := &Snapshot{
		TakenAt:           time.Now(),
		IntegrityWarnings: s.warnings,
		Files:             make([]FileNode, 0, len(s.filesByPath)),
		Symbols:           make([]SymbolNode, 0, len(s.symbols)),
		Edges:             make([]Edge, 0, len(s.edges)),
		Externals:         make([]ExternalNode, 0, len(s.externals)),
	}
	for _, f := range s.filesByPath {
		cp := *f
		cp.Issues = append([]string(nil), f.Issues...)
		snap.Files = append(snap.Files, cp)
	}
	for _, sym := range s.symbols {
		cp := *sym
		cp.Issues = append([]string(nil), sym.Issues...)
		snap.Symbols = append(snap.Symbols, cp)
	}
	for _, e := range s.edges {
		edge := *e
		// Late resolution: a target merged after the edge was added.
		if !edge.Resolved && edge.TargetName != "" {
			if f, ok := s.filesByPath[edge.TargetName]; ok {
				edge.Target = f.ID
				edge.Resolved = true
			}
		}
		snap.Edges = append(snap.Edges, edge)
	}
	for _, ext := range s.externals {
		snap.Externals = append(snap.Externals, *ext)
	}

	sort.Slice(snap.Files, func(i, j int) bool { return snap.Files[i].Path < snap.Files[j].Path })
	sort.Slice(snap.Symbols, func(i, j int) bool { return snap.Symbols[i].ID < snap.Symbols[j].ID })
	sort.Slice(snap.Edges, func(i, j int) bool {
		a, b := snap.Edges[i], snap.Edges[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.targetKey() != b.targetKey() {
			return a.targetKey() < b.targetKey()
		}
		return a.Kind < b.Kind
	})
	sort.Slice(snap.Externals, func(i, j int) bool { return snap.Externals[i].Name < snap.Externals[j].Name })

	snap.index()
	op.reply <- snap
}

func (s *store) nodeExists(id NodeID) bool {
	if _, ok := s.filesByID[id]; ok {
		return true
	}
	_, ok := s.symbols[id]
	return ok
}

// purgeFile removes a stale file node, its symbols, and every edge touching
// either. Called when a file's content hash changed between scans.
func (s *store) purgeFile(f *FileNode) {
	stale := map[NodeID]bool{f.ID: true}
	for _, symID := range s.fileSymbols[f.ID] {
		stale[symID] = true
		delete(s.symbols, symID)
	}
	delete(s.fileSymbols, f.ID)
	delete(s.filesByID, f.ID)
	delete(s.filesByPath, f.Path)

	for key, e := range s.edges {
		if stale[e.Source] || (e.Resolved && stale[e.Target]) {
			delete(s.edges, key)
		}
	}
}
