package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codescan/internal/llm"
	"codescan/internal/matrix"
)

// fakeGenerator records prompts and returns a scripted reply per symbol
// name.
type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	reply   func(prompt string) (string, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	return g.reply(prompt)
}

func (g *fakeGenerator) promptCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func enrichConfig() func(o *Orchestrator) {
	return func(o *Orchestrator) {
		o.cfg.Enrich.Enabled = true
		o.cfg.Enrich.Model = "test-model"
		o.cfg.Enrich.MaxUnits = 10
		o.cfg.Enrich.RatePerSecond = 1000
		o.cfg.Enrich.Concurrency = 4
		o.cfg.Enrich.TimeoutSeconds = 5
	}
}

func seedMatrix(t *testing.T, mtx *matrix.Matrix, files int, symsPerFile int) {
	t.Helper()
	for f := 0; f < files; f++ {
		path := fmt.Sprintf("pkg/file_%d.py", f)
		fileID, err := mtx.UpsertFile(matrix.FileNode{
			Path:      path,
			Hash:      fmt.Sprintf("hash-%d", f),
			Language:  "python",
			Tokens:    int64(100 * (f + 1)),
			ScannedAt: time.Now(),
		})
		require.NoError(t, err)
		for s := 0; s < symsPerFile; s++ {
			_, err := mtx.UpsertSymbol(matrix.SymbolNode{
				FileID:    fileID,
				Kind:      "function",
				Name:      fmt.Sprintf("fn_%d_%d", f, s),
				LineStart: s * 10,
				LineEnd:   s*10 + 5,
				Exported:  s == 0,
			})
			require.NoError(t, err)
		}
	}
}

func TestEnrichAnnotatesSymbols(t *testing.T) {
	mtx := matrix.New(nil)
	t.Cleanup(mtx.Close)
	seedMatrix(t, mtx, 2, 2)

	gen := &fakeGenerator{reply: func(prompt string) (string, error) {
		return "Handles incoming requests.\nISSUE: no error handling", nil
	}}

	cfg := testConfig()
	o := New(cfg, &fakePool{}, gen, mtx, nil)
	enrichConfig()(o)

	enriched, failed := o.enrich(context.Background(), mtx.Snapshot())
	assert.Equal(t, 4, enriched)
	assert.Zero(t, failed)

	snap := mtx.Snapshot()
	for _, sym := range snap.Symbols {
		assert.Equal(t, "Handles incoming requests.", sym.Summary, sym.Name)
		require.Len(t, sym.Issues, 1, sym.Name)
		assert.Equal(t, "no error handling", sym.Issues[0])
	}
}

func TestEnrichRespectsUnitCap(t *testing.T) {
	mtx := matrix.New(nil)
	t.Cleanup(mtx.Close)
	seedMatrix(t, mtx, 5, 3)

	gen := &fakeGenerator{reply: func(prompt string) (string, error) {
		return "summary", nil
	}}

	o := New(testConfig(), &fakePool{}, gen, mtx, nil)
	enrichConfig()(o)
	o.cfg.Enrich.MaxUnits = 6

	enriched, failed := o.enrich(context.Background(), mtx.Snapshot())
	assert.Equal(t, 6, enriched)
	assert.Zero(t, failed)
	assert.Equal(t, 6, gen.promptCount())
}

func TestEnrichFailuresAreNonFatal(t *testing.T) {
	mtx := matrix.New(nil)
	t.Cleanup(mtx.Close)
	seedMatrix(t, mtx, 1, 3)

	var n int
	var mu sync.Mutex
	gen := &fakeGenerator{reply: func(prompt string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n == 2 {
			return "", errors.New("model overloaded")
		}
		return "fine", nil
	}}

	o := New(testConfig(), &fakePool{}, gen, mtx, nil)
	enrichConfig()(o)
	o.cfg.Enrich.Concurrency = 1

	enriched, failed := o.enrich(context.Background(), mtx.Snapshot())
	assert.Equal(t, 2, enriched)
	assert.Equal(t, 1, failed)
}

func TestSelectUnitsPrefersExportedThenTokens(t *testing.T) {
	mtx := matrix.New(nil)
	t.Cleanup(mtx.Close)

	small, err := mtx.UpsertFile(matrix.FileNode{Path: "small.py", Hash: "a", Tokens: 10})
	require.NoError(t, err)
	big, err := mtx.UpsertFile(matrix.FileNode{Path: "big.py", Hash: "b", Tokens: 500})
	require.NoError(t, err)

	_, err = mtx.UpsertSymbol(matrix.SymbolNode{FileID: small, Kind: "function", Name: "exported_small", Exported: true})
	require.NoError(t, err)
	_, err = mtx.UpsertSymbol(matrix.SymbolNode{FileID: big, Kind: "function", Name: "exported_big", Exported: true})
	require.NoError(t, err)
	_, err = mtx.UpsertSymbol(matrix.SymbolNode{FileID: big, Kind: "function", Name: "private_big"})
	require.NoError(t, err)
	_, err = mtx.UpsertSymbol(matrix.SymbolNode{FileID: small, Kind: "function", Name: "private_small"})
	require.NoError(t, err)

	units := selectUnits(mtx.Snapshot(), 3)
	require.Len(t, units, 3)
	assert.Equal(t, "exported_big", units[0].sym.Name)
	assert.Equal(t, "exported_small", units[1].sym.Name)
	assert.Equal(t, "private_big", units[2].sym.Name)
}

func TestSelectUnitsDeterministic(t *testing.T) {
	mtx := matrix.New(nil)
	t.Cleanup(mtx.Close)
	seedMatrix(t, mtx, 3, 4)
	snap := mtx.Snapshot()

	first := selectUnits(snap, 5)
	for i := 0; i < 10; i++ {
		again := selectUnits(snap, 5)
		require.Equal(t, len(first), len(again))
		for j := range first {
			assert.Equal(t, first[j].sym.ID, again[j].sym.ID)
		}
	}
}

func TestBuildPromptIncludesStructuralContext(t *testing.T) {
	mtx := matrix.New(nil)
	t.Cleanup(mtx.Close)

	fileID, err := mtx.UpsertFile(matrix.FileNode{Path: "svc/api.py", Hash: "h", Language: "python", Tokens: 50})
	require.NoError(t, err)
	symID, err := mtx.UpsertSymbol(matrix.SymbolNode{
		FileID: fileID, Kind: "function", Name: "serve",
		Signature: "def serve(port: int) -> None", LineStart: 10, LineEnd: 40,
		Complexity: 7, Exported: true,
	})
	require.NoError(t, err)
	_, err = mtx.AddEdge(matrix.Edge{Source: symID, TargetName: "open_socket", Kind: matrix.EdgeCalls})
	require.NoError(t, err)

	callerID, err := mtx.UpsertFile(matrix.FileNode{Path: "svc/main.py", Hash: "h2", Tokens: 20})
	require.NoError(t, err)
	_, err = mtx.AddEdge(matrix.Edge{Source: callerID, TargetName: "svc/api.py", Kind: matrix.EdgeImports})
	require.NoError(t, err)

	snap := mtx.Snapshot()
	sym, ok := snap.SymbolByID(symID)
	require.True(t, ok)
	file, ok := snap.FileByID(fileID)
	require.True(t, ok)

	prompt := buildPrompt(snap, enrichUnit{sym: sym, file: file})
	assert.True(t, strings.Contains(prompt, "function serve"))
	assert.True(t, strings.Contains(prompt, "def serve(port: int) -> None"))
	assert.True(t, strings.Contains(prompt, "svc/api.py"))
	assert.True(t, strings.Contains(prompt, "open_socket"))
	assert.True(t, strings.Contains(prompt, "svc/main.py"))
	assert.True(t, strings.Contains(prompt, "complexity: 7"))
}

func TestParseEnrichment(t *testing.T) {
	summary, issues := parseEnrichment("Parses config files.\n\nISSUE: swallows errors\nISSUE: unbounded recursion\n")
	assert.Equal(t, "Parses config files.", summary)
	assert.Equal(t, []string{"swallows errors", "unbounded recursion"}, issues)

	summary, issues = parseEnrichment("Just a summary across\ntwo lines.")
	assert.Equal(t, "Just a summary across two lines.", summary)
	assert.Empty(t, issues)

	summary, issues = parseEnrichment("")
	assert.Empty(t, summary)
	assert.Empty(t, issues)
}
