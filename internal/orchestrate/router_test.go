package orchestrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codescan/internal/config"
)

func testAnalyzers() []config.AnalyzerConfig {
	return []config.AnalyzerConfig{
		{
			Name:       "python",
			Command:    []string{"python3", "analyzer.py"},
			Extensions: []string{".py"},
			Filenames:  []string{"requirements.txt"},
			Globs:      []string{"requirements*.txt"},
		},
		{
			Name:       "go",
			Command:    []string{"go-analyzer"},
			Extensions: []string{".go"},
			Filenames:  []string{"go.mod", "go.sum"},
		},
	}
}

func TestRouterMatchesByExtension(t *testing.T) {
	r := NewRouter(testAnalyzers(), nil)

	analyzer, ok := r.Route("pkg/server/main.go")
	require.True(t, ok)
	assert.Equal(t, "go", analyzer)

	analyzer, ok = r.Route("scripts/build.py")
	require.True(t, ok)
	assert.Equal(t, "python", analyzer)
}

func TestRouterExactFilenameBeatsExtension(t *testing.T) {
	analyzers := testAnalyzers()
	// Register setup.py as an exact filename on the go analyzer to force the
	// tiers to disagree.
	analyzers[1].Filenames = append(analyzers[1].Filenames, "setup.py")
	r := NewRouter(analyzers, nil)

	analyzer, ok := r.Route("setup.py")
	require.True(t, ok)
	assert.Equal(t, "go", analyzer, "exact filename match must win over extension")

	analyzer, ok = r.Route("other.py")
	require.True(t, ok)
	assert.Equal(t, "python", analyzer)
}

func TestRouterGlobIsLastResort(t *testing.T) {
	r := NewRouter(testAnalyzers(), nil)

	// requirements-dev.txt misses the exact table but hits the glob.
	analyzer, ok := r.Route("requirements-dev.txt")
	require.True(t, ok)
	assert.Equal(t, "python", analyzer)

	// The glob also matches on the base name for files in subdirectories.
	analyzer, ok = r.Route("services/api/requirements-test.txt")
	require.True(t, ok)
	assert.Equal(t, "python", analyzer)
}

func TestRouterNoMatch(t *testing.T) {
	r := NewRouter(testAnalyzers(), nil)

	_, ok := r.Route("README.md")
	assert.False(t, ok)
	_, ok = r.Route("Makefile")
	assert.False(t, ok)
}

func TestRouterFirstRegistrationWins(t *testing.T) {
	analyzers := testAnalyzers()
	analyzers = append(analyzers, config.AnalyzerConfig{
		Name:       "python-alt",
		Command:    []string{"other-analyzer"},
		Extensions: []string{".py", ".PY"},
		Filenames:  []string{"requirements.txt"},
	})
	r := NewRouter(analyzers, nil)

	analyzer, ok := r.Route("tool.py")
	require.True(t, ok)
	assert.Equal(t, "python", analyzer)

	analyzer, ok = r.Route("requirements.txt")
	require.True(t, ok)
	assert.Equal(t, "python", analyzer)
}

func TestRouterExtensionCaseInsensitive(t *testing.T) {
	r := NewRouter(testAnalyzers(), nil)

	analyzer, ok := r.Route("legacy/SCRIPT.PY")
	require.True(t, ok)
	assert.Equal(t, "python", analyzer)
}

func TestRouterAnalyzersOrder(t *testing.T) {
	r := NewRouter(testAnalyzers(), nil)
	assert.Equal(t, []string{"python", "go"}, r.Analyzers())
}
