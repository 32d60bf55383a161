// Package discover walks a directory tree and yields candidate files for
// analysis, applying the configured filter predicate (ignore patterns,
// hidden-file policy, size cap) as it goes.
package discover

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"codescan/internal/config"
)

// Entry describes one discovered file. Path is relative to the walk root
// with forward slashes, which is the canonical form used for node identity.
type Entry struct {
	Path    string
	AbsPath string
	Size    int64
	ModTime time.Time
}

// Walker produces a lazy, finite, non-restartable sequence of entries.
type Walker struct {
	root     string
	cfg      config.ScanConfig
	matcher  *ignore.GitIgnore
	logger   *slog.Logger
	errCount atomic.Int64
	started  atomic.Bool
}

// New builds a walker rooted at root. The ignore file is optional; missing
// files are not an error. Extra ignore patterns from configuration are
// appended after the file's lines.
func New(root string, cfg config.ScanConfig, logger *slog.Logger) (*Walker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", absRoot)
	}

	var lines []string
	if cfg.IgnoreFile != "" {
		data, err := os.ReadFile(filepath.Join(absRoot, cfg.IgnoreFile))
		if err == nil {
			lines = append(lines, strings.Split(string(data), "\n")...)
		} else if !os.IsNotExist(err) {
			logger.Warn("could not read ignore file", "file", cfg.IgnoreFile, "error", err)
		}
	}
	lines = append(lines, cfg.IgnorePatterns...)

	return &Walker{
		root:    absRoot,
		cfg:     cfg,
		matcher: ignore.CompileIgnoreLines(lines...),
		logger:  logger.With("component", "discover"),
	}, nil
}

// Root returns the absolute walk root.
func (w *Walker) Root() string { return w.root }

// ErrorCount returns the number of entries skipped due to read errors.
// Meaningful once the entry channel has been drained.
func (w *Walker) ErrorCount() int64 { return w.errCount.Load() }

// Entries starts the walk and returns the entry stream. The channel closes
// when the walk finishes or ctx is cancelled. A walker walks once; calling
// Entries again returns a closed channel.
func (w *Walker) Entries(ctx context.Context) <-chan Entry {
	out := make(chan Entry)
	if !w.started.CompareAndSwap(false, true) {
		close(out)
		return out
	}

	go func() {
		defer close(out)
		err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				// Unreadable entry: report and move on, never abort the walk.
				w.errCount.Add(1)
				w.logger.Warn("unreadable path entry, skipped", "path", path, "error", err)
				return nil
			}

			rel, relErr := filepath.Rel(w.root, path)
			if relErr != nil || rel == "." {
				return nil
			}
			rel = filepath.ToSlash(rel)

			if w.isHidden(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if w.matcher.MatchesPath(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			// WalkDir does not follow symlinks; skipping link entries keeps
			// the walk inside the root and free of filesystem cycles.
			if d.Type()&fs.ModeSymlink != 0 {
				w.logger.Debug("symlink skipped", "path", rel)
				return nil
			}

			info, err := d.Info()
			if err != nil {
				w.errCount.Add(1)
				w.logger.Warn("could not stat entry, skipped", "path", rel, "error", err)
				return nil
			}
			if max := w.cfg.MaxFileSizeBytes(); max > 0 && info.Size() > max {
				w.logger.Debug("file exceeds size cap, skipped", "path", rel, "size", info.Size())
				return nil
			}

			select {
			case out <- Entry{Path: rel, AbsPath: path, Size: info.Size(), ModTime: info.ModTime()}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("walk ended early", "error", err)
		}
	}()
	return out
}

// isHidden reports whether any segment of the relative path is a dotfile,
// unless hidden files are included by configuration.
func (w *Walker) isHidden(rel string) bool {
	if w.cfg.IncludeHidden {
		return false
	}
	for _, part := range strings.Split(rel, "/") {
		if len(part) > 1 && strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
