package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"codescan/internal/matrix"
	"codescan/internal/matrixstore"
	"codescan/internal/orchestrate"
	"codescan/util"
)

func newReportCmd() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "report [path]",
		Short: "Print a summary of a saved scan",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot(args)
			if err != nil {
				return err
			}

			dir := outputDir
			if dir == "" {
				dir = globalCfg.Output.Dir
			}
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(root, dir)
			}

			dbPath := filepath.Join(dir, globalCfg.Output.SQLiteFile)
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("no saved scan at %s, run codescan scan first", dbPath)
			}
			store, err := matrixstore.OpenSQLite(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.LoadSnapshot()
			if err != nil {
				return fmt.Errorf("failed to load saved scan: %w", err)
			}
			printMatrixSummary(cmd.OutOrStdout(), snap)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory holding scan artifacts")
	return cmd
}

func printRunSummary(w io.Writer, res *orchestrate.RunResult) {
	fmt.Fprintf(w, "Scan %s in %s\n", res.State, res.Report.Duration.Round(10*time.Millisecond))
	fmt.Fprintf(w, "  files discovered: %d  analyzed: %d  skipped: %d  failed: %d\n",
		res.Report.Discovered, res.Report.Analyzed, res.Report.Skipped, res.Report.Failed)
	if res.Report.Unchanged > 0 {
		fmt.Fprintf(w, "  unchanged since last scan: %d\n", res.Report.Unchanged)
	}
	if len(res.Report.FailuresByKind) > 0 {
		kinds := make([]string, 0, len(res.Report.FailuresByKind))
		for k := range res.Report.FailuresByKind {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(w, "    %s: %d\n", k, res.Report.FailuresByKind[orchestrate.FailureKind(k)])
		}
	}
	if res.Report.Enriched > 0 || res.Report.EnrichFailed > 0 {
		fmt.Fprintf(w, "  symbols enriched: %d  failed: %d\n", res.Report.Enriched, res.Report.EnrichFailed)
	}
	if res.Report.IntegrityWarnings > 0 {
		fmt.Fprintf(w, "  integrity warnings: %d\n", res.Report.IntegrityWarnings)
	}
	printProjectInfo(w, res.Snapshot, res.Info)
}

func printMatrixSummary(w io.Writer, snap *matrix.Snapshot) {
	fmt.Fprintf(w, "Saved scan from %s\n", snap.TakenAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  files: %d  symbols: %d  edges: %d  external deps: %d\n",
		len(snap.Files), len(snap.Symbols), len(snap.Edges), len(snap.Externals))
	printProjectInfo(w, snap, snap.ProjectInfo(10))
}

func printProjectInfo(w io.Writer, snap *matrix.Snapshot, info matrix.ProjectInfo) {
	if info.MainLanguage != "" {
		fmt.Fprintf(w, "  main language: %s\n", info.MainLanguage)
	}
	if len(info.LanguageCounts) > 0 {
		langs := make([]string, 0, len(info.LanguageCounts))
		for lang := range info.LanguageCounts {
			langs = append(langs, lang)
		}
		sort.Strings(langs)
		fmt.Fprint(w, "  languages:")
		for _, lang := range langs {
			fmt.Fprintf(w, " %s(%d)", lang, info.LanguageCounts[lang])
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  estimated tokens: %s\n", util.FormatCount(info.TotalTokens))
	for _, ep := range info.Entrypoints {
		fmt.Fprintf(w, "  entrypoint: %s (%s, %s)\n", ep.Path, ep.Kind, ep.Reason)
	}
	if len(info.HighlyCoupled) > 0 {
		fmt.Fprintln(w, "  most depended-on files:")
		for _, c := range info.HighlyCoupled {
			fmt.Fprintf(w, "    %s (in %d, out %d)\n", c.Path, c.InDegree, c.OutDegree)
		}
	}
	if len(snap.Externals) > 0 {
		fmt.Fprintf(w, "  external dependencies: %d\n", len(snap.Externals))
	}
}
