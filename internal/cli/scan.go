package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"codescan/internal/llm"
	"codescan/internal/matrix"
	"codescan/internal/matrixstore"
	"codescan/internal/orchestrate"
	"codescan/internal/worker"
	"codescan/util"
)

func newScanCmd() *cobra.Command {
	var outputDir string
	var incremental bool
	var noEnrich bool

	cmd := &cobra.Command{
		Use:   "scan [path]",
		Short: "Analyze a source tree and build its relationship matrix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := globalCfg
			if outputDir != "" {
				cfg.Output.Dir = outputDir
			}
			if noEnrich {
				cfg.Enrich.Enabled = false
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			root, err := resolveRoot(args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mtx := matrix.New(logger)
			defer mtx.Close()

			mgr := worker.NewManager(cfg.Concurrency, cfg.Analyzers, logger)
			defer mgr.Shutdown()

			var gen llm.Client
			if cfg.Enrich.Enabled {
				client, err := llm.NewOpenAIClient(cfg.Enrich, logger)
				if err != nil {
					return fmt.Errorf("failed to set up enrichment client: %w", err)
				}
				gen = llm.NewRetryingClient(client, cfg.Enrich.MaxAttempts, logger)
			}

			outDir := cfg.Output.Dir
			if !filepath.IsAbs(outDir) {
				outDir = filepath.Join(root, outDir)
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			store, err := matrixstore.OpenSQLite(filepath.Join(outDir, cfg.Output.SQLiteFile))
			if err != nil {
				return err
			}
			defer store.Close()

			o := orchestrate.New(cfg, mgr, gen, mtx, logger)

			if incremental {
				prior, err := store.LoadSnapshot()
				if err != nil {
					logger.Warn("could not load prior scan, running full scan", "error", err)
				} else if len(prior.Files) > 0 {
					if err := matrixstore.Replay(mtx, prior); err != nil {
						return fmt.Errorf("failed to restore prior scan: %w", err)
					}
					o.SetPriorHashes(matrixstore.AnalyzedHashes(prior))
					logger.Info("incremental scan", "prior_files", len(prior.Files))
				}
			}

			res, err := o.Run(ctx, root)
			if err != nil {
				return err
			}

			if err := store.Persist(res.Snapshot); err != nil {
				return err
			}
			if err := matrixstore.SaveJSON(filepath.Join(outDir, cfg.Output.JSONFile), res.Snapshot); err != nil {
				return err
			}

			printRunSummary(cmd.OutOrStdout(), res)

			if res.State == orchestrate.StateDegraded {
				return fmt.Errorf("scan degraded: every analyzer is disabled")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory for scan artifacts (default .codescan under the scanned root)")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "Reuse the prior scan for unchanged files")
	cmd.Flags().BoolVar(&noEnrich, "no-enrich", false, "Skip the enrichment pass")
	return cmd
}

// resolveRoot picks the tree to scan: the positional argument if given,
// otherwise the enclosing repository root, otherwise the working directory.
func resolveRoot(args []string) (string, error) {
	if len(args) == 1 {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return "", err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return "", err
		}
		if !info.IsDir() {
			return "", fmt.Errorf("%s is not a directory", abs)
		}
		return abs, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if root, err := util.FindProjectRoot(cwd); err == nil {
		return root, nil
	}
	return cwd, nil
}
