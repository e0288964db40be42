package app

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/quikcov/quikcov/internal/config"
	"github.com/quikcov/quikcov/internal/driver"
	"github.com/quikcov/quikcov/internal/gcov"
	"github.com/quikcov/quikcov/internal/logger"
)

// NewRunCommand creates the "run" subcommand: one full quikcov invocation
// against a seed corpus.
func NewRunCommand() *cobra.Command {
	var (
		coverageDir string
		preloadLib  string
		seedDir     string
		outputDir   string
		absPaths    bool
		timeout     int
	)

	cmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Replay a seed corpus against a target, folding coverage as it runs.",
		Long: `run enumerates the .gcno files under --coverage-dir, then for every seed
under --seed-dir spawns the trailing command with the seed on stdin and
the interposition library injected via LD_PRELOAD. Captured .gcda blobs
are folded into a running coverage snapshot, persisted under
--output-dir whenever total coverage grows.

Examples:
  quikcov run --coverage-dir ./build/obj --preload-lib ./libquikcov_preload.so \
    --seed-dir ./corpus --output-dir ./snapshots -- ./build/target --flag`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if !cmd.Flags().Changed("coverage-dir") && cfg.CoverageDir != "" {
				coverageDir = cfg.CoverageDir
			}
			if !cmd.Flags().Changed("preload-lib") && cfg.PreloadLib != "" {
				preloadLib = cfg.PreloadLib
			}
			if !cmd.Flags().Changed("seed-dir") && cfg.SeedDir != "" {
				seedDir = cfg.SeedDir
			}
			if !cmd.Flags().Changed("output-dir") && cfg.OutputDir != "" {
				outputDir = cfg.OutputDir
			}
			if !cmd.Flags().Changed("abs-paths") {
				absPaths = cfg.AbsPaths
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = cfg.Timeout
			}

			if coverageDir == "" {
				return fmt.Errorf("--coverage-dir is required")
			}
			if preloadLib == "" {
				return fmt.Errorf("--preload-lib is required")
			}
			if seedDir == "" {
				return fmt.Errorf("--seed-dir is required")
			}
			if outputDir == "" {
				return fmt.Errorf("--output-dir is required")
			}

			if cfg.LogDir != "" {
				if err := logger.InitWithFile(cfg.LogLevel, cfg.LogDir); err != nil {
					return fmt.Errorf("failed to initialize file logger: %w", err)
				}
			} else {
				logger.Init(cfg.LogLevel)
			}
			return runDriver(cfg, coverageDir, preloadLib, seedDir, outputDir, absPaths, timeout, args)
		},
	}

	cmd.Flags().StringVar(&coverageDir, "coverage-dir", "", "Directory containing the target's .gcno files")
	cmd.Flags().StringVar(&preloadLib, "preload-lib", "", "Path to the built interposition shared object")
	cmd.Flags().StringVar(&seedDir, "seed-dir", "", "Directory of seed inputs, one per target run")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory to persist coverage snapshots into")
	cmd.Flags().BoolVar(&absPaths, "abs-paths", false, "Reconstruct each .gcda's absolute path from its note's recorded cwd")
	cmd.Flags().IntVar(&timeout, "timeout", 30, "Per-seed execution timeout in seconds (0 = unbounded)")

	return cmd
}

func runDriver(cfg *config.Config, coverageDir, preloadLib, seedDir, outputDir string, absPaths bool, timeoutSec int, command []string) error {
	logger.Info("coverage dir: %s", coverageDir)
	logger.Info("preload lib: %s", preloadLib)
	logger.Info("seed dir: %s", seedDir)
	logger.Info("output dir: %s", outputDir)

	fs := afero.NewOsFs()
	spawner := driver.NewLocalSpawner()
	reporter := gcov.NewFileReporter(fs, outputDir)

	d := driver.New(fs, spawner, reporter, driver.Config{
		CoverageDir: coverageDir,
		PreloadLib:  preloadLib,
		SeedDir:     seedDir,
		OutputDir:   outputDir,
		AbsPaths:    absPaths,
		Timeout:     time.Duration(timeoutSec) * time.Second,
		Command:     command,
	})

	return d.Run()
}
