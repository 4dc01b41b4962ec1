package main

import (
	"context"
	"errors"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ivoronin/dupelink/internal/config"
	"github.com/ivoronin/dupelink/internal/deduper"
	"github.com/ivoronin/dupelink/internal/logger"
	"github.com/ivoronin/dupelink/internal/report"
	"github.com/ivoronin/dupelink/internal/scanner"
	"github.com/ivoronin/dupelink/internal/screener"
	"github.com/ivoronin/dupelink/internal/types"
	"github.com/ivoronin/dupelink/internal/verifier"
)

// newDedupeCmd creates the dedupe subcommand.
func newDedupeCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dedupe [paths...]",
		Short: "Find identical files and hard-link them together",
		Long: `Scans the given paths (default: current directory) for files with identical
content and replaces every redundant copy with a hard link to one survivor.

Files that are already hard-linked together are recognised without reading
them. Directories containing a .keep_duplicates file are left alone.

Use --dry-run to preview without making changes, and --report or --csv to
see what would be linked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configFile, cmd.Flags())
			if err != nil {
				return err
			}
			if len(args) == 0 {
				args = []string{"."}
			}
			return runDedupe(cmd.Context(), args, cfg)
		},
	}

	// Defaults live in config.Defaults; flags only record what the user set.
	f := cmd.Flags()
	f.StringP("min-size", "m", "1", "Minimum file size (e.g., 100, 1K, 10M, 1G)")
	f.StringP("max-size", "M", "0", "Maximum file size, 0 for unlimited")
	f.StringP("sample-size", "H", "4096", "Bytes hashed from the start of each file before full hashing")
	f.StringSliceP("exclude", "e", nil, "Glob patterns for file names to exclude")
	f.StringSliceP("exclude-dir", "E", nil, "Glob patterns for directory names or paths to skip")
	f.IntP("workers", "w", runtime.NumCPU(), "Number of parallel workers")
	f.BoolP("dry-run", "n", false, "Preview changes without executing")
	f.Bool("verbose-links", false, "Show individual link operations")
	f.StringP("csv", "c", "", "Write duplicates to this CSV file (path,size,survivor_path,status)")
	f.BoolP("report", "r", false, "Print each duplicate and its survivor")
	f.BoolP("timings", "t", false, "Print statistics and timings at the end")
	f.BoolP("print-files", "p", false, "Print every scanned file")
	f.BoolP("print-dirs", "P", false, "Print every scanned directory")
	f.Bool("trust-device-boundaries", false,
		"Assume devices have independent inode spaces. WARNING: Unsafe if the same filesystem is mounted at multiple paths (e.g., NFS)")
	f.BoolP("one-file-system", "x", false, "Do not descend into directories on other filesystems")
	f.Bool("no-progress", false, "Disable progress output")

	return cmd
}

// drainErrors consumes errors from a channel and logs them as warnings.
// Clears progress bar line before printing to avoid visual collision.
func drainErrors(errs <-chan error, done chan<- struct{}) {
	log := logger.GetLogger("dedupe")
	for err := range errs {
		logger.ClearLine()
		log.Warn(err)
	}
	close(done)
}

// runDedupe executes the pipeline: scan → resolve (and link) → report.
func runDedupe(ctx context.Context, paths []string, cfg *config.Config) error {
	log := logger.GetLogger("dedupe")

	minSize, maxSize, sampleSize, err := cfg.Sizes()
	if err != nil {
		return err
	}

	showProgress := !cfg.NoProgress

	// Shared error channel, drained until the pipeline is done
	errCh := make(chan error, 100)
	errDone := make(chan struct{})
	go drainErrors(errCh, errDone)
	defer func() {
		close(errCh)
		<-errDone
	}()

	// Phase 1: Scan filesystem
	sc := scanner.New(scanner.Options{
		Paths:                 paths,
		MinSize:               minSize,
		MaxSize:               maxSize,
		ExcludeFiles:          cfg.Exclude,
		ExcludeDirs:           cfg.ExcludeDir,
		Workers:               cfg.Workers,
		TrustDeviceBoundaries: cfg.TrustDeviceBoundaries,
		OneFileSystem:         cfg.OneFileSystem,
		ShowProgress:          showProgress,
		ErrCh:                 errCh,
	})
	records, dirs, err := sc.Run(ctx)
	if err != nil {
		return err
	}

	if cfg.PrintDirs {
		if err := report.Dirs(os.Stdout, dirs); err != nil {
			return err
		}
	}
	if cfg.PrintFiles {
		if err := report.Files(os.Stdout, records, dirs); err != nil {
			return err
		}
	}

	if len(records) == 0 {
		log.Info("No files matched")
		return nil
	}

	// Phase 2: Presentation sinks
	var sinks []report.Sink
	if cfg.CSV != "" {
		cw, err := report.CreateCSV(cfg.CSV)
		if err != nil {
			return err
		}
		defer func() {
			if err := cw.Close(); err != nil {
				log.Errorf("csv: %v", err)
			}
		}()
		sinks = append(sinks, cw)
	}
	if cfg.Report {
		sinks = append(sinks, report.NewLineWriter(os.Stdout, logger.ClearLine))
	}

	var dupCh chan types.Duplicate
	sinkDone := make(chan error, 1)
	if len(sinks) > 0 {
		dupCh = make(chan types.Duplicate, 100)
		go func() { sinkDone <- report.Consume(dupCh, sinks...) }()
	} else {
		sinkDone <- nil
	}

	// Phase 3: Resolve duplicates and link them
	var linker verifier.Linker
	var dd *deduper.Deduper
	if !cfg.DryRun {
		dd = deduper.New(cfg.VerboseLinks, os.Stdout)
		linker = dd
	}

	stats, runErr := verifier.New(records, dirs, verifier.Options{
		SampleSize:      sampleSize,
		Workers:         cfg.Workers,
		Linker:          linker,
		ResolveIdentity: screener.StatIdentity(cfg.TrustDeviceBoundaries),
		ShowProgress:    showProgress,
		ErrCh:           errCh,
		Duplicates:      dupCh,
	}).Run(ctx)

	if dupCh != nil {
		close(dupCh)
	}
	if err := <-sinkDone; err != nil {
		log.Errorf("report: %v", err)
	}

	if dd != nil {
		log.Debugf("Links created: %d, targets skipped: %d", dd.Created(), dd.Skipped())
	}

	if cfg.Timings {
		if err := report.Summary(os.Stdout, sc.Stats(), stats); err != nil {
			return err
		}
	}

	if errors.Is(runErr, context.Canceled) {
		log.Warn("Interrupted, statistics are partial")
	}
	return runErr
}
