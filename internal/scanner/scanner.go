// Package scanner provides parallel filesystem scanning for duplicate detection.
//
// # Architecture Overview
//
// The scanner uses a concurrent fan-out/fan-in architecture to efficiently
// traverse directory trees while respecting system resource limits.
//
// # Concurrency Model
//
//  1. WALKER GOROUTINES (fan-out)
//     - One goroutine spawned per directory discovered
//     - Concurrency limited by semaphore (walkerSem)
//     - Each walker: acquires semaphore → lists directory → releases semaphore → spawns child walkers
//
//  2. COLLECTOR GOROUTINE (fan-in)
//     - Single goroutine that drains resultCh into a slice
//     - Runs until resultCh is closed
//
//  3. MAIN GOROUTINE (orchestrator)
//     - Spawns initial walkers, waits for them, closes resultCh, waits for collector
//
// # Output
//
// Records refer to their directory by index into a shared DirectoryTable.
// A directory is added to the table only when it holds at least one matched
// file, so the table stays proportional to the result, not to the tree.
//
// # Filters
//
//   - size outside [MinSize, MaxSize]
//   - file name matching an ExcludeFiles glob
//   - directory name or path matching an ExcludeDirs glob
//   - directory containing KeepMarker (whole subtree)
//   - symlinks, devices, sockets and other non-regular files
//   - with OneFileSystem, directories on a different device than their root
package scanner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ivoronin/dupelink/internal/logger"
	"github.com/ivoronin/dupelink/internal/progress"
	"github.com/ivoronin/dupelink/internal/screener"
	"github.com/ivoronin/dupelink/internal/types"
)

// Scanner discovers files matching filter criteria using parallel directory traversal.
//
// The scanner is designed for single-use: create with New(), call Run() once.
type Scanner struct {
	// Config (immutable, set by New)
	opts Options
	log  *logrus.Entry

	// Runtime (initialized in Run)
	ctx       context.Context
	walkerWg  sync.WaitGroup         // Tracks in-flight walker goroutines
	walkerSem types.Semaphore        // Limits concurrent directory reads
	resultCh  chan []types.FileRecord // Fan-in channel: walkers → collector
	dirs      *types.DirectoryTable  // Directories with matched files
	stats     *stats                 // Atomic counters for progress tracking
	bar       *progress.Bar          // Progress display (thread-safe)
}

// New creates a Scanner for discovering files.
func New(opts Options) *Scanner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Scanner{opts: opts, log: logger.GetLogger("scanner")}
}

// stats tracks scanning progress using atomic counters for lock-free updates.
//
// Individual reads may not see a perfectly consistent view across counters,
// which is acceptable for progress display.
type stats struct {
	scannedFiles atomic.Int64
	matchedFiles atomic.Int64
	scannedBytes atomic.Int64
	matchedBytes atomic.Int64
	directories  atomic.Int64
	keptDirs     atomic.Int64
	startTime    time.Time
}

func (s *stats) snapshot() Stats {
	return Stats{
		ScannedFiles: s.scannedFiles.Load(),
		ScannedBytes: s.scannedBytes.Load(),
		MatchedFiles: s.matchedFiles.Load(),
		MatchedBytes: s.matchedBytes.Load(),
		Directories:  s.directories.Load(),
		KeptDirs:     s.keptDirs.Load(),
		Elapsed:      time.Since(s.startTime),
	}
}

func (s *stats) String() string { return s.snapshot().String() }

// Stats returns the scan counters. Valid after Run.
func (s *Scanner) Stats() Stats {
	if s.stats == nil {
		return Stats{}
	}
	return s.stats.snapshot()
}

// Run executes the scan and returns matching files with their directory table.
//
// Coordination sequence:
//  1. Start collector goroutine (drains resultCh → results slice)
//  2. Spawn walker for each root path (fan-out begins)
//  3. Wait for all walkers to complete (walkerWg.Wait)
//  4. Close resultCh to signal collector to finish
//  5. Wait for collector to drain remaining items
//
// Cancelling ctx stops walkers from opening further directories; the partial
// result is returned together with ctx.Err().
func (s *Scanner) Run(ctx context.Context) ([]types.FileRecord, *types.DirectoryTable, error) {
	s.ctx = ctx
	s.walkerSem = types.NewSemaphore(s.opts.Workers)
	s.dirs = types.NewDirectoryTable()
	s.stats = &stats{startTime: time.Now()}
	s.bar = progress.NewSpinner(s.opts.ShowProgress, s.stats)
	s.resultCh = make(chan []types.FileRecord, 100)

	var results []types.FileRecord
	collectorDone := make(chan struct{})
	go func() {
		for batch := range s.resultCh {
			results = append(results, batch...)
		}
		close(collectorDone)
	}()

	for _, root := range rootPaths(s.opts.Paths, s.sendError) {
		var rootDev uint64
		if s.opts.OneFileSystem {
			dev, err := deviceOf(root)
			if err != nil {
				s.sendError(err)
				continue
			}
			rootDev = dev
		}
		s.walkDirectory(root, rootDev)
	}

	s.walkerWg.Wait()
	close(s.resultCh)
	<-collectorDone

	s.bar.Finish()
	return results, s.dirs, ctx.Err()
}

// rootPaths makes paths absolute and drops duplicates and paths nested in
// another root, so no file is reported twice.
func rootPaths(paths []string, onError func(error)) []string {
	var abs []string
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			onError(err)
			continue
		}
		abs = append(abs, a)
	}

	var roots []string
	for i, a := range abs {
		covered := false
		for j, b := range abs {
			if i == j {
				continue
			}
			if isWithin(a, b) && (a != b || j < i) {
				covered = true
				break
			}
		}
		if !covered {
			roots = append(roots, a)
		}
	}
	return roots
}

// isWithin reports whether path equals dir or lies below it.
func isWithin(path, dir string) bool {
	if path == dir {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator))
}

func deviceOf(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("%s: no device information", path)
	}
	return uint64(stat.Dev), nil //nolint:unconvert // platform-dependent type
}

// walkDirectory spawns a goroutine to process one directory and recursively spawn children.
//
// Semaphore pattern:
//   - walkerWg.Add(1) BEFORE goroutine spawn (prevents race with Wait)
//   - acquire semaphore at goroutine start (blocks if at concurrency limit)
//   - release semaphore AFTER listing but BEFORE spawning children
func (s *Scanner) walkDirectory(dir string, rootDev uint64) {
	s.walkerWg.Add(1)
	go func() {
		defer s.walkerWg.Done()

		if s.ctx.Err() != nil {
			return
		}

		s.walkerSem.Acquire()
		listing, err := s.listDirectory(dir, rootDev)
		s.walkerSem.Release()
		if err != nil {
			s.sendError(err)
			return
		}
		if listing.kept {
			s.stats.keptDirs.Add(1)
			s.log.Infof("Skipping %s: contains %s", dir, KeepMarker)
			return
		}

		s.emit(dir, listing.files)
		s.bar.Refresh()

		for _, sub := range listing.subdirs {
			s.walkDirectory(sub, rootDev)
		}
	}()
}

// emit filters files and sends the survivors to the collector.
func (s *Scanner) emit(dir string, files []candidate) {
	var batch []types.FileRecord
	for _, f := range files {
		s.stats.scannedFiles.Add(1)
		s.stats.scannedBytes.Add(f.size)
		if !s.matches(f) {
			continue
		}
		batch = append(batch, types.FileRecord{ID: f.id, Size: f.size, Name: f.name})
		s.stats.matchedFiles.Add(1)
		s.stats.matchedBytes.Add(f.size)
	}
	if len(batch) == 0 {
		return
	}

	idx := s.dirs.Add(dir)
	for i := range batch {
		batch[i].Dir = idx
	}
	s.stats.directories.Add(1)
	s.resultCh <- batch
}

func (s *Scanner) matches(f candidate) bool {
	if f.size < s.opts.MinSize {
		return false
	}
	if s.opts.MaxSize > 0 && f.size > s.opts.MaxSize {
		return false
	}
	return !matchAny(s.opts.ExcludeFiles, f.name)
}

// candidate is a regular file found in a directory listing.
type candidate struct {
	name string
	size int64
	id   types.Identity
}

// listing is the filtered content of one directory.
type listing struct {
	files   []candidate
	subdirs []string
	kept    bool // KeepMarker present
}

// listDirectory reads a single directory, returning files and subdirectories.
//
// Uses batched ReadDir (1000 entries per batch) to handle large directories efficiently.
// This is the ONLY place where directory I/O occurs - protected by walkerSem.
func (s *Scanner) listDirectory(dirPath string, rootDev uint64) (listing, error) {
	var l listing

	dir, err := os.Open(dirPath)
	if err != nil {
		return l, err
	}
	defer func() { _ = dir.Close() }()

	const batchSize = 1000
	for {
		entries, err := dir.ReadDir(batchSize)
		if len(entries) == 0 {
			if err != nil && err != io.EOF {
				return l, err
			}
			break
		}

		for _, entry := range entries {
			if entry.Name() == KeepMarker {
				return listing{kept: true}, nil
			}
			s.processEntry(dirPath, rootDev, entry, &l)
		}
	}

	return l, nil
}

// processEntry classifies a single directory entry into l.
// Symlinks, devices, excluded directories and unreadable entries are skipped.
func (s *Scanner) processEntry(dirPath string, rootDev uint64, entry os.DirEntry, l *listing) {
	fullPath := filepath.Join(dirPath, entry.Name())

	if entry.IsDir() {
		if matchAny(s.opts.ExcludeDirs, entry.Name()) || matchAny(s.opts.ExcludeDirs, fullPath) {
			return
		}
		if s.opts.OneFileSystem {
			info, err := entry.Info()
			if err != nil {
				s.sendError(err)
				return
			}
			if stat, ok := info.Sys().(*syscall.Stat_t); ok && uint64(stat.Dev) != rootDev { //nolint:unconvert // platform-dependent type
				s.log.Debugf("Not crossing into %s: different filesystem", fullPath)
				return
			}
		}
		l.subdirs = append(l.subdirs, fullPath)
		return
	}

	if !entry.Type().IsRegular() {
		return
	}

	// Info() may trigger additional stat call (platform-dependent)
	info, err := entry.Info()
	if err != nil {
		return // Skip files we can't stat (race condition, permissions)
	}

	// A stat without inode data leaves the identity for lazy resolution
	id, _ := screener.IdentityOf(info, s.opts.TrustDeviceBoundaries)
	l.files = append(l.files, candidate{name: entry.Name(), size: info.Size(), id: id})
}

// sendError sends an error to the errors channel if it's not nil.
func (s *Scanner) sendError(err error) {
	if s.opts.ErrCh != nil {
		s.opts.ErrCh <- err
	}
}

// matchAny checks if name matches any glob pattern.
func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}
