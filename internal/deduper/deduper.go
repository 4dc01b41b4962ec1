// Package deduper turns confirmed duplicates into hard links.
//
// # Overview
//
// The deduper is the final stage of the pipeline. The resolver decides which
// file survives and calls Link once per absorbed file; the deduper performs
// the filesystem change.
//
// # Processing Pipeline
//
//	Link(source, target)
//	    │
//	    ├──► Open target, take non-blocking exclusive flock (skip if busy)
//	    │
//	    ├──► Verify target is still a regular file
//	    │
//	    └──► CreateHardlink: link to temp name, rename over target
//
// # Safety Mechanisms
//
//   - Atomic replacement via rename (target never disappears)
//   - Advisory lock skips files another process is working on
//   - Orphaned temp files are only removed when provably redundant
//
// Dry runs never construct a Deduper: the resolver reports duplicates
// without a linker.
package deduper

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ivoronin/dupelink/internal/logger"
)

// ErrBusy is returned when another process holds a lock on the target.
var ErrBusy = errors.New("file in use (locked by another process)")

// Deduper replaces targets with hard links to their survivors.
// It is safe for concurrent use by the resolver's bucket workers.
type Deduper struct {
	verbose bool      // Print each replacement
	out     io.Writer // Destination of verbose lines
	log     *logrus.Entry

	mu      sync.Mutex // Serialises verbose output
	created atomic.Int64
	skipped atomic.Int64
}

// New creates a Deduper. When verbose is set each successful replacement
// is written to out.
func New(verbose bool, out io.Writer) *Deduper {
	if out == nil {
		out = os.Stdout
	}
	return &Deduper{
		verbose: verbose,
		out:     out,
		log:     logger.GetLogger("deduper"),
	}
}

// Link replaces target with a hard link to source.
func (d *Deduper) Link(source, target string) error {
	result := d.dedupeFile(source, target)
	if result.Err != nil {
		d.skipped.Add(1)
		d.log.Debug(result.String())
		return fmt.Errorf("%s: %w", target, result.Err)
	}

	d.created.Add(1)
	d.log.Trace(result.String())
	if d.verbose {
		d.mu.Lock()
		logger.ClearLine()
		_, _ = fmt.Fprintln(d.out, result)
		d.mu.Unlock()
	}
	return nil
}

// Created returns the number of links made so far.
func (d *Deduper) Created() int64 { return d.created.Load() }

// Skipped returns the number of targets left untouched because of an error.
func (d *Deduper) Skipped() int64 { return d.skipped.Load() }

// dedupeFile replaces target with a link to source.
//
// Safety checks:
//   - Acquires exclusive advisory lock on target (skips if file in use)
//   - Verifies target is still a regular file
func (d *Deduper) dedupeFile(source, target string) *DedupeResult {
	skip := func(err error) *DedupeResult {
		return &DedupeResult{Source: source, Target: target, Action: ActionSkipped, Err: err}
	}

	// Open target file to acquire advisory lock.
	f, err := os.Open(target)
	if err != nil {
		return skip(err)
	}
	defer func() { _ = f.Close() }()

	// Lock released automatically when file is closed (deferred above)
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return skip(ErrBusy)
	}

	info, err := f.Stat()
	if err != nil {
		return skip(err)
	}
	if !info.Mode().IsRegular() {
		return skip(fmt.Errorf("not a regular file (mode %v)", info.Mode()))
	}

	if err := CreateHardlink(source, target); err != nil {
		return skip(err)
	}
	return &DedupeResult{Source: source, Target: target, Action: ActionHardlink}
}
