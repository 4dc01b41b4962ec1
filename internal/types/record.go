// Package types provides shared types used across the dupelink codebase.
package types

import (
	"cmp"
	"fmt"
	"path/filepath"
	"sync"
)

// FileRecord is one discovered file that passed the scanner's filters.
//
// Records are small on purpose: a run over millions of files keeps all of
// them in a single slice for the whole program lifetime.
type FileRecord struct {
	Dir  int      // Index into DirectoryTable
	ID   Identity // Physical file identity (may be resolved lazily)
	Size int64    // Immutable for the run
	Name string   // Base name within Dir
}

func (r FileRecord) String() string {
	return fmt.Sprintf("%s [dir %d] %d bytes %s", r.Name, r.Dir, r.Size, r.ID)
}

// DirectoryTable is an append-only list of directory paths referenced by
// FileRecord.Dir. Indices never change once assigned.
type DirectoryTable struct {
	mu    sync.RWMutex
	paths []string
}

// NewDirectoryTable creates a table pre-populated with paths.
func NewDirectoryTable(paths ...string) *DirectoryTable {
	return &DirectoryTable{paths: append([]string(nil), paths...)}
}

// Add appends a directory and returns its index. Safe for concurrent use.
func (t *DirectoryTable) Add(path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths = append(t.paths, path)
	return len(t.paths) - 1
}

// Path returns the directory stored at index i.
func (t *DirectoryTable) Path(i int) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.paths[i]
}

// Len returns the number of directories.
func (t *DirectoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.paths)
}

// Paths returns a copy of all directories in index order.
func (t *DirectoryTable) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.paths...)
}

// Join returns the full path of a record.
func (t *DirectoryTable) Join(r *FileRecord) string {
	return filepath.Join(t.Path(r.Dir), r.Name)
}

// identityState distinguishes "not looked up yet" from "lookup failed".
type identityState uint8

const (
	identityUnresolved identityState = iota
	identityResolved
	identityFailed
)

// Identity is a token that is equal for two records if and only if they
// refer to the same physical file. The zero value is unresolved.
type Identity struct {
	state identityState
	Dev   uint64
	Ino   uint64
}

// ResolvedIdentity returns a known identity.
func ResolvedIdentity(dev, ino uint64) Identity {
	return Identity{state: identityResolved, Dev: dev, Ino: ino}
}

// FailedIdentity returns an identity that could not be determined.
func FailedIdentity() Identity {
	return Identity{state: identityFailed}
}

// Resolved reports whether the identity holds a usable token.
func (id Identity) Resolved() bool { return id.state == identityResolved }

// Failed reports whether identity lookup was attempted and failed.
func (id Identity) Failed() bool { return id.state == identityFailed }

// Pending reports whether the identity has not been looked up yet.
func (id Identity) Pending() bool { return id.state == identityUnresolved }

// Same reports whether both identities are resolved and name one file.
// Failed identities are never the same as anything, including each other.
func (id Identity) Same(other Identity) bool {
	return id.Resolved() && other.Resolved() && id.Dev == other.Dev && id.Ino == other.Ino
}

// Compare orders failed and pending identities before resolved ones,
// and resolved identities by (Dev, Ino).
func (id Identity) Compare(other Identity) int {
	if id.Resolved() != other.Resolved() {
		if id.Resolved() {
			return 1
		}
		return -1
	}
	if !id.Resolved() {
		return 0
	}
	if c := cmp.Compare(id.Dev, other.Dev); c != 0 {
		return c
	}
	return cmp.Compare(id.Ino, other.Ino)
}

func (id Identity) String() string {
	switch id.state {
	case identityResolved:
		return fmt.Sprintf("%d:%d", id.Dev, id.Ino)
	case identityFailed:
		return "failed"
	default:
		return "unresolved"
	}
}

// LinkStatus is the outcome of replacing a duplicate with a hard link.
type LinkStatus uint8

const (
	LinkPlanned LinkStatus = iota // dry run, nothing touched
	LinkCreated
	LinkFailed
)

func (s LinkStatus) String() string {
	switch s {
	case LinkCreated:
		return "linked"
	case LinkFailed:
		return "failed"
	default:
		return "planned"
	}
}

// Duplicate describes one file found identical to a surviving copy.
type Duplicate struct {
	Path     string // File replaced (or to be replaced) by a link
	Survivor string // File whose data is kept
	Size     int64
	Status   LinkStatus
}

// Semaphore implements a counting semaphore using a buffered channel.
// It limits concurrent access to a resource by blocking when the limit is reached.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
