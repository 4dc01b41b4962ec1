// Package testfs builds filesystem fixtures for dupelink tests and checks
// the state left behind by a run.
//
// Two harnesses share one fixture format:
//   - Integration tests: Harness creates volumes as directories under t.TempDir()
//   - E2E tests (build tag e2e): Harness starts a container where every volume
//     is its own tmpfs mount, so links between volumes fail with EXDEV
//
// # FileTree
//
// A FileTree describes a set of volumes. The same type is used as the "given"
// fixture and as the "then" expectation:
//
//	given := testfs.FileTree{
//	    Volumes: []testfs.Volume{
//	        {
//	            MountPoint: "/data",
//	            Files: []testfs.File{
//	                {Path: []string{"a.bin"}, Chunks: []testfs.Chunk{{Pattern: 'A', Size: "1MiB"}}},
//	                {Path: []string{"photos/a.bin"}, Chunks: []testfs.Chunk{{Pattern: 'A', Size: "1MiB"}}},
//	                {Path: []string{"keep/a.bin"}, Chunks: []testfs.Chunk{{Pattern: 'A', Size: "1MiB"}}},
//	            },
//	            Keep: []string{"keep"},
//	        },
//	    },
//	}
//	then := testfs.FileTree{
//	    Volumes: []testfs.Volume{
//	        {
//	            MountPoint: "/data",
//	            Files: []testfs.File{
//	                {Path: []string{"a.bin", "photos/a.bin"}, Chunks: []testfs.Chunk{{Pattern: 'A', Size: "1MiB"}}},
//	                {Path: []string{"keep/a.bin"}},
//	            },
//	        },
//	    },
//	}
//
// Subdirectories are created from file paths (mkdir -p semantics).
// Paths are relative to the volume mount point.
//
// # Inode Twins
//
// File.InodeOf names a file on another volume, e.g. "/vol1/a.bin". Setup
// then creates the file so that it carries the same inode number on its own
// device. Such twins look like one file to an identity built from the inode
// number alone. Only separate filesystems (E2E tmpfs volumes) can hold
// twins; elsewhere setup fails with ErrInodeUnavailable.
//
// # Field Usage
//
//	| Field          | Setup                 | Verification                     |
//	|----------------|-----------------------|----------------------------------|
//	| Volumes        | Creates mounts        | Scope for assertions             |
//	| File.Path      | Create file and links | Assert same inode                |
//	| File.Chunks    | Generate content      | Assert content digest, if set    |
//	| File.InodeOf   | Reuse an inode number | Ignored                          |
//	| Keep           | Drop keep markers     | Ignored                          |
//	| Symlink.Path   | Create symlink        | Assert is symlink                |
//	| Symlink.Target | Symlink target        | Assert symlink target            |
//	| ExitCode       | Ignored               | Assert matches                   |
package testfs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"
)

// KeepMarker is the marker file name dropped into every Volume.Keep directory.
const KeepMarker = ".keep_duplicates"

// -----------------------------------------------------------------------------
// FileTree Types
// -----------------------------------------------------------------------------

// FileTree describes a filesystem state (used for both setup and verification).
type FileTree struct {
	Volumes []Volume `json:"volumes"`

	// ExitCode expected from the dupelink binary (E2E verification only).
	ExitCode int `json:"-"`
}

// Volume is a separate filesystem in E2E mode and a plain directory in
// integration mode.
type Volume struct {
	// MountPoint is the absolute path of the volume, e.g. "/data" or "/vol1".
	// Nested mounts ("/data/subdir" inside "/data") are supported.
	MountPoint string `json:"mountPoint"`

	Files    []File    `json:"files,omitempty"`
	Symlinks []Symlink `json:"symlinks,omitempty"`

	// Keep lists directories (relative to the volume) that receive a
	// KeepMarker file during setup.
	Keep []string `json:"keep,omitempty"`
}

// File is a regular file, possibly with hardlinks.
//
// Setup creates Path[0] from Chunks and hardlinks Path[1:] to it.
// Verification requires every path to exist on one inode and, when Chunks
// is set, the inode to hold exactly that content.
type File struct {
	Path   []string `json:"path"`
	Chunks []Chunk  `json:"chunks,omitempty"`

	// InodeOf is the fixture path (mount point included) of a file whose
	// inode number this file must reuse. Setup only.
	InodeOf string `json:"inodeOf,omitempty"`
}

// Chunk is a region of file content filled with one pattern byte.
type Chunk struct {
	Pattern rune `json:"pattern"`

	// Size in IEC units: "100", "4KiB", "1MiB".
	Size string `json:"size"`
}

// size parses the chunk size.
func (c Chunk) size() (int64, error) {
	n, err := humanize.ParseBytes(c.Size)
	if err != nil {
		return 0, fmt.Errorf("parse chunk size %q: %w", c.Size, err)
	}
	return int64(n), nil
}

// TotalSize calculates the sum of all chunk sizes in bytes.
func (f *File) TotalSize() int64 {
	var total int64
	for _, c := range f.Chunks {
		n, _ := c.size()
		total += n
	}
	return total
}

// Digest returns the hex BLAKE3 digest of the content described by Chunks.
// It matches ReapFile.Digest for a file written from the same chunks.
func (f *File) Digest() (string, error) {
	h := blake3.New()
	for _, c := range f.Chunks {
		n, err := c.size()
		if err != nil {
			return "", err
		}
		if err := fill(h, byte(c.Pattern), n); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// Symlink is a symbolic link. The scanner never follows symlinks, so a
// fixture symlink must survive a run unchanged.
type Symlink struct {
	Path   string `json:"path"`   // Relative to the volume mount point
	Target string `json:"target"` // Stored verbatim
}

// -----------------------------------------------------------------------------
// Execution Result Types
// -----------------------------------------------------------------------------

// RunResult captures one execution of the dupelink binary.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// -----------------------------------------------------------------------------
// Reap Types (observed filesystem state)
// -----------------------------------------------------------------------------

// ReapResult is the output format of the testfs-helper reap command.
type ReapResult struct {
	Volumes []ReapVolume `json:"volumes"`
}

// ReapVolume is the observed state of one volume.
type ReapVolume struct {
	Name     string        `json:"name"`               // Mount point path (e.g., "/data")
	Files    []ReapFile    `json:"files,omitempty"`    // Regular files grouped by inode
	Symlinks []ReapSymlink `json:"symlinks,omitempty"` // Symbolic links
}

// ReapFile is one inode and every path that names it.
type ReapFile struct {
	Path   []string `json:"path"`
	Dev    uint64   `json:"dev"`
	Inode  uint64   `json:"inode"`
	Nlink  uint64   `json:"nlink"`
	Size   int64    `json:"size"`
	Digest string   `json:"digest"` // Hex BLAKE3 of the content
}

// fileKey identifies an inode, also across nested mounts.
type fileKey struct{ dev, ino uint64 }

// ReapSymlink contains symlink metadata.
type ReapSymlink struct {
	Path   string `json:"path"`
	Target string `json:"target"`
}

// fill writes n copies of pattern to w in bounded blocks.
func fill(w io.Writer, pattern byte, n int64) error {
	const maxBufSize = 1 << 20

	buf := bytes.Repeat([]byte{pattern}, int(min(n, maxBufSize)))
	for n > 0 {
		k := min(n, int64(len(buf)))
		if _, err := w.Write(buf[:k]); err != nil {
			return err
		}
		n -= k
	}
	return nil
}
