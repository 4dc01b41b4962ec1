//go:build unix && !e2e

package testfs

import (
	"errors"
	"path/filepath"
	"testing"
)

// Harness builds a FileTree below t.TempDir() for integration tests.
//
// All volumes share one filesystem, so cross-device links and inode twins
// are only available with the E2E Harness.
//
//	h := testfs.New(t, given)
//	records, dirs, err := scanner.New(scanner.Options{Paths: []string{h.Path("/data")}}).Run(ctx)
//	// resolve and link
//	h.Assert(then)
type Harness struct {
	t    *testing.T
	root string
}

// New sows given into a fresh temporary directory. A tree with inode twins
// skips the test.
func New(t *testing.T, given FileTree) *Harness {
	t.Helper()

	h := &Harness{t: t, root: t.TempDir()}
	if err := SowFileTree(h.root, given); err != nil {
		if errors.Is(err, ErrInodeUnavailable) {
			t.Skipf("inode twins need separate filesystems: %v", err)
		}
		t.Fatalf("sow: %v", err)
	}
	return h
}

// Root returns the temporary directory holding every volume.
func (h *Harness) Root() string {
	return h.root
}

// Path returns the real location of a fixture path, e.g. h.Path("/data", "a.bin").
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.root}, elem...)...)
}

// Assert checks every volume of expected against the disk.
func (h *Harness) Assert(expected FileTree) {
	h.t.Helper()

	mounts := make([]string, len(expected.Volumes))
	for i, vol := range expected.Volumes {
		mounts[i] = vol.MountPoint
	}
	actual, err := ReapPaths(h.root, mounts)
	if err != nil {
		h.t.Fatalf("reap: %v", err)
	}
	for i, vol := range expected.Volumes {
		AssertVolume(h.t, vol, actual.Volumes[i])
	}
}
