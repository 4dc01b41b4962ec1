package testfs

import "testing"

// AssertVolume fails t for every difference between expected and actual: a
// missing path, paths of one File on different inodes, two Files on one
// inode, content other than Chunks, or a symlink with another target.
// Paths present on disk but absent from expected are ignored.
func AssertVolume(t *testing.T, expected Volume, actual ReapVolume) {
	t.Helper()
	AssertFiles(t, expected.Files, actual.Files)
	AssertSymlinks(t, expected.Symlinks, actual.Symlinks)
}

// AssertFiles checks the link structure and content of expected files.
func AssertFiles(t *testing.T, expected []File, actual []ReapFile) {
	t.Helper()

	byPath := make(map[string]ReapFile)
	for _, rf := range actual {
		for _, p := range rf.Path {
			byPath[p] = rf
		}
	}

	claimed := make(map[fileKey]int) // inode -> index of the File naming it
	for i, f := range expected {
		if len(f.Path) == 0 {
			continue
		}
		rf, ok := checkLinked(t, f.Path, byPath)
		if !ok {
			continue
		}
		key := fileKey{dev: rf.Dev, ino: rf.Inode}
		if j, taken := claimed[key]; taken {
			t.Errorf("%v and %v share inode %d", expected[j].Path, f.Path, rf.Inode)
		} else {
			claimed[key] = i
		}
		if len(f.Chunks) > 0 {
			checkContent(t, f, rf)
		}
	}
}

// AssertSymlinks checks that every expected symlink exists with its target.
func AssertSymlinks(t *testing.T, expected []Symlink, actual []ReapSymlink) {
	t.Helper()

	targets := make(map[string]string, len(actual))
	for _, s := range actual {
		targets[s.Path] = s.Target
	}
	for _, want := range expected {
		got, ok := targets[want.Path]
		switch {
		case !ok:
			t.Errorf("missing symlink %s", want.Path)
		case got != want.Target:
			t.Errorf("symlink %s -> %q, want %q", want.Path, got, want.Target)
		}
	}
}

// checkLinked reports paths that are missing or not links to the first one,
// and returns the inode of the first path.
func checkLinked(t *testing.T, paths []string, byPath map[string]ReapFile) (ReapFile, bool) {
	t.Helper()

	first, ok := byPath[paths[0]]
	if !ok {
		t.Errorf("missing file %s", paths[0])
		return ReapFile{}, false
	}
	for _, p := range paths[1:] {
		rf, ok := byPath[p]
		switch {
		case !ok:
			t.Errorf("missing file %s", p)
		case rf.Dev != first.Dev || rf.Inode != first.Inode:
			t.Errorf("%s (inode %d) is not a link to %s (inode %d)", p, rf.Inode, paths[0], first.Inode)
		}
	}
	return first, true
}

// checkContent compares an inode with the bytes described by f.Chunks.
func checkContent(t *testing.T, f File, rf ReapFile) {
	t.Helper()

	if size := f.TotalSize(); size != rf.Size {
		t.Errorf("%s: size %d, want %d", f.Path[0], rf.Size, size)
		return
	}
	want, err := f.Digest()
	if err != nil {
		t.Errorf("%s: %v", f.Path[0], err)
		return
	}
	if rf.Digest != want {
		t.Errorf("%s: content digest %s, want %s", f.Path[0], rf.Digest, want)
	}
}
