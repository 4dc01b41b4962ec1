//go:build unix

package testfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// ErrInodeUnavailable is returned when an inode twin cannot be created
// because the volume will not hand out the wanted inode number.
var ErrInodeUnavailable = errors.New("inode number unavailable")

// maxTwinAttempts bounds the spare files created while looking for a twin.
const maxTwinAttempts = 1024

// SowFileTree creates the files, links, keep markers and symlinks of tree.
//
// Volumes are created below root. With root "/" (E2E) every mount point is
// used as is; with a temporary directory (integration) mount points become
// subdirectories of it. Inode twins are created last, once every file they
// copy a number from exists.
func SowFileTree(root string, tree FileTree) error {
	s := sower{root: root}
	for _, vol := range tree.Volumes {
		if err := s.volume(vol); err != nil {
			return fmt.Errorf("sow volume %s: %w", vol.MountPoint, err)
		}
	}
	for _, vol := range tree.Volumes {
		for _, f := range vol.Files {
			if f.InodeOf == "" || len(f.Path) == 0 {
				continue
			}
			if err := s.twin(vol.MountPoint, f); err != nil {
				return fmt.Errorf("sow volume %s: %w", vol.MountPoint, err)
			}
		}
	}
	return nil
}

// SowFromReader decodes a FileTree from r and sows it under root.
func SowFromReader(r io.Reader, root string) error {
	var tree FileTree
	if err := json.NewDecoder(r).Decode(&tree); err != nil {
		return fmt.Errorf("decode file tree: %w", err)
	}
	return SowFileTree(root, tree)
}

type sower struct {
	root string
}

// path maps a fixture path onto the real filesystem.
func (s sower) path(mountPoint string, rel ...string) string {
	base := mountPoint
	if s.root != "" && s.root != "/" {
		base = filepath.Join(s.root, mountPoint)
	}
	return filepath.Join(append([]string{base}, rel...)...)
}

func (s sower) volume(vol Volume) error {
	if err := os.MkdirAll(s.path(vol.MountPoint), 0o755); err != nil {
		return err
	}

	for _, f := range vol.Files {
		if f.InodeOf != "" || len(f.Path) == 0 {
			continue
		}
		first := s.path(vol.MountPoint, f.Path[0])
		if err := writeFile(first, f.Chunks); err != nil {
			return fmt.Errorf("create %s: %w", f.Path[0], err)
		}
		if err := s.links(vol.MountPoint, first, f.Path[1:]); err != nil {
			return err
		}
	}

	for _, dir := range vol.Keep {
		if err := writeFile(s.path(vol.MountPoint, dir, KeepMarker), nil); err != nil {
			return fmt.Errorf("keep marker in %s: %w", dir, err)
		}
	}

	for _, sym := range vol.Symlinks {
		link := s.path(vol.MountPoint, sym.Path)
		if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
			return err
		}
		if err := os.Symlink(sym.Target, link); err != nil {
			return fmt.Errorf("symlink %s: %w", sym.Path, err)
		}
	}
	return nil
}

// links names first under every path in rest.
func (s sower) links(mountPoint, first string, rest []string) error {
	for _, p := range rest {
		link := s.path(mountPoint, p)
		if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
			return err
		}
		if err := os.Link(first, link); err != nil {
			return fmt.Errorf("hardlink %s: %w", p, err)
		}
	}
	return nil
}

// twin creates f with the inode number of f.InodeOf. Spare files are written
// until the volume allocates the wanted number; a counter that has already
// passed it cannot go back.
func (s sower) twin(mountPoint string, f File) error {
	want, err := inodeNumber(s.path(f.InodeOf))
	if err != nil {
		return fmt.Errorf("twin of %s: %w", f.InodeOf, err)
	}
	target := s.path(mountPoint, f.Path[0])
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	var spares []string
	defer func() {
		for _, p := range spares {
			_ = os.Remove(p)
		}
	}()

	for i := 0; i < maxTwinAttempts; i++ {
		candidate := fmt.Sprintf("%s.twin%d", target, i)
		if err := writeFile(candidate, f.Chunks); err != nil {
			return fmt.Errorf("create %s: %w", f.Path[0], err)
		}
		ino, err := inodeNumber(candidate)
		if err != nil {
			spares = append(spares, candidate)
			return err
		}
		if ino == want {
			if err := os.Rename(candidate, target); err != nil {
				spares = append(spares, candidate)
				return err
			}
			return s.links(mountPoint, target, f.Path[1:])
		}
		spares = append(spares, candidate)
		if ino > want {
			break
		}
	}
	return fmt.Errorf("%w: %s needs inode %d", ErrInodeUnavailable, f.Path[0], want)
}

// writeFile creates path (and its parents) filled from chunks.
func writeFile(path string, chunks []Chunk) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for _, c := range chunks {
		n, err := c.size()
		if err != nil {
			return err
		}
		if err := fill(f, byte(c.Pattern), n); err != nil {
			return err
		}
	}
	return nil
}

func inodeNumber(path string) (uint64, error) {
	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return 0, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	return st.Ino, nil
}
