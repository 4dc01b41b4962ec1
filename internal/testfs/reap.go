//go:build unix

package testfs

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/ivoronin/dupelink/internal/content"
)

// ReapPaths records the state of each fixture path below root, which is
// applied as in SowFileTree. Regular files are grouped by inode and
// symlinks are read, never followed.
func ReapPaths(root string, paths []string) (*ReapResult, error) {
	s := sower{root: root}
	result := &ReapResult{}
	for _, p := range paths {
		vol, err := reapVolume(s.path(p), p)
		if err != nil {
			return nil, fmt.Errorf("reap %s: %w", p, err)
		}
		result.Volumes = append(result.Volumes, vol)
	}
	return result, nil
}

// ReapToWriter writes the state of paths as indented JSON.
func ReapToWriter(w io.Writer, paths []string) error {
	result, err := ReapPaths("/", paths)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// reapVolume walks dir and reports it under name. Files keep the order in
// which their first path was seen.
func reapVolume(dir, name string) (ReapVolume, error) {
	vol := ReapVolume{Name: name}
	seen := make(map[fileKey]int) // position in vol.Files

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == dir {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			vol.Symlinks = append(vol.Symlinks, ReapSymlink{Path: rel, Target: target})

		case d.Type().IsRegular():
			var st syscall.Stat_t
			if err := syscall.Lstat(path, &st); err != nil {
				return &os.PathError{Op: "lstat", Path: path, Err: err}
			}
			key := fileKey{dev: uint64(st.Dev), ino: st.Ino} //nolint:unconvert // platform-dependent type
			if i, ok := seen[key]; ok {
				vol.Files[i].Path = append(vol.Files[i].Path, rel)
				return nil
			}
			digest, _, err := content.ContentHash(path)
			if err != nil {
				return err
			}
			seen[key] = len(vol.Files)
			vol.Files = append(vol.Files, ReapFile{
				Path:   []string{rel},
				Dev:    key.dev,
				Inode:  key.ino,
				Nlink:  uint64(st.Nlink), //nolint:unconvert // platform-dependent type
				Size:   st.Size,
				Digest: digest.String(),
			})
		}
		return nil
	})
	return vol, err
}
