// Package screener partitions scanned files into size buckets and, within a
// bucket, into runs of files that are already hard-linked together.
//
// # Overview
//
// The screener is the metadata-only stage of duplicate detection. It never
// reads file contents; it only orders records and finds boundaries.
//
// # Processing Pipeline
//
//	Input: []types.FileRecord (all scanned files)
//	    │
//	    ├──► SortBySize: one in-place sort of the whole sequence
//	    │
//	    ├──► NextBucket: find [start, end) of equal size
//	    │
//	    └──► GroupRuns(bucket):
//	             ├──► resolve pending identities (memoized on the record)
//	             ├──► sort bucket by identity (failed lookups first)
//	             ├──► drop failed prefix (never eligible)
//	             └──► split into runs of equal identity
//
// # Why This Design?
//
//   - Sorting keeps everything in one flat slice; no per-bucket maps
//   - Buckets and runs are index ranges, never copied
//   - Identity lookup is deferred until a file actually shares its size
package screener

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"syscall"

	"github.com/ivoronin/dupelink/internal/types"
)

// Run is a maximal range of a bucket whose members share one identity.
// First is relative to the start of the bucket.
type Run struct {
	First int
	Len   int
}

// Grouping is the result of splitting one bucket into runs.
type Grouping struct {
	Runs   []Run // Ordered by identity
	Failed int   // Members whose identity could not be determined
}

// Eligible returns the number of members that belong to some run.
func (g Grouping) Eligible() int {
	n := 0
	for _, r := range g.Runs {
		n += r.Len
	}
	return n
}

// IdentityFunc looks up the identity of the file at path.
type IdentityFunc func(path string) (types.Identity, error)

// SortBySize sorts records by ascending size.
func SortBySize(records []types.FileRecord) {
	slices.SortFunc(records, func(a, b types.FileRecord) int {
		return cmp.Compare(a.Size, b.Size)
	})
}

// NextBucket returns the end of the equal-size range starting at start.
// records must be sorted by size.
func NextBucket(records []types.FileRecord, start int) int {
	end := start + 1
	for end < len(records) && records[end].Size == records[start].Size {
		end++
	}
	return end
}

// GroupRuns splits a same-size bucket into runs of equal identity.
//
// Pending identities are resolved through resolve and stored on the record,
// so a record is looked up at most once. Records whose identity fails to
// resolve are moved to the front of the bucket and excluded from all runs.
// onError, if not nil, receives each resolution failure.
func GroupRuns(bucket []types.FileRecord, dirs *types.DirectoryTable, resolve IdentityFunc, onError func(error)) Grouping {
	for i := range bucket {
		rec := &bucket[i]
		if !rec.ID.Pending() {
			continue
		}
		if resolve == nil {
			rec.ID = types.FailedIdentity()
			continue
		}
		path := dirs.Join(rec)
		id, err := resolve(path)
		if err != nil {
			rec.ID = types.FailedIdentity()
			if onError != nil {
				onError(fmt.Errorf("%s: identity: %w", path, err))
			}
			continue
		}
		rec.ID = id
	}

	slices.SortFunc(bucket, func(a, b types.FileRecord) int {
		return a.ID.Compare(b.ID)
	})

	var g Grouping
	start := 0
	for start < len(bucket) && !bucket[start].ID.Resolved() {
		start++
	}
	g.Failed = start

	for i := start; i < len(bucket); {
		j := i + 1
		for j < len(bucket) && bucket[j].ID.Same(bucket[i].ID) {
			j++
		}
		g.Runs = append(g.Runs, Run{First: i, Len: j - i})
		i = j
	}
	return g
}

// StatIdentity returns an IdentityFunc backed by lstat.
//
// The trustDeviceBoundaries parameter controls the token:
//   - false (default): inode only. Safe for NFS where the same file can
//     appear with different device IDs across mount points.
//   - true: (device, inode). Assumes each device has an independent inode
//     space. Unsafe if one filesystem is mounted at several paths.
func StatIdentity(trustDeviceBoundaries bool) IdentityFunc {
	return func(path string) (types.Identity, error) {
		info, err := os.Lstat(path)
		if err != nil {
			return types.Identity{}, err
		}
		return IdentityOf(info, trustDeviceBoundaries)
	}
}

// IdentityOf extracts the identity token from stat results.
func IdentityOf(info os.FileInfo, trustDeviceBoundaries bool) (types.Identity, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return types.Identity{}, fmt.Errorf("%s: no inode information", info.Name())
	}
	var dev uint64
	if trustDeviceBoundaries {
		dev = uint64(stat.Dev) //nolint:unconvert // platform-dependent type
	}
	return types.ResolvedIdentity(dev, stat.Ino), nil
}
