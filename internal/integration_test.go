//go:build unix && !e2e

package internal

import (
	"context"
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/ivoronin/dupelink/internal/deduper"
	"github.com/ivoronin/dupelink/internal/scanner"
	"github.com/ivoronin/dupelink/internal/screener"
	"github.com/ivoronin/dupelink/internal/testfs"
	"github.com/ivoronin/dupelink/internal/types"
	"github.com/ivoronin/dupelink/internal/verifier"
)

// pipeline configures one scan-resolve-link pass over a harness.
type pipeline struct {
	roots       []string // Logical roots, "/data" by default
	minSize     int64
	maxSize     int64
	exclude     []string
	excludeDirs []string
	sampleSize  int64
	dryRun      bool
}

// result is what a pass produced.
type result struct {
	records    int
	stats      verifier.Stats
	duplicates []types.Duplicate
	errors     []error
}

// run executes scanner, verifier and deduper the way the dedupe command does.
func (p pipeline) run(t *testing.T, h *testfs.Harness) result {
	t.Helper()

	roots := p.roots
	if len(roots) == 0 {
		roots = []string{"/data"}
	}
	paths := make([]string, len(roots))
	for i, r := range roots {
		paths[i] = h.Path(r)
	}
	minSize := p.minSize
	if minSize == 0 {
		minSize = 1
	}

	errCh := make(chan error, 1024)
	dupCh := make(chan types.Duplicate, 1024)

	records, dirs, err := scanner.New(scanner.Options{
		Paths:        paths,
		MinSize:      minSize,
		MaxSize:      p.maxSize,
		ExcludeFiles: p.exclude,
		ExcludeDirs:  p.excludeDirs,
		Workers:      2,
		ErrCh:        errCh,
	}).Run(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	opts := verifier.Options{
		SampleSize:      p.sampleSize,
		Workers:         2,
		ResolveIdentity: screener.StatIdentity(false),
		ErrCh:           errCh,
		Duplicates:      dupCh,
	}
	if !p.dryRun {
		opts.Linker = deduper.New(false, io.Discard)
	}

	res := result{records: len(records)}
	res.stats, err = verifier.New(records, dirs, opts).Run(context.Background())
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	close(errCh)
	close(dupCh)
	for e := range errCh {
		res.errors = append(res.errors, e)
	}
	for d := range dupCh {
		res.duplicates = append(res.duplicates, d)
	}
	return res
}

// chunk is shorthand for a single-pattern file body.
func chunk(pattern rune, size string) []testfs.Chunk {
	return []testfs.Chunk{{Pattern: pattern, Size: size}}
}

// =============================================================================
// Section 8.1: Full Pipeline Integration Tests
// =============================================================================

// TestFullPipelineBasicDuplicates tests that two identical files end up on one inode.
func TestFullPipelineBasicDuplicates(t *testing.T) {
	h := testfs.New(t, testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.txt"}, Chunks: chunk('D', "1KiB")},
					{Path: []string{"b.txt"}, Chunks: chunk('D', "1KiB")},
				},
			},
		},
	})

	res := pipeline{}.run(t, h)

	h.Assert(testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.txt", "b.txt"}, Chunks: chunk('D', "1KiB")},
				},
			},
		},
	})
	if res.stats.NewLinks != 1 || res.stats.LinksCreated != 1 {
		t.Errorf("NewLinks=%d LinksCreated=%d, want 1/1", res.stats.NewLinks, res.stats.LinksCreated)
	}
	if res.stats.SavedBytes != 1024 {
		t.Errorf("SavedBytes = %d, want 1024", res.stats.SavedBytes)
	}
	if len(res.errors) != 0 {
		t.Errorf("unexpected errors: %v", res.errors)
	}
}

// TestFullPipelineExistingHardlinks tests that an existing link group absorbs a new copy.
func TestFullPipelineExistingHardlinks(t *testing.T) {
	h := testfs.New(t, testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.txt", "a_link.txt"}, Chunks: chunk('O', "1KiB")},
					{Path: []string{"b.txt"}, Chunks: chunk('O', "1KiB")},
				},
			},
		},
	})

	res := pipeline{}.run(t, h)

	h.Assert(testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.txt", "a_link.txt", "b.txt"}, Chunks: chunk('O', "1KiB")},
				},
			},
		},
	})
	// The longer run survives, so only b.txt is replaced
	if res.stats.NewLinks != 1 {
		t.Errorf("NewLinks = %d, want 1", res.stats.NewLinks)
	}
	if len(res.duplicates) != 1 || res.duplicates[0].Path != h.Path("/data", "b.txt") {
		t.Errorf("duplicates = %v, want only b.txt", res.duplicates)
	} else if res.duplicates[0].Status != types.LinkCreated {
		t.Errorf("status = %v, want linked", res.duplicates[0].Status)
	}
}

// TestFullPipelineMixedDuplicatesAndUnique tests several independent buckets in one pass.
func TestFullPipelineMixedDuplicatesAndUnique(t *testing.T) {
	h := testfs.New(t, testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"dup1_a.txt"}, Chunks: chunk('1', "1KiB")},
					{Path: []string{"dup1_b.txt"}, Chunks: chunk('1', "1KiB")},
					{Path: []string{"dup2_a.txt"}, Chunks: chunk('2', "2KiB")},
					{Path: []string{"sub/dup2_b.txt"}, Chunks: chunk('2', "2KiB")},
					{Path: []string{"unique.txt"}, Chunks: chunk('U', "3KiB")},
				},
			},
		},
	})

	pipeline{}.run(t, h)

	h.Assert(testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"dup1_a.txt", "dup1_b.txt"}, Chunks: chunk('1', "1KiB")},
					{Path: []string{"dup2_a.txt", "sub/dup2_b.txt"}, Chunks: chunk('2', "2KiB")},
					{Path: []string{"unique.txt"}, Chunks: chunk('U', "3KiB")},
				},
			},
		},
	})
}

// TestFullPipelineAcrossRoots tests that duplicates under different roots are linked.
func TestFullPipelineAcrossRoots(t *testing.T) {
	h := testfs.New(t, testfs.FileTree{
		Volumes: []testfs.Volume{
			{MountPoint: "/vol1", Files: []testfs.File{{Path: []string{"a.bin"}, Chunks: chunk('X', "4KiB")}}},
			{MountPoint: "/vol2", Files: []testfs.File{{Path: []string{"deep/b.bin"}, Chunks: chunk('X', "4KiB")}}},
		},
	})

	pipeline{roots: []string{"/vol1", "/vol2"}}.run(t, h)

	if !sameInode(t, h.Path("/vol1", "a.bin"), h.Path("/vol2", "deep/b.bin")) {
		t.Error("files under different roots should be hardlinked")
	}
}

// TestFullPipelineOverlappingRoots tests that a nested root does not produce duplicate records.
func TestFullPipelineOverlappingRoots(t *testing.T) {
	h := testfs.New(t, testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.txt"}, Chunks: chunk('N', "1KiB")},
					{Path: []string{"sub/b.txt"}, Chunks: chunk('N', "1KiB")},
				},
			},
		},
	})

	res := pipeline{roots: []string{"/data", "/data/sub", "/data"}}.run(t, h)

	if res.records != 2 {
		t.Errorf("records = %d, want 2", res.records)
	}
	if !sameInode(t, h.Path("/data", "a.txt"), h.Path("/data", "sub/b.txt")) {
		t.Error("files should be hardlinked")
	}
}

// =============================================================================
// Section 8.2: Filters
// =============================================================================

// TestFullPipelineMinSizeFilter tests that files below the minimum size are left alone.
func TestFullPipelineMinSizeFilter(t *testing.T) {
	h := testfs.New(t, testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"small_a.txt"}, Chunks: chunk('S', "100")},
					{Path: []string{"small_b.txt"}, Chunks: chunk('S', "100")},
					{Path: []string{"large_a.txt"}, Chunks: chunk('L', "1KiB")},
					{Path: []string{"large_b.txt"}, Chunks: chunk('L', "1KiB")},
				},
			},
		},
	})

	pipeline{minSize: 500}.run(t, h)

	h.Assert(testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"small_a.txt"}},
					{Path: []string{"small_b.txt"}},
					{Path: []string{"large_a.txt", "large_b.txt"}},
				},
			},
		},
	})
}

// TestFullPipelineMaxSizeFilter tests that files above the maximum size are left alone.
func TestFullPipelineMaxSizeFilter(t *testing.T) {
	h := testfs.New(t, testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"small_a.txt"}, Chunks: chunk('S', "100")},
					{Path: []string{"small_b.txt"}, Chunks: chunk('S', "100")},
					{Path: []string{"large_a.txt"}, Chunks: chunk('L', "1KiB")},
					{Path: []string{"large_b.txt"}, Chunks: chunk('L', "1KiB")},
				},
			},
		},
	})

	pipeline{maxSize: 500}.run(t, h)

	h.Assert(testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"small_a.txt", "small_b.txt"}},
					{Path: []string{"large_a.txt"}},
					{Path: []string{"large_b.txt"}},
				},
			},
		},
	})
}

// TestFullPipelineExcludePatterns tests file and directory exclusion.
func TestFullPipelineExcludePatterns(t *testing.T) {
	h := testfs.New(t, testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.txt"}, Chunks: chunk('K', "1KiB")},
					{Path: []string{"b.txt"}, Chunks: chunk('K', "1KiB")},
					{Path: []string{"c.bak"}, Chunks: chunk('K', "1KiB")},
					{Path: []string{"cache/d.txt"}, Chunks: chunk('K', "1KiB")},
				},
			},
		},
	})

	res := pipeline{exclude: []string{"*.bak"}, excludeDirs: []string{"cache"}}.run(t, h)

	if res.records != 2 {
		t.Errorf("records = %d, want 2", res.records)
	}
	h.Assert(testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.txt", "b.txt"}},
					{Path: []string{"c.bak"}},
					{Path: []string{"cache/d.txt"}},
				},
			},
		},
	})
}

// TestFullPipelineKeepMarker tests that a marked directory is never touched.
func TestFullPipelineKeepMarker(t *testing.T) {
	h := testfs.New(t, testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.bin"}, Chunks: chunk('M', "2KiB")},
					{Path: []string{"b.bin"}, Chunks: chunk('M', "2KiB")},
					{Path: []string{"keep/c.bin"}, Chunks: chunk('M', "2KiB")},
					{Path: []string{"keep/nested/d.bin"}, Chunks: chunk('M', "2KiB")},
				},
				Keep: []string{"keep"},
			},
		},
	})

	pipeline{}.run(t, h)

	h.Assert(testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.bin", "b.bin"}},
					{Path: []string{"keep/c.bin"}},
					{Path: []string{"keep/nested/d.bin"}},
				},
			},
		},
	})
}

// TestFullPipelineSymlinksIgnored tests that symlinks are neither followed nor replaced.
func TestFullPipelineSymlinksIgnored(t *testing.T) {
	h := testfs.New(t, testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.txt"}, Chunks: chunk('Y', "1KiB")},
				},
				Symlinks: []testfs.Symlink{
					{Path: "link.txt", Target: "a.txt"},
				},
			},
		},
	})

	res := pipeline{}.run(t, h)

	if res.records != 1 {
		t.Errorf("records = %d, want 1", res.records)
	}
	h.Assert(testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files:      []testfs.File{{Path: []string{"a.txt"}}},
				Symlinks:   []testfs.Symlink{{Path: "link.txt", Target: "a.txt"}},
			},
		},
	})
}

// =============================================================================
// Section 8.3: Empty/No-Results Scenarios (table-driven)
// =============================================================================

func TestFullPipelineEmptyScenarios(t *testing.T) {
	tests := []struct {
		name  string
		files []testfs.File
	}{
		{name: "empty directory"},
		{
			name:  "single file",
			files: []testfs.File{{Path: []string{"only.txt"}, Chunks: chunk('O', "1KiB")}},
		},
		{
			name: "all unique sizes",
			files: []testfs.File{
				{Path: []string{"a.txt"}, Chunks: chunk('A', "1KiB")},
				{Path: []string{"b.txt"}, Chunks: chunk('B', "2KiB")},
				{Path: []string{"c.txt"}, Chunks: chunk('C', "3KiB")},
			},
		},
		{
			name: "same size different content",
			files: []testfs.File{
				{Path: []string{"a.txt"}, Chunks: chunk('A', "1KiB")},
				{Path: []string{"b.txt"}, Chunks: chunk('B', "1KiB")},
			},
		},
		{
			name: "zero-length files",
			files: []testfs.File{
				{Path: []string{"empty1"}},
				{Path: []string{"empty2"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			given := testfs.FileTree{Volumes: []testfs.Volume{{MountPoint: "/data", Files: tt.files}}}
			h := testfs.New(t, given)

			res := pipeline{}.run(t, h)

			if res.stats.NewLinks != 0 || len(res.duplicates) != 0 {
				t.Errorf("expected no duplicates, got %v", res.duplicates)
			}
			h.Assert(given)
		})
	}
}

// =============================================================================
// Section 8.4: Resolution Tiers On Real Files
// =============================================================================

// TestPairSameHeadDifferentTail tests that the pair tier compares every byte.
func TestPairSameHeadDifferentTail(t *testing.T) {
	given := testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.bin"}, Chunks: []testfs.Chunk{{Pattern: 'H', Size: "64KiB"}, {Pattern: 'A', Size: "1"}}},
					{Path: []string{"b.bin"}, Chunks: []testfs.Chunk{{Pattern: 'H', Size: "64KiB"}, {Pattern: 'B', Size: "1"}}},
				},
			},
		},
	}
	h := testfs.New(t, given)

	res := pipeline{}.run(t, h)

	h.Assert(given)
	if res.stats.PairBuckets != 1 || res.stats.Comparisons != 1 {
		t.Errorf("PairBuckets=%d Comparisons=%d, want 1/1", res.stats.PairBuckets, res.stats.Comparisons)
	}
}

// TestSampleCollisionResolvedByContentHash tests three files sharing a sample prefix.
func TestSampleCollisionResolvedByContentHash(t *testing.T) {
	head := testfs.Chunk{Pattern: 'H', Size: "4KiB"}
	h := testfs.New(t, testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.bin"}, Chunks: []testfs.Chunk{head, {Pattern: 'X', Size: "4KiB"}}},
					{Path: []string{"b.bin"}, Chunks: []testfs.Chunk{head, {Pattern: 'X', Size: "4KiB"}}},
					{Path: []string{"c.bin"}, Chunks: []testfs.Chunk{head, {Pattern: 'Y', Size: "4KiB"}}},
				},
			},
		},
	})

	res := pipeline{sampleSize: 4096}.run(t, h)

	h.Assert(testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.bin", "b.bin"}, Chunks: []testfs.Chunk{head, {Pattern: 'X', Size: "4KiB"}}},
					{Path: []string{"c.bin"}, Chunks: []testfs.Chunk{head, {Pattern: 'Y', Size: "4KiB"}}},
				},
			},
		},
	})
	if res.stats.SampleHashes != 3 || res.stats.ContentHashes != 3 {
		t.Errorf("SampleHashes=%d ContentHashes=%d, want 3/3", res.stats.SampleHashes, res.stats.ContentHashes)
	}
}

// TestSampleTierPairOfEqualSamples tests that two equal samples among distinct ones get a byte compare.
func TestSampleTierPairOfEqualSamples(t *testing.T) {
	h := testfs.New(t, testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.bin"}, Chunks: chunk('A', "8KiB")},
					{Path: []string{"b.bin"}, Chunks: chunk('B', "8KiB")},
					{Path: []string{"c.bin"}, Chunks: chunk('B', "8KiB")},
				},
			},
		},
	})

	res := pipeline{}.run(t, h)

	h.Assert(testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.bin"}, Chunks: chunk('A', "8KiB")},
					{Path: []string{"b.bin", "c.bin"}, Chunks: chunk('B', "8KiB")},
				},
			},
		},
	})
	if res.stats.ContentHashes != 0 {
		t.Errorf("ContentHashes = %d, want 0", res.stats.ContentHashes)
	}
}

// TestManyCopiesCollapseToOneInode tests a large group resolved in a single pass.
func TestManyCopiesCollapseToOneInode(t *testing.T) {
	var files []testfs.File
	var paths []string
	for _, name := range []string{"1", "2", "3", "4", "5", "6", "7", "8"} {
		p := "copy" + name + ".bin"
		files = append(files, testfs.File{Path: []string{p}, Chunks: chunk('C', "16KiB")})
		paths = append(paths, p)
	}
	h := testfs.New(t, testfs.FileTree{Volumes: []testfs.Volume{{MountPoint: "/data", Files: files}}})

	res := pipeline{}.run(t, h)

	h.Assert(testfs.FileTree{
		Volumes: []testfs.Volume{
			{MountPoint: "/data", Files: []testfs.File{{Path: paths, Chunks: chunk('C', "16KiB")}}},
		},
	})
	if res.stats.NewLinks != 7 {
		t.Errorf("NewLinks = %d, want 7", res.stats.NewLinks)
	}
}

// =============================================================================
// Section 8.5: Dry Run and Idempotence
// =============================================================================

// TestDryRunReportsWithoutLinking tests that no Linker means no filesystem change.
func TestDryRunReportsWithoutLinking(t *testing.T) {
	given := testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.txt"}, Chunks: chunk('R', "1KiB")},
					{Path: []string{"b.txt"}, Chunks: chunk('R', "1KiB")},
				},
			},
		},
	}
	h := testfs.New(t, given)

	res := pipeline{dryRun: true}.run(t, h)

	h.Assert(given)
	if res.stats.NewLinks != 1 || res.stats.LinksCreated != 0 {
		t.Errorf("NewLinks=%d LinksCreated=%d, want 1/0", res.stats.NewLinks, res.stats.LinksCreated)
	}
	if len(res.duplicates) != 1 {
		t.Errorf("duplicates = %v, want one report", res.duplicates)
	} else if res.duplicates[0].Status != types.LinkPlanned {
		t.Errorf("status = %v, want planned", res.duplicates[0].Status)
	}
}

// TestSecondPassFindsNothingNew tests that a converged tree is reported as already linked.
func TestSecondPassFindsNothingNew(t *testing.T) {
	h := testfs.New(t, testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.txt"}, Chunks: chunk('I', "1KiB")},
					{Path: []string{"b.txt"}, Chunks: chunk('I', "1KiB")},
					{Path: []string{"c.txt"}, Chunks: chunk('I', "1KiB")},
				},
			},
		},
	})

	first := pipeline{}.run(t, h)
	second := pipeline{}.run(t, h)

	if first.stats.NewLinks != 2 {
		t.Errorf("first pass NewLinks = %d, want 2", first.stats.NewLinks)
	}
	if second.stats.NewLinks != 0 {
		t.Errorf("second pass NewLinks = %d, want 0", second.stats.NewLinks)
	}
	if second.stats.LinkedBuckets != 1 || second.stats.LinkedBytes != 2048 {
		t.Errorf("LinkedBuckets=%d LinkedBytes=%d, want 1/2048",
			second.stats.LinkedBuckets, second.stats.LinkedBytes)
	}
}

// TestDataIntegrityOriginalDataPreserved tests that linking never alters content.
func TestDataIntegrityOriginalDataPreserved(t *testing.T) {
	body := []testfs.Chunk{{Pattern: 'P', Size: "10KiB"}, {Pattern: 'Q', Size: "3"}}
	h := testfs.New(t, testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{Path: []string{"a.txt"}, Chunks: body},
					{Path: []string{"b.txt"}, Chunks: body},
				},
			},
		},
	})

	pipeline{}.run(t, h)

	h.Assert(testfs.FileTree{
		Volumes: []testfs.Volume{
			{MountPoint: "/data", Files: []testfs.File{{Path: []string{"a.txt", "b.txt"}, Chunks: body}}},
		},
	})

	entries, err := os.ReadDir(h.Path("/data"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func sameInode(t *testing.T, path1, path2 string) bool {
	t.Helper()

	info1, err := os.Stat(path1)
	if err != nil {
		t.Fatalf("failed to stat %s: %v", path1, err)
	}
	info2, err := os.Stat(path2)
	if err != nil {
		t.Fatalf("failed to stat %s: %v", path2, err)
	}

	stat1 := info1.Sys().(*syscall.Stat_t)
	stat2 := info2.Sys().(*syscall.Stat_t)

	return stat1.Dev == stat2.Dev && stat1.Ino == stat2.Ino
}
