// Package verifier resolves same-size files into confirmed duplicates using
// a cascade of progressively more expensive checks.
//
// # Architecture Overview
//
// Files are sorted by size once. Each run of equal size (a bucket) is split
// into runs of files that already share an inode. Only one representative
// per run is ever read: members of a run are hard links and cannot differ.
//
// # Tiers
//
//	bucket
//	    │
//	    ├──► 1 member                    → closed
//	    ├──► 1 run                       → fully linked (pre-existing savings)
//	    ├──► 2 members in 2 runs         → byte compare, second joins first
//	    ├──► 2 runs                      → byte compare, shorter joins longer
//	    └──► 3+ runs                     → sample hash each representative
//	             │
//	             ├──► unique sample      → closed
//	             ├──► 2 runs share       → byte compare, shorter joins longer
//	             └──► 3+ runs share      → content hash, equal digests merge
//	                                       into the longest run
//
// Sample hashes only ever rule candidates out. Content hash equality is
// accepted as proof of identical content.
//
// # Concurrency Model
//
// Buckets are independent: each worker owns a disjoint sub-slice of the
// record sequence. Workers are bounded by an errgroup limit; counters are
// atomic. Within a bucket everything is sequential. Cancellation is checked
// between buckets.
package verifier

import (
	"cmp"
	"context"
	"runtime"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ivoronin/dupelink/internal/content"
	"github.com/ivoronin/dupelink/internal/logger"
	"github.com/ivoronin/dupelink/internal/progress"
	"github.com/ivoronin/dupelink/internal/screener"
	"github.com/ivoronin/dupelink/internal/types"
)

// Comparator reads file contents on behalf of the resolver.
// content.Files is the production implementation.
type Comparator interface {
	Equal(pathA, pathB string) bool
	SampleHash(path string, size, prefixLen int64) (content.Sample, error)
	ContentHash(path string) (content.Digest, error)
}

// Linker replaces target with a hard link to source.
type Linker interface {
	Link(source, target string) error
}

// Options configures a Verifier.
type Options struct {
	SampleSize      int64                 // Sample hash prefix length (0 = content.DefaultSampleSize)
	Workers         int                   // Buckets resolved in parallel (0 = NumCPU)
	Comparator      Comparator            // nil = content.Files
	Linker          Linker                // nil = report only, never touch the filesystem
	ResolveIdentity screener.IdentityFunc // Used for records without an identity
	ShowProgress    bool
	ErrCh           chan<- error           // Non-fatal errors (unreadable files, failed links)
	Duplicates      chan<- types.Duplicate // Every confirmed duplicate, if not nil
}

// Verifier finds duplicates among scanned records and links them.
//
// The verifier is designed for single-use: create with New(), call Run() once.
type Verifier struct {
	records []types.FileRecord
	dirs    *types.DirectoryTable
	opts    Options
	cmp     Comparator
	log     *logrus.Entry

	// Runtime (initialized in Run)
	stats *stats
	bar   *progress.Bar
}

// New creates a Verifier over records. The slice is sorted and updated in
// place; dirs is only read.
func New(records []types.FileRecord, dirs *types.DirectoryTable, opts Options) *Verifier {
	if opts.SampleSize <= 0 {
		opts.SampleSize = content.DefaultSampleSize
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	c := opts.Comparator
	if c == nil {
		c = content.Files{}
	}
	return &Verifier{
		records: records,
		dirs:    dirs,
		opts:    opts,
		cmp:     c,
		log:     logger.GetLogger("verifier"),
	}
}

// Run resolves every bucket and returns the accumulated statistics.
//
// If ctx is cancelled no new bucket is started; the statistics gathered so
// far are returned together with ctx.Err().
func (v *Verifier) Run(ctx context.Context) (Stats, error) {
	v.stats = &stats{linking: v.opts.Linker != nil, startTime: time.Now()}

	sortStart := time.Now()
	screener.SortBySize(v.records)
	v.stats.sortTime = time.Since(sortStart)

	for i := range v.records {
		v.stats.total += v.records[i].Size
	}
	v.bar = progress.NewBytes(v.opts.ShowProgress, v.stats.total, v.stats)

	g := new(errgroup.Group)
	g.SetLimit(v.opts.Workers)

	var err error
	for start := 0; start < len(v.records); {
		if err = ctx.Err(); err != nil {
			break
		}
		end := screener.NextBucket(v.records, start)
		bucket := v.records[start:end:end]
		start = end

		if len(bucket) < 2 {
			v.advance(bucket)
			continue
		}
		g.Go(func() error {
			v.resolveBucket(bucket)
			v.advance(bucket)
			return nil
		})
	}
	_ = g.Wait()

	v.bar.Finish()
	return v.stats.snapshot(), err
}

// advance records a finished bucket for progress display.
func (v *Verifier) advance(bucket []types.FileRecord) {
	n := bucket[0].Size * int64(len(bucket))
	v.stats.processed.Add(n)
	v.bar.Add(n)
}

// resolveBucket runs the tier cascade on one equal-size bucket.
func (v *Verifier) resolveBucket(bucket []types.FileRecord) {
	size := bucket[0].Size
	grouping := screener.GroupRuns(bucket, v.dirs, v.opts.ResolveIdentity, v.sendError)
	v.stats.unresolved.Add(int64(grouping.Failed))

	runs := grouping.Runs
	eligible := grouping.Eligible()
	if eligible < 2 {
		return
	}
	v.stats.buckets.Add(1)
	v.stats.bucketFiles.Add(int64(eligible))

	switch {
	case len(runs) == 1:
		v.stats.linkedBuckets.Add(1)
		v.stats.linkedBytes.Add(int64(runs[0].Len-1) * size)
	case eligible == 2:
		v.stats.pairBuckets.Add(1)
		v.compareAndMergePair(bucket, runs[0], runs[1])
	case len(runs) == 2:
		into, from := runs[1], runs[0]
		if runs[0].Len > runs[1].Len {
			into, from = runs[0], runs[1]
		}
		v.compareAndMergePair(bucket, into, from)
	default:
		v.resolveBySample(bucket, runs)
	}
}

// sampled is one run with its representative's sample hash.
type sampled struct {
	run    screener.Run
	sample content.Sample
	ok     bool
}

// resolveBySample handles buckets of three or more runs.
func (v *Verifier) resolveBySample(bucket []types.FileRecord, runs []screener.Run) {
	size := bucket[0].Size
	entries := make([]sampled, len(runs))

	start := time.Now()
	for i, r := range runs {
		path := v.dirs.Join(&bucket[r.First])
		s, err := v.cmp.SampleHash(path, size, v.opts.SampleSize)
		v.stats.sampleHashes.Add(1)
		if err != nil {
			v.stats.sampleFailures.Add(1)
			v.sendError(err)
		}
		entries[i] = sampled{run: r, sample: s, ok: err == nil}
	}
	v.stats.sampleNs.Add(int64(time.Since(start)))

	// Failed first so they can be skipped as a prefix; longest run first
	// among equal samples so it becomes the merge target.
	slices.SortStableFunc(entries, func(a, b sampled) int {
		if a.ok != b.ok {
			if !a.ok {
				return -1
			}
			return 1
		}
		if c := a.sample.Compare(b.sample); c != 0 {
			return c
		}
		return cmp.Compare(b.run.Len, a.run.Len)
	})

	i := 0
	for i < len(entries) && !entries[i].ok {
		i++
	}
	for i < len(entries) {
		j := i + 1
		for j < len(entries) && entries[j].sample == entries[i].sample {
			j++
		}
		switch j - i {
		case 1:
		case 2:
			v.compareAndMergePair(bucket, entries[i].run, entries[i+1].run)
		default:
			group := make([]screener.Run, 0, j-i)
			for _, e := range entries[i:j] {
				group = append(group, e.run)
			}
			v.resolveByContent(bucket, group)
		}
		i = j
	}
}

// hashed is one run with its representative's content hash.
type hashed struct {
	run    screener.Run
	digest content.Digest
}

// resolveByContent merges runs whose representatives share a content hash.
// runs must be ordered longest first; that order is kept among equal digests.
func (v *Verifier) resolveByContent(bucket []types.FileRecord, runs []screener.Run) {
	size := bucket[0].Size
	entries := make([]hashed, 0, len(runs))

	start := time.Now()
	for _, r := range runs {
		path := v.dirs.Join(&bucket[r.First])
		d, err := v.cmp.ContentHash(path)
		v.stats.contentHashes.Add(1)
		if err != nil {
			v.stats.contentFailures.Add(1)
			v.sendError(err)
			continue
		}
		v.stats.contentBytes.Add(size)
		entries = append(entries, hashed{run: r, digest: d})
	}
	v.stats.contentNs.Add(int64(time.Since(start)))

	slices.SortStableFunc(entries, func(a, b hashed) int {
		return a.digest.Compare(b.digest)
	})

	for i := 0; i < len(entries); {
		j := i + 1
		for j < len(entries) && entries[j].digest == entries[i].digest {
			v.mergeRuns(bucket, entries[i].run, entries[j].run)
			j++
		}
		i = j
	}
}

// compareAndMergePair byte-compares the representatives of two runs and
// merges from into into when they match.
func (v *Verifier) compareAndMergePair(bucket []types.FileRecord, into, from screener.Run) bool {
	a := v.dirs.Join(&bucket[into.First])
	b := v.dirs.Join(&bucket[from.First])

	start := time.Now()
	equal := v.cmp.Equal(a, b)
	v.stats.comparisons.Add(1)
	v.stats.compareNs.Add(int64(time.Since(start)))

	if !equal {
		return false
	}
	v.mergeRuns(bucket, into, from)
	return true
}

// mergeRuns absorbs every member of from into the run into. The first
// member of into is the survivor. The members of from share one inode, so
// its data is only freed once every one of them has been relinked.
func (v *Verifier) mergeRuns(bucket []types.FileRecord, into, from screener.Run) {
	survivor := &bucket[into.First]
	survivorPath := v.dirs.Join(survivor)

	v.stats.merges.Add(1)
	v.log.WithFields(logrus.Fields{
		"size":     survivor.Size,
		"absorbed": from.Len,
		"into":     into.Len,
	}).Debugf("merging into %s", survivorPath)

	freed := true
	for k := from.First; k < from.First+from.Len; k++ {
		if v.recordDuplicate(&bucket[k], survivor, survivorPath) == types.LinkFailed {
			freed = false
		}
	}
	if freed {
		v.stats.savedBytes.Add(survivor.Size)
	}
}

// recordDuplicate replaces rec with a hard link to survivor when linking and
// reports the outcome to the duplicates channel.
func (v *Verifier) recordDuplicate(rec, survivor *types.FileRecord, survivorPath string) types.LinkStatus {
	path := v.dirs.Join(rec)
	v.stats.newLinks.Add(1)

	status := types.LinkPlanned
	if v.opts.Linker != nil {
		if err := v.opts.Linker.Link(survivorPath, path); err != nil {
			v.stats.linkFailures.Add(1)
			v.sendError(err)
			status = types.LinkFailed
		} else {
			v.stats.linksCreated.Add(1)
			rec.ID = survivor.ID
			status = types.LinkCreated
		}
	}

	if v.opts.Duplicates != nil {
		v.opts.Duplicates <- types.Duplicate{Path: path, Survivor: survivorPath, Size: rec.Size, Status: status}
	}
	return status
}

// sendError sends an error to the errors channel if it's not nil.
func (v *Verifier) sendError(err error) {
	if v.opts.ErrCh != nil {
		v.opts.ErrCh <- err
	}
}
