package verifier

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// fmtBytes is a shorthand for humanize.IBytes (human-readable byte sizes).
func fmtBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// Stats is a snapshot of resolver accounting.
type Stats struct {
	Linking bool // Whether links were requested from a Linker

	Buckets       int64 // Size buckets with at least two eligible members
	BucketFiles   int64 // Eligible members across those buckets
	LinkedBuckets int64 // Buckets already fully hard-linked
	LinkedBytes   int64 // Space already saved by pre-existing links
	PairBuckets   int64 // Buckets resolved by a single pair comparison
	Unresolved    int64 // Files skipped because their identity was unknown

	Comparisons int64
	CompareTime time.Duration

	SampleHashes   int64
	SampleFailures int64
	SampleTime     time.Duration

	ContentHashes   int64
	ContentFailures int64
	ContentBytes    int64
	ContentTime     time.Duration

	Merges       int64 // Runs absorbed into another run
	NewLinks     int64 // Files absorbed (links created or planned)
	LinksCreated int64
	LinkFailures int64
	SavedBytes   int64 // Space reclaimed (or reclaimable) by new links

	ProcessedBytes int64
	TotalBytes     int64
	SortTime       time.Duration
	Elapsed        time.Duration
}

func (s Stats) String() string {
	pct := 0.0
	if s.TotalBytes > 0 {
		pct = float64(s.ProcessedBytes) / float64(s.TotalBytes) * 100
	}
	verb, links := "would save", s.NewLinks
	if s.Linking {
		verb, links = "saved", s.LinksCreated
	}
	return fmt.Sprintf("Resolved %s of %s (%.0f%%) in %d sets, %d already linked (%s), %d new links %s %s in %v",
		fmtBytes(s.ProcessedBytes), fmtBytes(s.TotalBytes), pct,
		s.Buckets, s.LinkedBuckets, fmtBytes(s.LinkedBytes),
		links, verb, fmtBytes(s.SavedBytes),
		s.Elapsed.Truncate(time.Millisecond))
}

// stats holds live counters shared by bucket workers.
type stats struct {
	linking   bool
	startTime time.Time
	sortTime  time.Duration
	total     int64

	buckets       atomic.Int64
	bucketFiles   atomic.Int64
	linkedBuckets atomic.Int64
	linkedBytes   atomic.Int64
	pairBuckets   atomic.Int64
	unresolved    atomic.Int64

	comparisons atomic.Int64
	compareNs   atomic.Int64

	sampleHashes   atomic.Int64
	sampleFailures atomic.Int64
	sampleNs       atomic.Int64

	contentHashes   atomic.Int64
	contentFailures atomic.Int64
	contentBytes    atomic.Int64
	contentNs       atomic.Int64

	merges       atomic.Int64
	newLinks     atomic.Int64
	linksCreated atomic.Int64
	linkFailures atomic.Int64
	savedBytes   atomic.Int64

	processed atomic.Int64
}

func (s *stats) snapshot() Stats {
	return Stats{
		Linking:         s.linking,
		Buckets:         s.buckets.Load(),
		BucketFiles:     s.bucketFiles.Load(),
		LinkedBuckets:   s.linkedBuckets.Load(),
		LinkedBytes:     s.linkedBytes.Load(),
		PairBuckets:     s.pairBuckets.Load(),
		Unresolved:      s.unresolved.Load(),
		Comparisons:     s.comparisons.Load(),
		CompareTime:     time.Duration(s.compareNs.Load()),
		SampleHashes:    s.sampleHashes.Load(),
		SampleFailures:  s.sampleFailures.Load(),
		SampleTime:      time.Duration(s.sampleNs.Load()),
		ContentHashes:   s.contentHashes.Load(),
		ContentFailures: s.contentFailures.Load(),
		ContentBytes:    s.contentBytes.Load(),
		ContentTime:     time.Duration(s.contentNs.Load()),
		Merges:          s.merges.Load(),
		NewLinks:        s.newLinks.Load(),
		LinksCreated:    s.linksCreated.Load(),
		LinkFailures:    s.linkFailures.Load(),
		SavedBytes:      s.savedBytes.Load(),
		ProcessedBytes:  s.processed.Load(),
		TotalBytes:      s.total,
		SortTime:        s.sortTime,
		Elapsed:         time.Since(s.startTime),
	}
}

func (s *stats) String() string { return s.snapshot().String() }
