package scanner

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// KeepMarker is the file name that excludes its directory and subtree from
// deduplication.
const KeepMarker = ".keep_duplicates"

// Options configures a Scanner.
type Options struct {
	Paths                 []string   // Root paths to scan
	MinSize               int64      // Minimum file size (bytes)
	MaxSize               int64      // Maximum file size (bytes, 0 = unlimited)
	ExcludeFiles          []string   // Glob patterns matched against file names
	ExcludeDirs           []string   // Glob patterns matched against directory names or paths
	Workers               int        // Max concurrent directory reads
	TrustDeviceBoundaries bool       // Include the device number in identities
	OneFileSystem         bool       // Do not descend into other filesystems
	ShowProgress          bool       // Whether to display progress bar
	ErrCh                 chan error // Non-fatal errors (permission denied, etc.)
}

// Stats is a snapshot of scan counters.
type Stats struct {
	ScannedFiles int64
	ScannedBytes int64
	MatchedFiles int64
	MatchedBytes int64
	Directories  int64 // Directories holding at least one matched file
	KeptDirs     int64 // Directories skipped because of KeepMarker
	Elapsed      time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf("Scanned %d (%s), matched %d files (%s) in %.1fs",
		s.ScannedFiles, humanize.IBytes(uint64(s.ScannedBytes)),
		s.MatchedFiles, humanize.IBytes(uint64(s.MatchedBytes)),
		s.Elapsed.Seconds())
}
