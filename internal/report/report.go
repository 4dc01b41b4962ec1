// Package report renders duplicates and run statistics for people and
// spreadsheets.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/ivoronin/dupelink/internal/scanner"
	"github.com/ivoronin/dupelink/internal/types"
	"github.com/ivoronin/dupelink/internal/verifier"
)

// Sink receives confirmed duplicates together with their link outcome.
type Sink interface {
	Write(d types.Duplicate) error
}

// Consume feeds every duplicate from ch to all sinks until ch is closed.
// The first write error is returned after ch is drained, so the producer
// never blocks.
func Consume(ch <-chan types.Duplicate, sinks ...Sink) error {
	var first error
	for d := range ch {
		for _, s := range sinks {
			if err := s.Write(d); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// CSVHeader is the first row of a CSV export.
var CSVHeader = []string{"path", "size", "survivor_path", "status"}

// CSVWriter writes one row per duplicate.
type CSVWriter struct {
	w      *csv.Writer
	closer io.Closer
}

// NewCSVWriter writes the header to w and returns the writer.
func NewCSVWriter(w io.Writer) (*CSVWriter, error) {
	cw := &CSVWriter{w: csv.NewWriter(w)}
	if err := cw.w.Write(CSVHeader); err != nil {
		return nil, err
	}
	return cw, nil
}

// CreateCSV creates (or truncates) the file at path for CSV export.
func CreateCSV(path string) (*CSVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create csv: %w", err)
	}
	cw, err := NewCSVWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	cw.closer = f
	return cw, nil
}

func (c *CSVWriter) Write(d types.Duplicate) error {
	return c.w.Write([]string{d.Path, strconv.FormatInt(d.Size, 10), d.Survivor, d.Status.String()})
}

// Close flushes buffered rows and closes the underlying file, if any.
func (c *CSVWriter) Close() error {
	c.w.Flush()
	err := c.w.Error()
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// LineWriter prints `"duplicate" => "survivor"` lines. A link that failed
// is printed with `=/=` instead.
type LineWriter struct {
	w     io.Writer
	clear func()
}

// NewLineWriter returns a LineWriter on w. If clear is not nil it runs
// before every line to erase a progress bar.
func NewLineWriter(w io.Writer, clear func()) *LineWriter {
	return &LineWriter{w: w, clear: clear}
}

func (l *LineWriter) Write(d types.Duplicate) error {
	if l.clear != nil {
		l.clear()
	}
	arrow := "=>"
	if d.Status == types.LinkFailed {
		arrow = "=/="
	}
	_, err := fmt.Fprintf(l.w, "%q %s %q\n", d.Path, arrow, d.Survivor)
	return err
}

// Files lists every scanned file, one path per line.
func Files(w io.Writer, records []types.FileRecord, dirs *types.DirectoryTable) error {
	for i := range records {
		if _, err := fmt.Fprintf(w, "%s\t%d\t%s\n", dirs.Join(&records[i]), records[i].Size, records[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// Dirs lists every directory holding scanned files.
func Dirs(w io.Writer, dirs *types.DirectoryTable) error {
	for _, d := range dirs.Paths() {
		if _, err := fmt.Fprintln(w, d); err != nil {
			return err
		}
	}
	return nil
}

// Summary writes the end-of-run report.
func Summary(w io.Writer, scan scanner.Stats, st verifier.Stats) error {
	b := humanize.IBytes
	lines := []string{
		fmt.Sprintf("Scanning of directories took %v", scan.Elapsed),
		fmt.Sprintf("Sorting of files took %v", st.SortTime),
		fmt.Sprintf("total %d files, %d directories, %s data",
			scan.MatchedFiles, scan.Directories, b(uint64(scan.MatchedBytes))),
		fmt.Sprintf("%d files in %d sets of equal size grouped", st.BucketFiles, st.Buckets),
		fmt.Sprintf("%d sets were already linked, saving %s", st.LinkedBuckets, b(uint64(st.LinkedBytes))),
	}
	if st.Linking {
		lines = append(lines, fmt.Sprintf("%d pairs compared, created %d new links saving %s",
			st.PairBuckets, st.LinksCreated, b(uint64(st.SavedBytes))))
	} else {
		lines = append(lines, fmt.Sprintf("%d pairs compared, linking would save %s",
			st.PairBuckets, b(uint64(st.SavedBytes))))
	}
	lines = append(lines,
		fmt.Sprintf("spent %v comparing %d file pairs", st.CompareTime, st.Comparisons),
		fmt.Sprintf("spent %v computing %d sample hashes (%d failed)", st.SampleTime, st.SampleHashes, st.SampleFailures),
		fmt.Sprintf("spent %v computing %d content hashes (%s, %d failed)",
			st.ContentTime, st.ContentHashes, b(uint64(st.ContentBytes)), st.ContentFailures),
	)
	if st.NewLinks > 0 {
		lines = append(lines, fmt.Sprintf("merged %d files into %d existing sets", st.NewLinks, st.Merges))
	}
	if st.LinkFailures > 0 {
		lines = append(lines, fmt.Sprintf("%d links failed", st.LinkFailures))
	}
	if st.Unresolved > 0 {
		lines = append(lines, fmt.Sprintf("%d files skipped, identity unknown", st.Unresolved))
	}
	if scan.KeptDirs > 0 {
		lines = append(lines, fmt.Sprintf("%d directories kept by %s", scan.KeptDirs, scanner.KeepMarker))
	}
	lines = append(lines, fmt.Sprintf("Total time spent %v", scan.Elapsed+st.Elapsed))

	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}
