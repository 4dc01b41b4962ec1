// Package content compares and fingerprints file contents.
//
// Three comparators of increasing cost back the resolver's tiers:
//
//	SampleHash   xxh3-128 over a bounded prefix   O(prefix)  advisory only
//	ContentHash  BLAKE3-256 over the whole file   O(size)    accepted as proof
//	Equal        windowed byte comparison         O(size)    exact
//
// Every I/O failure is returned (hashes) or folded into "not equal" (Equal).
// Callers never treat an error as a match.
package content

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
	"github.com/zeebo/xxh3"
)

const (
	// blockSize is the comparison and hashing window (64KiB).
	blockSize = 64 * 1024
	// DefaultSampleSize is the default prefix length for SampleHash.
	DefaultSampleSize = 4096
)

// Error kinds wrapped by SampleHash and ContentHash.
var (
	ErrOpen = errors.New("open failed")
	ErrRead = errors.New("read failed")
)

// Sample is a 128-bit digest of a file prefix.
type Sample xxh3.Uint128

// Compare orders samples by (Hi, Lo).
func (s Sample) Compare(other Sample) int {
	switch {
	case s.Hi < other.Hi:
		return -1
	case s.Hi > other.Hi:
		return 1
	case s.Lo < other.Lo:
		return -1
	case s.Lo > other.Lo:
		return 1
	}
	return 0
}

func (s Sample) String() string { return fmt.Sprintf("%016x%016x", s.Hi, s.Lo) }

// Digest is a 256-bit BLAKE3 digest of a whole file.
type Digest [32]byte

// Compare orders digests bytewise.
func (d Digest) Compare(other Digest) int { return bytes.Compare(d[:], other[:]) }

func (d Digest) String() string { return fmt.Sprintf("%x", d[:]) }

// Equal reports whether two files have identical bytes.
//
// Both files are read in lockstep blockSize windows. Any failure to open or
// read either file yields false: equality is never assumed under uncertainty.
func Equal(pathA, pathB string) bool {
	fa, err := os.Open(pathA)
	if err != nil {
		return false
	}
	defer func() { _ = fa.Close() }()

	fb, err := os.Open(pathB)
	if err != nil {
		return false
	}
	defer func() { _ = fb.Close() }()

	bufA := make([]byte, blockSize)
	bufB := make([]byte, blockSize)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false
		}
		endA, failA := readEnd(errA)
		endB, failB := readEnd(errB)
		if failA || failB || endA != endB {
			return false
		}
		if endA {
			return true
		}
	}
}

// readEnd classifies an io.ReadFull error as end-of-data or failure.
func readEnd(err error) (end, failed bool) {
	switch {
	case err == nil:
		return false, false
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true, false
	default:
		return false, true
	}
}

// SampleHash hashes exactly min(size, prefixLen) bytes from the start of path.
// A file shorter than that on disk is a read failure.
func SampleHash(path string, size, prefixLen int64) (Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	defer func() { _ = f.Close() }()

	n := min(size, prefixLen)
	h := xxh3.New()
	if _, err := io.CopyN(h, f, n); err != nil {
		return Sample{}, fmt.Errorf("%w: %s: %w", ErrRead, path, err)
	}
	return Sample(h.Sum128()), nil
}

// ContentHash hashes the whole file with BLAKE3.
// Returns the digest and the number of bytes read.
func ContentHash(path string) (Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	buf := make([]byte, blockSize)
	n, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		return Digest{}, n, fmt.Errorf("%w: %s: %w", ErrRead, path, err)
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d, n, nil
}

// Files compares real files on disk.
type Files struct{}

// Equal implements the resolver's comparator.
func (Files) Equal(pathA, pathB string) bool { return Equal(pathA, pathB) }

// SampleHash implements the resolver's comparator.
func (Files) SampleHash(path string, size, prefixLen int64) (Sample, error) {
	return SampleHash(path, size, prefixLen)
}

// ContentHash implements the resolver's comparator.
func (Files) ContentHash(path string) (Digest, error) {
	d, _, err := ContentHash(path)
	return d, err
}
