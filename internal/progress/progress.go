// Package progress draws the status line of a long running phase on stderr:
// a spinner while the scanner counts files, a byte bar while size buckets
// are resolved.
package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

const (
	updateInterval = 50 * time.Millisecond
	barWidth       = 40
	spinnerType    = 14
)

// Bar renders status next to a spinner or a byte bar. A disabled Bar
// ignores every call.
type Bar struct {
	bar    *progressbar.ProgressBar
	out    io.Writer
	status fmt.Stringer
}

// NewSpinner returns a spinner whose text is status, for phases of unknown
// length such as the directory walk.
func NewSpinner(enabled bool, status fmt.Stringer) *Bar {
	return newBar(enabled, os.Stderr, -1, status)
}

// NewBytes returns a bar filled by Add up to total bytes. A non-positive
// total falls back to a spinner.
func NewBytes(enabled bool, total int64, status fmt.Stringer) *Bar {
	return newBar(enabled, os.Stderr, total, status)
}

func newBar(enabled bool, out io.Writer, total int64, status fmt.Stringer) *Bar {
	b := &Bar{out: out, status: status}
	if !enabled {
		return b
	}

	opts := []progressbar.Option{
		progressbar.OptionSetWriter(out),
		progressbar.OptionThrottle(updateInterval),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetDescription(status.String()),
	}
	if total <= 0 {
		opts = append(opts,
			progressbar.OptionSpinnerType(spinnerType),
			progressbar.OptionSetElapsedTime(false),
		)
		b.bar = progressbar.NewOptions64(-1, opts...)
		return b
	}

	opts = append(opts,
		progressbar.OptionSetWidth(barWidth),
		progressbar.OptionShowBytes(true),
		progressbar.OptionUseIECUnits(true),
	)
	b.bar = progressbar.NewOptions64(total, opts...)
	return b
}

// Refresh redraws the status text without moving the bar.
func (b *Bar) Refresh() {
	if b.bar != nil {
		b.bar.Describe(b.status.String())
	}
}

// Add advances the bar by n bytes and redraws the status text.
func (b *Bar) Add(n int64) {
	if b.bar == nil {
		return
	}
	_ = b.bar.Add64(n)
	b.bar.Describe(b.status.String())
}

// Finish clears the bar and leaves the final status on its own line.
func (b *Bar) Finish() {
	if b.bar == nil {
		return
	}
	_ = b.bar.Finish()
	fmt.Fprintln(b.out, "✔ "+b.status.String())
}
