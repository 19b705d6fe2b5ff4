package progress

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Tracker tracks unit progress for one stage
type Tracker struct {
	bar       *progressbar.ProgressBar
	label     string
	out       io.Writer
	total     int64
	current   atomic.Int64
	startTime time.Time
}

// New creates a progress tracker that renders to stderr
func New(label string) *Tracker {
	return NewWithWriter(label, os.Stderr)
}

// NewWithWriter creates a progress tracker that renders to w
func NewWithWriter(label string, w io.Writer) *Tracker {
	return &Tracker{
		label:     label,
		out:       w,
		startTime: time.Now(),
	}
}

// SetTotal sets the number of units the stage will process
func (t *Tracker) SetTotal(total int64) {
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription(t.label),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("units"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add increments the progress counter
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// Current returns the current count
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Total returns the expected count
func (t *Tracker) Total() int64 {
	return t.total
}

// Finish marks the stage as complete and prints a one-line summary
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
	}

	elapsed := time.Since(t.startTime)
	perMin := 0.0
	if elapsed > 0 {
		perMin = float64(t.current.Load()) / elapsed.Minutes()
	}

	fmt.Fprintln(t.out)
	fmt.Fprintf(t.out, "%s: %d units in %s (%.1f units/min)\n",
		t.label, t.current.Load(), elapsed.Round(time.Second), perMin)
}
