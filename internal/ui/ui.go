// Package ui prints run diagnostics and a redrawing progress bar, the way
// the original console tool wrote directly to stdout/stderr.
package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Printer writes Info/Warn/Error lines. Verbose suppresses Info (matching
// the original's inverted "verbose means quiet" Info gate); QuellProgress
// suppresses the progress bar entirely.
type Printer struct {
	Out           io.Writer
	Err           io.Writer
	Verbose       bool
	QuellProgress bool

	lastPercent int
	lastPhase   string
	lastTime    time.Time
}

// New returns a Printer writing to out/errOut.
func New(out, errOut io.Writer) *Printer {
	return &Printer{Out: out, Err: errOut, lastPercent: -1}
}

// Info prints an informational line, unless Verbose is set.
func (p *Printer) Info(format string, args ...any) {
	if p.Verbose {
		return
	}
	fmt.Fprintf(p.Out, format+"\n", args...)
}

// Warn prints a yellow WARNING line.
func (p *Printer) Warn(format string, args ...any) {
	c := color.New(color.FgYellow)
	c.Fprintf(p.Err, "WARNING: "+format+"\n", args...)
}

// Error prints a red ERROR line.
func (p *Printer) Error(format string, args ...any) {
	c := color.New(color.FgRed, color.Bold)
	c.Fprintf(p.Err, "\nERROR: "+format+"\n", args...)
}

const barWidth = 50

// Progress redraws a single-line bar for phase at percent complete,
// collapsing updates that arrive less than half a second and no percentage
// change apart, same as the original's ProgressRead/ProgressWrite gate.
func (p *Printer) Progress(phase string, percent int, elapsed time.Duration) {
	if p.QuellProgress {
		return
	}
	now := time.Now()
	if phase == p.lastPhase && percent == p.lastPercent && now.Sub(p.lastTime) < 500*time.Millisecond {
		return
	}
	p.lastPhase = phase
	p.lastPercent = percent
	p.lastTime = now

	var bar strings.Builder
	for i := 0; i < barWidth; i++ {
		if 2*i <= percent {
			bar.WriteByte('#')
		} else {
			bar.WriteByte(' ')
		}
	}
	fmt.Fprintf(p.Out, "\r%s [ %s ] %d%% %.2fs", phase, bar.String(), percent, elapsed.Seconds())
}

// ProgressDone terminates the current progress line with a newline.
func (p *Printer) ProgressDone() {
	if p.QuellProgress {
		return
	}
	fmt.Fprintln(p.Out)
	p.lastPercent = -1
	p.lastPhase = ""
}
