package backup

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// Progress marks.
const (
	MarkFetched = "."
	MarkSkipped = "-"
	MarkFailed  = "✖"
	MarkDone    = "✔"
	MarkPartial = "⚠"
)

// Progress writes the one-line-per-step console output of a backup. It is
// safe for concurrent use.
type Progress struct {
	mu  sync.Mutex
	out io.Writer

	green, yellow, red func(a ...interface{}) string
}

// NewProgress writes to out, with ANSI colors when colored is set. A nil out
// discards everything.
func NewProgress(out io.Writer, colored bool) *Progress {
	if out == nil {
		out = io.Discard
	}
	paint := func(attrs ...color.Attribute) func(a ...interface{}) string {
		c := color.New(attrs...)
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c.SprintFunc()
	}
	return &Progress{
		out:    out,
		green:  paint(color.FgGreen),
		yellow: paint(color.FgYellow),
		red:    paint(color.FgRed, color.Bold),
	}
}

// Begin starts a step line such as "Styles List".
func (p *Progress) Begin(title string) {
	p.write(title + " ")
}

// Fetched marks one downloaded artifact.
func (p *Progress) Fetched() {
	p.write(p.green(MarkFetched))
}

// Skipped marks one artifact that was already current.
func (p *Progress) Skipped() {
	p.write(p.yellow(MarkSkipped))
}

// Failed marks one failed artifact.
func (p *Progress) Failed() {
	p.write(p.red(MarkFailed))
}

// Done ends a step that fully succeeded, with an optional item count.
func (p *Progress) Done(count int) {
	if count >= 0 {
		p.write(fmt.Sprintf(" %d", count))
	}
	p.write(p.green(MarkDone) + "\n")
}

// Partial ends a step in which some pages or artifacts failed.
func (p *Progress) Partial(succeeded, total int) {
	p.write(fmt.Sprintf("%s %d/%d\n", p.yellow(MarkPartial), succeeded, total))
}

// Abort ends a step that failed as a whole.
func (p *Progress) Abort() {
	p.write(p.red(MarkFailed) + "\n")
}

// Line writes a full line.
func (p *Progress) Line(text string) {
	p.write(text + "\n")
}

func (p *Progress) write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	io.WriteString(p.out, s)
}
