package ux

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
)

// Progress draws a single-line batch progress bar on w, redrawn in place.
type Progress struct {
	mu    sync.Mutex
	w     io.Writer
	label string
	bar   progress.Model
	drawn bool
}

// NewProgress creates a bar of the given width preceded by label.
func NewProgress(w io.Writer, label string, width int) *Progress {
	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = width
	return &Progress{w: w, label: label, bar: bar}
}

// Update redraws the bar for done of total steps. Its signature matches
// hotflip.Orchestrator.Progress.
func (p *Progress) Update(done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	frac := 1.0
	if total > 0 {
		frac = float64(done) / float64(total)
	}
	fmt.Fprintf(p.w, "\r%s %s %d/%d", p.label, p.bar.ViewAs(frac), done, total)
	p.drawn = true
}

// Done ends the line if anything was drawn.
func (p *Progress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.drawn {
		fmt.Fprintln(p.w)
		p.drawn = false
	}
}
