package ux

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"hotflip/internal/eval"
	"hotflip/internal/hotflip"
)

// Report summarizes one attack run.
type Report struct {
	RunID       string
	Checkpoint  string
	Options     hotflip.Options
	Examples    int
	Clean       eval.Summary
	Adversarial eval.Summary
	Files       []string
	Duration    time.Duration
}

// Markdown renders the report as markdown.
func (r Report) Markdown() string {
	var sb strings.Builder
	sb.WriteString("# HotFlip attack report\n\n")
	fmt.Fprintf(&sb, "Run `%s` against checkpoint `%s`, %d examples in %v.\n\n",
		r.RunID, r.Checkpoint, r.Examples, r.Duration.Round(time.Millisecond))

	sb.WriteString("## Settings\n\n")
	sb.WriteString("| setting | value |\n|---|---|\n")
	fmt.Fprintf(&sb, "| beam width | %d |\n", r.Options.BeamWidth)
	fmt.Fprintf(&sb, "| max chars | %d |\n", r.Options.MaxChars)
	fmt.Fprintf(&sb, "| fan-out | %d |\n", r.Options.EffectiveFanOut())
	fmt.Fprintf(&sb, "| batch size | %d |\n", r.Options.BatchSize)
	fmt.Fprintf(&sb, "| require gain | %v |\n\n", r.Options.RequireGain)

	sb.WriteString("## Accuracy\n\n")
	sb.WriteString("| data | n | accuracy | loss |\n|---|---|---|---|\n")
	fmt.Fprintf(&sb, "| clean | %d | %.4f | %.4f |\n", r.Clean.N, r.Clean.Accuracy, r.Clean.Loss)
	fmt.Fprintf(&sb, "| adversarial | %d | %.4f | %.4f |\n\n", r.Adversarial.N, r.Adversarial.Accuracy, r.Adversarial.Loss)
	fmt.Fprintf(&sb, "Accuracy drop: **%.4f**\n", r.Clean.Accuracy-r.Adversarial.Accuracy)

	if len(r.Files) > 0 {
		sb.WriteString("\n## Files\n\n")
		for _, f := range r.Files {
			fmt.Fprintf(&sb, "- `%s`\n", f)
		}
	}
	return sb.String()
}

// Render formats markdown for the terminal with the named glamour style
// ("dark", "light", "notty", ...).
func Render(markdown, style string) (string, error) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStylePath(style),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create renderer: %w", err)
	}
	return renderer.Render(markdown)
}
