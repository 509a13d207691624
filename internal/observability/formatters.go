// Package observability renders run state for humans on the command line.
package observability

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/jonathan/creator-pipeline/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer writes boxed summaries of runs and stage results.
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

//nolint:errcheck // terminal output; nothing to recover
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(title))
	fmt.Fprintf(p.out, "├%s┤\n", border)
	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(line))
	}
	fmt.Fprintf(p.out, "└%s┘\n", border)
}

func truncate(line string) string {
	r := []rune(line)
	if len(r) > boxWidth-4 {
		return string(r[:boxWidth-7]) + "..."
	}
	return line
}

// PrintRun outputs the run status and one line per stage record.
func (p *Printer) PrintRun(run *types.PipelineRun, stages []types.StageResult) {
	if run == nil {
		return
	}
	var sb strings.Builder

	fmt.Fprintf(&sb, "Status:   %s (%d%%)\n", run.Status, run.OverallProgress)
	if run.CurrentStage != nil {
		fmt.Fprintf(&sb, "Stage:    %s\n", *run.CurrentStage)
	}
	if len(run.CompletedStages) > 0 {
		names := make([]string, 0, len(run.CompletedStages))
		for _, s := range run.CompletedStages {
			names = append(names, string(s))
		}
		fmt.Fprintf(&sb, "Done:     %s\n", strings.Join(names, ", "))
	}
	if run.CancelRequested && !run.Status.IsTerminal() {
		sb.WriteString("Cancel requested\n")
	}
	if run.ErrorMessage != nil {
		fmt.Fprintf(&sb, "Error:    %s\n", *run.ErrorMessage)
	}

	if len(stages) > 0 {
		sb.WriteString("\n")
		for _, s := range stages {
			fmt.Fprintf(&sb, "  • %-7s %-9s %d items", s.Stage, s.Status, s.ItemCount)
			if s.Overflowed() {
				sb.WriteString(" (blob)")
			}
			sb.WriteString("\n")
		}
	}

	p.printBox("Run "+run.ID, sb.String())
}

// PrintCreators outputs the best-scored creators of a stage result list.
// Unscored profiles are listed after scored ones, in their original order.
func (p *Printer) PrintCreators(stage types.Stage, profiles []types.CreatorProfile) {
	var sb strings.Builder
	if len(profiles) == 0 {
		sb.WriteString("No creators\n")
		p.printBox(fmt.Sprintf("%s results", stage), sb.String())
		return
	}

	ranked := slices.Clone(profiles)
	slices.SortStableFunc(ranked, func(a, b types.CreatorProfile) int {
		return cmp.Compare(fitOf(b), fitOf(a))
	})

	count := min(len(ranked), maxItemsToShow)
	for i := 0; i < count; i++ {
		c := ranked[i]
		fmt.Fprintf(&sb, "%d. @%s", i+1, c.Account)
		if c.FitScore != nil {
			fmt.Fprintf(&sb, "  fit %d/10", *c.FitScore)
		}
		fmt.Fprintf(&sb, "  %s followers\n", humanCount(c.Followers))
		if c.FitRationale != "" {
			fmt.Fprintf(&sb, "   %s\n", c.FitRationale)
		}
	}
	if len(ranked) > maxItemsToShow {
		fmt.Fprintf(&sb, "... and %d more\n", len(ranked)-maxItemsToShow)
	}

	p.printBox(fmt.Sprintf("%s results (%d)", stage, len(profiles)), sb.String())
}

func fitOf(c types.CreatorProfile) int {
	if c.FitScore == nil {
		return 0
	}
	return *c.FitScore
}

func humanCount(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
