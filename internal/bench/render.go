package bench

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorGold   = lipgloss.Color("#F59E0B")
	colorAccent = lipgloss.Color("#10B981")
	colorError  = lipgloss.Color("#EF4444")
	colorMuted  = lipgloss.Color("#6B7280")
	colorTitle  = lipgloss.Color("#7C3AED")

	titleStyle = lipgloss.NewStyle().
			Foreground(colorTitle).
			Bold(true)

	configStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#06B6D4")).
			Bold(true)

	winnerStyle = lipgloss.NewStyle().
			Foreground(colorGold).
			Bold(true)

	fastStyle = lipgloss.NewStyle().
			Foreground(colorAccent)

	failStyle = lipgloss.NewStyle().
			Foreground(colorError)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorTitle).
			Padding(0, 1)
)

var medals = [...]string{"🥇", "🥈", "🥉"}

// Medal returns the medal for a 1-based rank, or two spaces past third place.
func Medal(rank int) string {
	if rank >= 1 && rank <= len(medals) {
		return medals[rank-1]
	}

	return "  "
}

// Render writes the styled console summary with medals for the top three of
// each configuration.
func Render(s Summary, w io.Writer) {
	var b strings.Builder

	b.WriteString(titleStyle.Render("SUMMARY - Best Times per Configuration"))
	b.WriteString("\n")

	for _, g := range s.Groups {
		b.WriteString("\n")
		b.WriteString(configStyle.Render(g.Config + ":"))
		b.WriteString("\n")

		for _, e := range g.Entries {
			line := fmt.Sprintf("%s %-28s: %8.2f ms (%5.2fx speedup)",
				Medal(e.Rank), e.Outcome.Name, e.Outcome.Time(), e.Speedup)
			if e.Rank == 1 {
				line = fastStyle.Render(line)
			}

			b.WriteString("  " + line + "\n")
		}
	}

	if len(s.Scenarios) > 0 {
		var wb strings.Builder

		wb.WriteString(titleStyle.Render("WINNERS BY SCENARIO"))

		for _, ss := range s.Scenarios {
			wb.WriteString("\n")
			wb.WriteString(winnerStyle.Render(fmt.Sprintf("🏆 Best for %s: %s", scenarioTitle(ss.Scenario), ss.Winner.Name)))
			wb.WriteString(dimStyle.Render(fmt.Sprintf(" (avg %.2f ms)", ss.Winner.MeanMS)))
		}

		b.WriteString("\n")
		b.WriteString(boxStyle.Render(wb.String()))
		b.WriteString("\n")
	}

	if s.Failures > 0 {
		b.WriteString(failStyle.Render(fmt.Sprintf("%d of %d outcomes failed", s.Failures, s.Total)))
		b.WriteString("\n")
	}

	fmt.Fprint(w, b.String())
}
