package bench

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/example/go-attnbench/internal/matrix"
)

const ruleWidth = 70

// FormatTable writes a plain-text summary: one ranked table per configuration
// followed by the winner of each scenario.
func FormatTable(s Summary, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintln(sb, strings.Repeat("=", ruleWidth))
	fmt.Fprintln(sb, "SUMMARY - Best Times per Configuration")
	fmt.Fprintln(sb, strings.Repeat("=", ruleWidth))

	for _, g := range s.Groups {
		fmt.Fprintf(sb, "\n%s:\n", g.Config)
		fmt.Fprintf(sb, "  %-4s  %-28s  %10s  %10s  %14s  %9s\n", "Rank", "Implementation", "MS", "Speedup", "Tokens/s", "Mem(GB)")
		fmt.Fprintln(sb, "  "+strings.Repeat("-", ruleWidth+12))

		for _, e := range g.Entries {
			fmt.Fprintf(sb, "  %-4d  %-28s  %10.2f  %9.2fx  %14.0f  %9.2f\n",
				e.Rank,
				e.Outcome.Name,
				e.Outcome.Time(),
				e.Speedup,
				e.Outcome.Tokens(),
				e.Outcome.Memory(),
			)
		}
	}

	fmt.Fprintln(sb)
	fmt.Fprintln(sb, strings.Repeat("=", ruleWidth))
	fmt.Fprintln(sb, "WINNERS BY SCENARIO")
	fmt.Fprintln(sb, strings.Repeat("=", ruleWidth))

	for _, ss := range s.Scenarios {
		fmt.Fprintf(sb, "Best for %s: %s (avg %.2f ms over %d)\n",
			scenarioTitle(ss.Scenario), ss.Winner.Name, ss.Winner.MeanMS, ss.Winner.Count)
	}

	fmt.Fprintf(sb, "\n%d outcomes, %d failed\n", s.Total, s.Failures)

	fmt.Fprint(w, sb.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON. The
// outcomes array is authoritative; groups and winners are derived.
type jsonReport struct {
	Outcomes []Outcome    `json:"outcomes"`
	Groups   []jsonGroup  `json:"groups"`
	Winners  []jsonWinner `json:"winners"`
	Failures int          `json:"failures"`
}

type jsonGroup struct {
	Config   string          `json:"config"`
	Scenario matrix.Scenario `json:"scenario"`
	Ranking  []jsonRanked    `json:"ranking"`
}

type jsonRanked struct {
	Rank    int     `json:"rank"`
	Name    string  `json:"name"`
	TimeMS  float64 `json:"time_ms"`
	Speedup float64 `json:"speedup"`
}

type jsonWinner struct {
	Scenario matrix.Scenario `json:"scenario"`
	Name     string          `json:"name"`
	MeanMS   float64         `json:"mean_ms"`
}

// FormatJSON writes the outcome sequence and its summary as indented JSON.
func FormatJSON(outcomes []Outcome, s Summary, w io.Writer) error {
	jr := jsonReport{
		Outcomes: outcomes,
		Groups:   make([]jsonGroup, len(s.Groups)),
		Winners:  make([]jsonWinner, len(s.Scenarios)),
		Failures: s.Failures,
	}
	if jr.Outcomes == nil {
		jr.Outcomes = []Outcome{}
	}

	for i, g := range s.Groups {
		jg := jsonGroup{Config: g.Config, Scenario: g.Scenario, Ranking: make([]jsonRanked, len(g.Entries))}
		for j, e := range g.Entries {
			jg.Ranking[j] = jsonRanked{
				Rank:    e.Rank,
				Name:    e.Outcome.Name,
				TimeMS:  e.Outcome.Time(),
				Speedup: e.Speedup,
			}
		}

		jr.Groups[i] = jg
	}

	for i, ss := range s.Scenarios {
		jr.Winners[i] = jsonWinner{Scenario: ss.Scenario, Name: ss.Winner.Name, MeanMS: ss.Winner.MeanMS}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(jr); err != nil {
		return fmt.Errorf("bench: encode report: %w", err)
	}

	return nil
}

// DecodeOutcomes reads the outcomes array of a report written by FormatJSON.
func DecodeOutcomes(r io.Reader) ([]Outcome, error) {
	var jr jsonReport
	if err := json.NewDecoder(r).Decode(&jr); err != nil {
		return nil, fmt.Errorf("bench: decode report: %w", err)
	}

	return jr.Outcomes, nil
}

// WriteBanner prints the per-configuration header shown before its
// implementations run.
func WriteBanner(w io.Writer, cfg matrix.Configuration, heads, headDim int) {
	fmt.Fprintf(w, "\n%s\n", strings.Repeat("=", ruleWidth))
	fmt.Fprintf(w, "Configuration: %s\n", cfg.Name)
	fmt.Fprintf(w, "%s\n", strings.Repeat("=", ruleWidth))
	fmt.Fprintf(w, "Batch size: %d\n", cfg.Batch)
	fmt.Fprintf(w, "Query seq length: %d\n", cfg.QueryLen)
	fmt.Fprintf(w, "Key/Value seq length: %d\n", cfg.KV())
	fmt.Fprintf(w, "Num heads: %d\n", heads)
	fmt.Fprintf(w, "Head dim: %d\n", headDim)
	fmt.Fprintf(w, "Scenario: %s\n", cfg.Scenario)
}

// WriteProgress prints the one-line result of an outcome.
func WriteProgress(w io.Writer, o Outcome) {
	if !o.Success {
		fmt.Fprintf(w, "  %-28s failed: %s\n", o.Name, o.Error)
		return
	}

	fmt.Fprintf(w, "  %-28s ok %.2f ms | %.0f tokens/sec | %.2f GB\n",
		o.Name, o.Time(), o.Tokens(), o.Memory())
}

func scenarioTitle(sc matrix.Scenario) string {
	s := string(sc)
	if s == "" {
		return s
	}

	return strings.ToUpper(s[:1]) + s[1:]
}
