package bench

import (
	"slices"

	"github.com/example/go-attnbench/internal/matrix"
)

// Ranked is one successful outcome within its configuration group.
type Ranked struct {
	Outcome Outcome
	Rank    int     // 1-based, fastest first
	Speedup float64 // slowest time / this time
}

// Group holds the ranked successes of one configuration.
type Group struct {
	Config   string
	Scenario matrix.Scenario
	Entries  []Ranked
}

// Mean is an implementation's average time over the configurations of a
// scenario it succeeded on.
type Mean struct {
	Name   string
	MeanMS float64
	Count  int
}

// ScenarioSummary averages every implementation within one scenario.
type ScenarioSummary struct {
	Scenario matrix.Scenario
	Means    []Mean
	Winner   Mean
}

// Summary is the aggregated view of an outcome sequence.
type Summary struct {
	Groups    []Group
	Scenarios []ScenarioSummary
	Total     int
	Failures  int
}

// Aggregate ranks successes per configuration and picks a winner per
// scenario. It accepts any prefix of a run's outcomes.
func Aggregate(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes)}

	groupIdx := map[string]int{}

	for _, o := range outcomes {
		if !o.Success || o.TimeMS == nil {
			s.Failures++
			continue
		}

		i, ok := groupIdx[o.Config]
		if !ok {
			i = len(s.Groups)
			groupIdx[o.Config] = i
			s.Groups = append(s.Groups, Group{Config: o.Config, Scenario: o.Scenario})
		}

		s.Groups[i].Entries = append(s.Groups[i].Entries, Ranked{Outcome: o})
	}

	for gi := range s.Groups {
		rankGroup(&s.Groups[gi])
	}

	s.Scenarios = scenarioMeans(outcomes)

	return s
}

func rankGroup(g *Group) {
	slices.SortStableFunc(g.Entries, func(a, b Ranked) int {
		switch at, bt := a.Outcome.Time(), b.Outcome.Time(); {
		case at < bt:
			return -1
		case at > bt:
			return 1
		default:
			return 0
		}
	})

	baseline := 0.0
	for _, e := range g.Entries {
		baseline = max(baseline, e.Outcome.Time())
	}

	for i := range g.Entries {
		g.Entries[i].Rank = i + 1
		g.Entries[i].Speedup = baseline / g.Entries[i].Outcome.Time()
	}
}

type meanAcc struct {
	sum   float64
	count int
}

func scenarioMeans(outcomes []Outcome) []ScenarioSummary {
	var (
		order  []matrix.Scenario
		names  = map[matrix.Scenario][]string{}
		totals = map[matrix.Scenario]map[string]*meanAcc{}
	)

	for _, o := range outcomes {
		if !o.Success || o.TimeMS == nil {
			continue
		}

		byName, ok := totals[o.Scenario]
		if !ok {
			byName = map[string]*meanAcc{}
			totals[o.Scenario] = byName
			order = append(order, o.Scenario)
		}

		acc, ok := byName[o.Name]
		if !ok {
			acc = &meanAcc{}
			byName[o.Name] = acc
			names[o.Scenario] = append(names[o.Scenario], o.Name)
		}

		acc.sum += o.Time()
		acc.count++
	}

	out := make([]ScenarioSummary, 0, len(order))

	for _, sc := range order {
		ss := ScenarioSummary{Scenario: sc}

		for _, name := range names[sc] {
			acc := totals[sc][name]
			m := Mean{Name: name, MeanMS: acc.sum / float64(acc.count), Count: acc.count}
			ss.Means = append(ss.Means, m)

			if len(ss.Means) == 1 || m.MeanMS < ss.Winner.MeanMS {
				ss.Winner = m
			}
		}

		out = append(out, ss)
	}

	return out
}

// Winner returns the winning implementation for sc, if any succeeded.
func (s Summary) Winner(sc matrix.Scenario) (Mean, bool) {
	for _, ss := range s.Scenarios {
		if ss.Scenario == sc {
			return ss.Winner, true
		}
	}

	return Mean{}, false
}

// Group returns the ranked group for a configuration name.
func (s Summary) Group(config string) (Group, bool) {
	for _, g := range s.Groups {
		if g.Config == config {
			return g, true
		}
	}

	return Group{}, false
}
