package coach

import (
	"fmt"
	"sort"

	"github.com/ashita-ai/swimcoach/internal/model"
)

// CompileFeedback merges feedback across iterations. The last iteration's
// items are taken as-is; earlier items are kept only when their description
// does not already appear. The result is ordered primary first, then by
// start time, with ties keeping merge order.
func CompileFeedback(iterations []model.AgentIteration) []model.TimestampedFeedback {
	out := []model.TimestampedFeedback{}
	if len(iterations) == 0 {
		return out
	}
	seen := make(map[string]bool)
	add := func(items []model.TimestampedFeedback) {
		for _, f := range items {
			if seen[f.Description] {
				continue
			}
			seen[f.Description] = true
			out = append(out, f)
		}
	}
	add(iterations[len(iterations)-1].Feedback)
	for _, it := range iterations[:len(iterations)-1] {
		add(it.Feedback)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].Start < out[j].Start
	})
	return out
}

// CompileStrengths merges strengths the same way feedback is merged, keyed
// by observation text, and orders them by start time.
func CompileStrengths(iterations []model.AgentIteration) []model.Strength {
	out := []model.Strength{}
	if len(iterations) == 0 {
		return out
	}
	seen := make(map[string]bool)
	add := func(items []model.Strength) {
		for _, s := range items {
			if seen[s.Observation] {
				continue
			}
			seen[s.Observation] = true
			out = append(out, s)
		}
	}
	add(iterations[len(iterations)-1].Strengths)
	for _, it := range iterations[:len(iterations)-1] {
		add(it.Strengths)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// CompileSummary returns the last iteration's summary with a note on how
// much of the video was reviewed.
func CompileSummary(iterations []model.AgentIteration) string {
	if len(iterations) == 0 {
		return "No analysis completed."
	}
	total := 0
	for _, it := range iterations {
		total += it.FramesAnalyzed
	}
	last := iterations[len(iterations)-1].Summary
	passes := "passes"
	if len(iterations) == 1 {
		passes = "pass"
	}
	return fmt.Sprintf("%s\n\nAnalyzed %d frames across %d %s for a thorough technique review.",
		last, total, len(iterations), passes)
}
