package main

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// LabeledAnswer is a stage-1 answer stripped of its model identity, carrying
// only the anonymized label reviewers see.
type LabeledAnswer struct {
	Label    string
	Response string
}

// AssignLabels gives each successful stage-1 answer a label ("Response A",
// "Response B", ...) in stage-1 input order and returns the label-to-model
// lookup alongside the anonymized answers. Failed answers get no label and
// are invisible to reviewers. The input order is the dispatcher's stable
// input order, so the same answer set always yields the same assignment.
func AssignLabels(stage1Results []Stage1Response) (map[string]string, []LabeledAnswer) {
	labelToModel := make(map[string]string)
	var labeled []LabeledAnswer

	for _, result := range stage1Results {
		if !result.OK() {
			continue
		}
		label := fmt.Sprintf("Response %c", rune('A'+len(labeled)))
		labelToModel[label] = result.Model
		labeled = append(labeled, LabeledAnswer{Label: label, Response: result.Response})
	}

	return labelToModel, labeled
}

var (
	// rankingLinePattern matches one line of a numbered ranking, with an
	// optional justification after a dash or colon, e.g.
	// "1. Response A — concise and accurate".
	rankingLinePattern = regexp.MustCompile(`^\s*(?:\d+[.)]\s*)?(Response [A-Z])\s*(?:[-–—:]\s*(.*))?$`)

	// responseLabelPattern matches a bare label anywhere in text.
	responseLabelPattern = regexp.MustCompile(`Response [A-Z]`)
)

// ParseRankingFromText extracts the ranking from a model's response text.
// Looks for a "FINAL RANKING:" section and parses numbered lines into
// (label, justification) pairs. Falls back to extracting bare "Response X"
// mentions in order when the model ignored the format. Duplicate labels keep
// their first position. Returns an empty slice when nothing parseable is
// present; the caller decides whether that is an error.
func ParseRankingFromText(rankingText string) []RankedItem {
	section := rankingText
	if idx := strings.Index(rankingText, "FINAL RANKING:"); idx >= 0 {
		section = rankingText[idx+len("FINAL RANKING:"):]
	}

	seen := make(map[string]bool)
	var items []RankedItem

	for _, line := range strings.Split(section, "\n") {
		match := rankingLinePattern.FindStringSubmatch(strings.TrimRight(line, " \t\r"))
		if match == nil {
			continue
		}
		label := match[1]
		if seen[label] {
			continue
		}
		seen[label] = true
		items = append(items, RankedItem{Label: label, Reason: strings.TrimSpace(match[2])})
	}

	if len(items) > 0 {
		return items
	}

	// Fallback: bare label mentions in order, no justifications.
	for _, label := range responseLabelPattern.FindAllString(section, -1) {
		if seen[label] {
			continue
		}
		seen[label] = true
		items = append(items, RankedItem{Label: label})
	}

	return items
}

// FilterRanking drops entries whose label is not in the label map.
// Unrecognized labels are a reviewer hallucination, not a hard failure.
func FilterRanking(items []RankedItem, labelToModel map[string]string) []RankedItem {
	var filtered []RankedItem
	for _, item := range items {
		if _, ok := labelToModel[item.Label]; ok {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

// CalculateAggregateRankings computes per-model aggregate statistics across
// all usable peer rankings. A model's mean rank is the average 1-indexed
// position over the reviewers that mentioned it; reviewers that left it out
// contribute nothing. Models mentioned by no reviewer are excluded entirely.
// Reviewers supply no explicit scores, so the mean rank doubles as the mean
// score. The result is sorted by mean rank ascending, ties kept in label
// order, and is deterministic for a given input.
func CalculateAggregateRankings(stage2Results []Stage2Ranking, labelToModel map[string]string) []AggregateRanking {
	// Track 1-indexed positions for each model
	modelPositions := make(map[string][]int)

	for _, ranking := range stage2Results {
		if !ranking.OK() {
			continue
		}
		for position, item := range ranking.Parsed {
			if modelName, ok := labelToModel[item.Label]; ok {
				modelPositions[modelName] = append(modelPositions[modelName], position+1)
			}
		}
	}

	// Walk labels in label order so ties and iteration stay deterministic.
	labels := make([]string, 0, len(labelToModel))
	for label := range labelToModel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	aggregate := make([]AggregateRanking, 0, len(labels))
	for _, label := range labels {
		model := labelToModel[label]
		positions := modelPositions[model]
		if len(positions) == 0 {
			continue
		}

		sum := 0
		for _, pos := range positions {
			sum += pos
		}
		avgRank := float64(sum) / float64(len(positions))

		aggregate = append(aggregate, AggregateRanking{
			Model:         model,
			AverageRank:   avgRank,
			AverageScore:  avgRank,
			RankingsCount: len(positions),
		})
	}

	// Sort by average rank (lower is better), then average score; the
	// stable sort preserves label order for full ties.
	sort.SliceStable(aggregate, func(i, j int) bool {
		if aggregate[i].AverageRank != aggregate[j].AverageRank {
			return aggregate[i].AverageRank < aggregate[j].AverageRank
		}
		return aggregate[i].AverageScore < aggregate[j].AverageScore
	})

	return aggregate
}
