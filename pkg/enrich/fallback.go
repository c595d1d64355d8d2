package enrich

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/datalab/medsync/pkg/types"
)

// FallbackModelVersion tags extractions produced without the model
const FallbackModelVersion = "rule-fallback-v1"

var symptomMarkers = []string{
	"fail", "fault", "error", "alarm", "leak", "noise", "broken",
	"defekt", "störung", "ausfall", "fehler",
}

// FallbackExtract produces a coarse rule-based extraction when the model is
// unavailable and policy allows the run to continue. Low confidence by
// construction so a later enriched run supersedes it.
func FallbackExtract(text string) *types.Extraction {
	return &types.Extraction{
		Keywords:       fallbackKeywords(text, 10),
		PrimarySymptom: fallbackSymptom(text),
		Summary:        truncate(strings.TrimSpace(text), 200),
		SolutionType:   "other",
		Components:     []string{},
		Processes:      []string{},
		Confidence:     0.1,
		ModelVersion:   FallbackModelVersion,
		ExtractedAt:    time.Now().UTC(),
	}
}

// fallbackKeywords picks the most frequent long words
func fallbackKeywords(text string, limit int) []string {
	counts := map[string]int{}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if len([]rune(w)) > 5 {
			counts[w]++
		}
	}
	unique := make([]string, 0, len(counts))
	for w := range counts {
		unique = append(unique, w)
	}
	sort.Slice(unique, func(i, j int) bool {
		if counts[unique[i]] != counts[unique[j]] {
			return counts[unique[i]] > counts[unique[j]]
		}
		return unique[i] < unique[j]
	})
	if len(unique) > limit {
		unique = unique[:limit]
	}
	return unique
}

// fallbackSymptom returns the first sentence mentioning a fault marker
func fallbackSymptom(text string) string {
	for _, sentence := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		lower := strings.ToLower(sentence)
		for _, marker := range symptomMarkers {
			if strings.Contains(lower, marker) {
				return truncate(strings.TrimSpace(sentence), 120)
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
