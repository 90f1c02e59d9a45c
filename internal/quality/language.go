package quality

import (
	"sort"
	"strings"
)

// LanguageUnspecified is returned when no stopword profile matches.
const LanguageUnspecified = "unspecified"

// minStopwordHits is the match floor below which detection gives up. Language
// detection here is deliberately a cheap stopword heuristic; it runs last in
// the check order so garbled or low-confidence text never reaches it.
const minStopwordHits = 3

var stopwordProfiles = map[string][]string{
	"english": {"the", "and", "of", "to", "in", "was", "is", "that", "for", "with", "were", "from"},
	"french":  {"le", "la", "les", "de", "des", "et", "est", "dans", "que", "pour", "une", "sur"},
	"german":  {"der", "die", "das", "und", "von", "ist", "mit", "den", "nicht", "auf", "eine", "dem"},
	"spanish": {"el", "la", "los", "las", "de", "y", "en", "que", "del", "una", "por", "con"},
}

// DetectLanguage guesses the language of text by counting stopword hits per
// profile. Returns LanguageUnspecified when no profile clears the floor.
func DetectLanguage(text string) string {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return LanguageUnspecified
	}
	limit := len(words)
	if limit > 400 {
		limit = 400
	}

	counts := make(map[string]int, len(stopwordProfiles))
	for lang, stopwords := range stopwordProfiles {
		set := make(map[string]struct{}, len(stopwords))
		for _, w := range stopwords {
			set[w] = struct{}{}
		}
		for _, w := range words[:limit] {
			if _, ok := set[w]; ok {
				counts[lang]++
			}
		}
	}

	// Profiles are visited in name order so ties resolve the same way on
	// every run.
	langs := make([]string, 0, len(counts))
	for lang := range counts {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	best, bestCount := LanguageUnspecified, 0
	for _, lang := range langs {
		if counts[lang] > bestCount {
			best, bestCount = lang, counts[lang]
		}
	}
	if bestCount < minStopwordHits {
		return LanguageUnspecified
	}
	return best
}
