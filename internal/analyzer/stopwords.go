package analyzer

var englishStopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "so": {}, "can": {},
}

var germanStopWords = map[string]struct{}{
	"der": {}, "die": {}, "das": {}, "und": {}, "oder": {}, "aber": {},
	"ein": {}, "eine": {}, "einer": {}, "mit": {}, "von": {}, "zu": {},
	"im": {}, "ist": {}, "sind": {}, "war": {}, "auf": {}, "den": {},
	"dem": {}, "des": {}, "als": {}, "auch": {}, "an": {}, "es": {},
}

// stopWordsForLocale returns the stop-word set for a locale, defaulting to
// English for unknown locales. "none" disables stop-word removal.
func stopWordsForLocale(locale string) map[string]struct{} {
	switch locale {
	case "de":
		return germanStopWords
	case "none":
		return map[string]struct{}{}
	default:
		return englishStopWords
	}
}
