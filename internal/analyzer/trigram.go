package analyzer

// Trigrams returns the boundary-padded character 3-grams of a term, used for
// fuzzy term matching. Padding with '$' keeps short terms and term prefixes
// comparable ("brke" and "brake" share the leading-edge grams even though
// their interiors diverge).
func Trigrams(term string) []string {
	if term == "" {
		return nil
	}
	padded := "$$" + term + "$"
	grams := make([]string, 0, len(padded)-2)
	seen := make(map[string]struct{}, len(padded)-2)
	for i := 0; i+3 <= len(padded); i++ {
		g := padded[i : i+3]
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		grams = append(grams, g)
	}
	return grams
}

// TrigramSimilarity returns the Dice coefficient of two terms' trigram sets,
// in [0, 1].
func TrigramSimilarity(a, b string) float64 {
	ga := Trigrams(a)
	gb := Trigrams(b)
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(ga))
	for _, g := range ga {
		set[g] = struct{}{}
	}
	shared := 0
	for _, g := range gb {
		if _, ok := set[g]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ga)+len(gb))
}
