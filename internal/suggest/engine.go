// Package suggest derives autocomplete and spelling-correction structures
// from the live index term set. The engine registers as a term listener on
// the index store so its trie and trigram tables track commits without
// rescanning the dictionary.
package suggest

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/fleetdocs/searchd/internal/analyzer"
	"github.com/fleetdocs/searchd/pkg/config"
	"github.com/fleetdocs/searchd/pkg/metrics"
)

// walkCap bounds how many trie completions are considered before ranking by
// document frequency.
const walkCap = 256

// DocFreqer reports the number of live documents containing a term. The
// index store satisfies it.
type DocFreqer interface {
	DocFreq(term string) int
}

// Correction is one did-you-mean candidate.
type Correction struct {
	Term       string  `json:"term"`
	Similarity float64 `json:"similarity"`
}

// Engine serves autocomplete and spelling corrections. Safe for concurrent
// use.
type Engine struct {
	cfg      config.SuggestConfig
	df       DocFreqer
	analyzer *analyzer.Analyzer
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu    sync.RWMutex
	trie  *trie
	grams map[string]map[string]struct{}
}

// NewEngine creates an empty Engine. Call Bootstrap (or rely on listener
// notifications) to populate it.
func NewEngine(cfg config.SuggestConfig, df DocFreqer, an *analyzer.Analyzer, m *metrics.Metrics) *Engine {
	if cfg.MaxSuggestions <= 0 {
		cfg.MaxSuggestions = 5
	}
	return &Engine{
		cfg:      cfg,
		df:       df,
		analyzer: an,
		metrics:  m,
		logger:   slog.Default().With("component", "suggest"),
		trie:     newTrie(),
		grams:    make(map[string]map[string]struct{}),
	}
}

// Bootstrap seeds the engine from an existing term dictionary, typically
// after the index store replays persisted documents on startup.
func (e *Engine) Bootstrap(each func(fn func(term string, df int))) {
	count := 0
	each(func(term string, _ int) {
		e.addTerm(term)
		count++
	})
	e.logger.Info("suggestion engine bootstrapped", "terms", count)
}

// TermsAdded implements index.TermListener.
func (e *Engine) TermsAdded(terms []string) {
	for _, t := range terms {
		e.addTerm(t)
	}
}

// TermsRemoved implements index.TermListener.
func (e *Engine) TermsRemoved(terms []string) {
	for _, t := range terms {
		e.removeTerm(t)
	}
}

func (e *Engine) addTerm(term string) {
	if term == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trie.insert(term)
	for _, g := range analyzer.Trigrams(term) {
		set, ok := e.grams[g]
		if !ok {
			set = make(map[string]struct{})
			e.grams[g] = set
		}
		set[term] = struct{}{}
	}
}

func (e *Engine) removeTerm(term string) {
	if term == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trie.remove(term)
	for _, g := range analyzer.Trigrams(term) {
		if set, ok := e.grams[g]; ok {
			delete(set, term)
			if len(set) == 0 {
				delete(e.grams, g)
			}
		}
	}
}

// Autocomplete returns up to max live terms extending prefix, most frequent
// first. The prefix is folded the same way indexed text is, so "Bra" and
// "bra" complete identically.
func (e *Engine) Autocomplete(prefix string, max int) []string {
	if e.metrics != nil {
		e.metrics.SuggestRequestsTotal.WithLabelValues("autocomplete").Inc()
	}
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil
	}
	if max <= 0 || max > e.cfg.MaxSuggestions {
		max = e.cfg.MaxSuggestions
	}

	e.mu.RLock()
	candidates := e.trie.walk(prefix, walkCap)
	e.mu.RUnlock()
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := e.df.DocFreq(candidates[i]), e.df.DocFreq(candidates[j])
		if di != dj {
			return di > dj
		}
		return candidates[i] < candidates[j]
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}

// Correct returns spelling corrections for one word, best first. Candidates
// share at least one trigram with the input and clear the configured
// similarity threshold.
func (e *Engine) Correct(word string, max int) []Correction {
	if e.metrics != nil {
		e.metrics.SuggestRequestsTotal.WithLabelValues("correct").Inc()
	}
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return nil
	}
	if max <= 0 || max > e.cfg.MaxSuggestions {
		max = e.cfg.MaxSuggestions
	}

	e.mu.RLock()
	seen := make(map[string]struct{})
	var out []Correction
	for _, g := range analyzer.Trigrams(word) {
		for term := range e.grams[g] {
			if term == word {
				continue
			}
			if _, dup := seen[term]; dup {
				continue
			}
			seen[term] = struct{}{}
			if sim := analyzer.TrigramSimilarity(word, term); sim >= e.cfg.SimilarityThreshold {
				out = append(out, Correction{Term: term, Similarity: sim})
			}
		}
	}
	e.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		di, dj := e.df.DocFreq(out[i].Term), e.df.DocFreq(out[j].Term)
		if di != dj {
			return di > dj
		}
		return out[i].Term < out[j].Term
	})
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// DidYouMean rewrites a zero-result query by correcting its words that hit
// nothing in the index. Words already known to the index pass through
// unchanged; if no word can be corrected there is no suggestion.
func (e *Engine) DidYouMean(words []string, max int) []string {
	if len(words) == 0 {
		return nil
	}
	if max <= 0 || max > e.cfg.MaxSuggestions {
		max = e.cfg.MaxSuggestions
	}

	type slot struct {
		original    string
		corrections []Correction
	}
	slots := make([]slot, 0, len(words))
	corrected := false
	for _, w := range words {
		norm := e.analyzer.Normalize(w)
		s := slot{original: strings.ToLower(w)}
		if norm != "" {
			s.original = norm
			if e.df.DocFreq(norm) <= e.cfg.ZeroResultCutoff {
				s.corrections = e.Correct(norm, max)
				if len(s.corrections) > 0 {
					corrected = true
				}
			}
		}
		slots = append(slots, s)
	}
	if !corrected {
		return nil
	}

	// One suggestion per alternative of the first correctable word; the
	// remaining words take their best correction.
	var out []string
	first := -1
	for i := range slots {
		if len(slots[i].corrections) > 0 {
			first = i
			break
		}
	}
	for _, alt := range slots[first].corrections {
		parts := make([]string, len(slots))
		for i, s := range slots {
			switch {
			case i == first:
				parts[i] = alt.Term
			case len(s.corrections) > 0:
				parts[i] = s.corrections[0].Term
			default:
				parts[i] = s.original
			}
		}
		out = append(out, strings.Join(parts, " "))
		if len(out) >= max {
			break
		}
	}
	return out
}
