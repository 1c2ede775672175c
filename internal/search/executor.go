// Package search executes parsed query trees against the index store and
// ranks the matching documents. Execution is read-only and lock-free with
// respect to writes: each postings lookup sees a consistent per-document
// snapshot, and cross-document consistency within one query is explicitly
// not guaranteed.
package search

import (
	"context"
	"log/slog"
	"sort"

	"github.com/RoaringBitmap/roaring"

	"github.com/fleetdocs/searchd/internal/analyzer"
	"github.com/fleetdocs/searchd/internal/index"
	"github.com/fleetdocs/searchd/internal/query"
)

// maxPrefixExpansion bounds how many indexed terms one trailing wildcard may
// expand to.
const maxPrefixExpansion = 64

// Matches accumulates, per normalised term, the postings that contributed
// to the candidate set. The ranker scores only postings whose document
// survived boolean evaluation.
type Matches struct {
	postings map[string]index.PostingList
	terms    []string
}

func newMatches() *Matches {
	return &Matches{postings: make(map[string]index.PostingList)}
}

// Terms returns the matched normalised terms in first-seen order.
func (m *Matches) Terms() []string {
	return m.terms
}

func (m *Matches) add(term string, pl index.PostingList) {
	if len(pl) == 0 {
		return
	}
	if _, seen := m.postings[term]; !seen {
		m.terms = append(m.terms, term)
	}
	m.postings[term] = append(m.postings[term], pl...)
}

// Executor evaluates query trees over the index store.
type Executor struct {
	store       *index.Store
	analyzer    *analyzer.Analyzer
	knownFields map[string]struct{}
	logger      *slog.Logger
}

// NewExecutor creates an Executor. knownFields lists the field names that
// may be used as field scopes; unknown scopes fall back to the default
// combined field.
func NewExecutor(store *index.Store, an *analyzer.Analyzer, knownFields []string) *Executor {
	known := make(map[string]struct{}, len(knownFields))
	for _, f := range knownFields {
		known[f] = struct{}{}
	}
	return &Executor{
		store:       store,
		analyzer:    an,
		knownFields: known,
		logger:      slog.Default().With("component", "query-executor"),
	}
}

// Evaluate computes the candidate document set for the tree and collects the
// contributing postings for ranking. A nil tree yields an empty candidate
// set.
func (e *Executor) Evaluate(ctx context.Context, tree query.Node) (*roaring.Bitmap, *Matches, error) {
	matches := newMatches()
	if tree == nil {
		return roaring.New(), matches, nil
	}
	docs, err := e.eval(ctx, tree, matches)
	if err != nil {
		return nil, nil, err
	}
	return docs, matches, nil
}

func (e *Executor) eval(ctx context.Context, n query.Node, matches *Matches) (*roaring.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch node := n.(type) {
	case *query.Term:
		return e.evalTerm(node, matches), nil
	case *query.Prefix:
		return e.evalPrefix(node, matches), nil
	case *query.Phrase:
		return e.evalPhrase(node, matches), nil
	case *query.And:
		return e.evalAnd(ctx, node, matches)
	case *query.Or:
		return e.evalOr(ctx, node, matches)
	case *query.Not:
		child, err := e.eval(ctx, node.Child, newMatches())
		if err != nil {
			return nil, err
		}
		all := e.store.AllDocs()
		all.AndNot(child)
		return all, nil
	default:
		return roaring.New(), nil
	}
}

// scopeField maps a user-supplied field scope onto an index field. Unknown
// scopes search the default combined field (all fields) to stay forgiving of
// free-text UI input.
func (e *Executor) scopeField(field string) string {
	if _, ok := e.knownFields[field]; ok {
		return field
	}
	return ""
}

func (e *Executor) evalTerm(node *query.Term, matches *Matches) *roaring.Bitmap {
	term := e.analyzer.Normalize(node.Word)
	if term == "" {
		return roaring.New()
	}
	field := e.scopeField(node.Field)
	postings := e.store.Lookup(term, field)
	matches.add(term, postings)

	docs := roaring.New()
	for i := range postings {
		docs.Add(postings[i].Ordinal)
	}
	return docs
}

func (e *Executor) evalPrefix(node *query.Prefix, matches *Matches) *roaring.Bitmap {
	field := e.scopeField(node.Field)
	docs := roaring.New()
	for _, tc := range e.store.TermsWithPrefix(node.Stem, maxPrefixExpansion) {
		postings := e.store.Lookup(tc.Term, field)
		matches.add(tc.Term, postings)
		for i := range postings {
			docs.Add(postings[i].Ordinal)
		}
	}
	return docs
}

// evalPhrase intersects the phrase words' postings and keeps only documents
// where the words appear in exact adjacency within a single field. Positions
// count surviving analyzer tokens, so adjacency is adjacency in the indexed
// stream.
func (e *Executor) evalPhrase(node *query.Phrase, matches *Matches) *roaring.Bitmap {
	field := e.scopeField(node.Field)

	terms := make([]string, 0, len(node.Words))
	for _, w := range node.Words {
		if t := e.analyzer.Normalize(w); t != "" {
			terms = append(terms, t)
		}
	}
	if len(terms) == 0 {
		return roaring.New()
	}

	perTerm := make([]index.PostingList, len(terms))
	candidate := roaring.New()
	for i, term := range terms {
		perTerm[i] = e.store.Lookup(term, field)
		docs := roaring.New()
		for j := range perTerm[i] {
			docs.Add(perTerm[i][j].Ordinal)
		}
		if i == 0 {
			candidate = docs
		} else {
			candidate.And(docs)
		}
	}
	if candidate.IsEmpty() {
		return candidate
	}

	result := roaring.New()
	it := candidate.Iterator()
	for it.HasNext() {
		ord := it.Next()
		if phraseMatches(perTerm, ord) {
			result.Add(ord)
		}
	}
	if !result.IsEmpty() {
		for i, term := range terms {
			var kept index.PostingList
			for j := range perTerm[i] {
				if result.Contains(perTerm[i][j].Ordinal) {
					kept = append(kept, perTerm[i][j])
				}
			}
			matches.add(term, kept)
		}
	}
	return result
}

// phraseMatches reports whether the document has all phrase terms adjacent
// in order within one field.
func phraseMatches(perTerm []index.PostingList, ord uint32) bool {
	// field -> positions of term i
	positions := make([]map[string][]int, len(perTerm))
	for i, pl := range perTerm {
		positions[i] = make(map[string][]int)
		for j := range pl {
			if pl[j].Ordinal == ord {
				positions[i][pl[j].Field] = append(positions[i][pl[j].Field], pl[j].Positions...)
			}
		}
		if len(positions[i]) == 0 {
			return false
		}
	}
	for field, starts := range positions[0] {
		for _, start := range starts {
			ok := true
			for i := 1; i < len(positions); i++ {
				if !containsPos(positions[i][field], start+i) {
					ok = false
					break
				}
			}
			if ok {
				return true
			}
		}
	}
	return false
}

func containsPos(sorted []int, want int) bool {
	i := sort.SearchInts(sorted, want)
	return i < len(sorted) && sorted[i] == want
}

func (e *Executor) evalAnd(ctx context.Context, node *query.And, matches *Matches) (*roaring.Bitmap, error) {
	var acc *roaring.Bitmap
	for _, child := range node.Children {
		// Stop-word terms impose no constraint; intersecting with their
		// empty postings would wrongly zero the result.
		if e.isNoise(child) {
			continue
		}
		docs, err := e.eval(ctx, child, matches)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			acc = docs
		} else {
			acc.And(docs)
		}
		if acc.IsEmpty() {
			return acc, nil
		}
	}
	if acc == nil {
		acc = roaring.New()
	}
	return acc, nil
}

func (e *Executor) evalOr(ctx context.Context, node *query.Or, matches *Matches) (*roaring.Bitmap, error) {
	acc := roaring.New()
	for _, child := range node.Children {
		if e.isNoise(child) {
			continue
		}
		docs, err := e.eval(ctx, child, matches)
		if err != nil {
			return nil, err
		}
		acc.Or(docs)
	}
	return acc, nil
}

// isNoise reports whether the node is a bare term that normalises to
// nothing (a stop-word or too-short word).
func (e *Executor) isNoise(n query.Node) bool {
	t, ok := n.(*query.Term)
	return ok && e.analyzer.Normalize(t.Word) == ""
}
