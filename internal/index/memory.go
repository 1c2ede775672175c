package index

import (
	"sort"
	"sync"
)

// memShard is one lock stripe of the in-memory inverted index. Documents are
// routed to a shard by ID hash, so writes to different documents mostly
// proceed concurrently while reads take only the shard read-lock. Readers see
// either the pre- or post-update state of any one document, never a partial
// replace.
type memShard struct {
	mu sync.RWMutex
	// term -> field -> ordinal -> posting
	terms map[string]map[string]map[uint32]*Posting
	docs  map[string]*DocMeta
	// docID -> terms currently posted for it, for full replacement
	docTerms map[string]map[string]struct{}
}

func newMemShard() *memShard {
	return &memShard{
		terms:    make(map[string]map[string]map[uint32]*Posting),
		docs:     make(map[string]*DocMeta),
		docTerms: make(map[string]map[string]struct{}),
	}
}

// meta returns a copy of the document metadata, if present.
func (s *memShard) meta(docID string) (DocMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.docs[docID]
	if !ok {
		return DocMeta{}, false
	}
	return *m, true
}

// replaceResult reports what one atomic document swap changed.
type replaceResult struct {
	removed    []string
	added      []string
	prevTokens int
	existed    bool
	stale      bool
}

// replace atomically swaps all postings for the document. With guard set,
// an incoming revision not newer than the stored one leaves the shard
// untouched and reports stale; the check shares the write-lock with the
// swap, so concurrent writers for one document serialize and the highest
// revision wins regardless of arrival order. It returns the terms that
// stopped and started being posted so the caller can maintain global
// document-frequency counts.
func (s *memShard) replace(meta *DocMeta, postings []Posting, guard bool) replaceResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res replaceResult
	if prev, ok := s.docs[meta.DocID]; ok {
		res.existed = true
		res.prevTokens = prev.TotalTokens
		if guard && meta.Revision <= prev.Revision {
			res.stale = true
			return res
		}
	}

	oldTerms := s.docTerms[meta.DocID]
	newTerms := make(map[string]struct{}, len(postings))
	for i := range postings {
		newTerms[postings[i].Term] = struct{}{}
	}

	for term := range oldTerms {
		if _, still := newTerms[term]; !still {
			res.removed = append(res.removed, term)
		}
		s.dropDocFromTerm(term, meta.Ordinal)
	}
	for term := range newTerms {
		if _, had := oldTerms[term]; !had {
			res.added = append(res.added, term)
		}
	}

	for i := range postings {
		p := postings[i]
		byField, ok := s.terms[p.Term]
		if !ok {
			byField = make(map[string]map[uint32]*Posting)
			s.terms[p.Term] = byField
		}
		byDoc, ok := byField[p.Field]
		if !ok {
			byDoc = make(map[uint32]*Posting)
			byField[p.Field] = byDoc
		}
		byDoc[p.Ordinal] = &p
	}

	s.docs[meta.DocID] = meta
	s.docTerms[meta.DocID] = newTerms
	sort.Strings(res.removed)
	sort.Strings(res.added)
	return res
}

// remove deletes all postings and metadata for the document. Idempotent.
func (s *memShard) remove(docID string) (removedTerms []string, meta DocMeta, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.docs[docID]
	if !ok {
		return nil, DocMeta{}, false
	}
	for term := range s.docTerms[docID] {
		removedTerms = append(removedTerms, term)
		s.dropDocFromTerm(term, m.Ordinal)
	}
	delete(s.docs, docID)
	delete(s.docTerms, docID)
	sort.Strings(removedTerms)
	return removedTerms, *m, true
}

// dropDocFromTerm removes the document's postings for a term across all
// fields, pruning empty maps.
func (s *memShard) dropDocFromTerm(term string, ordinal uint32) {
	byField, ok := s.terms[term]
	if !ok {
		return
	}
	for field, byDoc := range byField {
		delete(byDoc, ordinal)
		if len(byDoc) == 0 {
			delete(byField, field)
		}
	}
	if len(byField) == 0 {
		delete(s.terms, term)
	}
}

// lookup returns this shard's postings for a term, optionally restricted to
// one field. The result is unsorted; the store merges and sorts across
// shards.
func (s *memShard) lookup(term, field string) []Posting {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byField, ok := s.terms[term]
	if !ok {
		return nil
	}
	var out []Posting
	if field != "" {
		for _, p := range byField[field] {
			out = append(out, *p)
		}
		return out
	}
	for _, byDoc := range byField {
		for _, p := range byDoc {
			out = append(out, *p)
		}
	}
	return out
}

// termDocCount returns how many distinct live documents in this shard carry
// the term in any field.
func (s *memShard) termDocCount(term string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byField, ok := s.terms[term]
	if !ok {
		return 0
	}
	docs := make(map[uint32]struct{})
	for _, byDoc := range byField {
		for ord := range byDoc {
			docs[ord] = struct{}{}
		}
	}
	return len(docs)
}

// docCount returns the number of live documents in this shard.
func (s *memShard) docCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// eachDoc invokes fn for every document in the shard under the read-lock.
func (s *memShard) eachDoc(fn func(meta *DocMeta)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.docs {
		fn(m)
	}
}
