package index

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/fleetdocs/searchd/internal/analyzer"
	"github.com/fleetdocs/searchd/pkg/config"
	apperrors "github.com/fleetdocs/searchd/pkg/errors"
)

// Persister makes index mutations durable. Upsert and Remove call it before
// touching the in-memory structures; a mutation that cannot be persisted is
// never served.
type Persister interface {
	SaveDocument(ctx context.Context, doc Document, postings []Posting) error
	DeleteDocument(ctx context.Context, docID string) error
	LoadDocuments(ctx context.Context, fn func(doc Document) error) error
	SetTermFrequencies(ctx context.Context, df map[string]int) error
}

// Store is the index store: lock-striped in-memory postings with a global
// ordinal registry, document-frequency dictionary, and durable write-through
// persistence. All collaborators are constructor-injected.
type Store struct {
	shards   []*memShard
	analyzer *analyzer.Analyzer
	pers     Persister
	cfg      config.IndexConfig
	logger   *slog.Logger

	ordMu    sync.RWMutex
	ordinals map[string]uint32
	byOrd    map[uint32]string
	nextOrd  uint32

	dfMu sync.RWMutex
	df   map[string]int

	statsMu     sync.RWMutex
	totalDocs   int64
	totalTokens int64

	listenerMu sync.RWMutex
	listener   TermListener
}

// NewStore creates a Store with the given analyzer and optional persister
// (nil disables durability, used in tests).
func NewStore(cfg config.IndexConfig, an *analyzer.Analyzer, pers Persister) *Store {
	n := cfg.NumShards
	if n <= 0 {
		n = 8
	}
	shards := make([]*memShard, n)
	for i := range shards {
		shards[i] = newMemShard()
	}
	return &Store{
		shards:   shards,
		analyzer: an,
		pers:     pers,
		cfg:      cfg,
		logger:   slog.Default().With("component", "index-store"),
		ordinals: make(map[string]uint32),
		byOrd:    make(map[uint32]string),
		df:       make(map[string]int),
	}
}

// SetTermListener registers the listener notified on live term-set changes.
func (s *Store) SetTermListener(l TermListener) {
	s.listenerMu.Lock()
	s.listener = l
	s.listenerMu.Unlock()
}

func (s *Store) shardFor(docID string) *memShard {
	h := fnv.New32a()
	h.Write([]byte(docID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// ordinalFor returns the stable uint32 ordinal for a document ID, assigning
// one on first sight.
func (s *Store) ordinalFor(docID string) uint32 {
	s.ordMu.RLock()
	ord, ok := s.ordinals[docID]
	s.ordMu.RUnlock()
	if ok {
		return ord
	}
	s.ordMu.Lock()
	defer s.ordMu.Unlock()
	if ord, ok = s.ordinals[docID]; ok {
		return ord
	}
	ord = s.nextOrd
	s.nextOrd++
	s.ordinals[docID] = ord
	s.byOrd[ord] = docID
	return ord
}

// DocID resolves an ordinal back to its document ID.
func (s *Store) DocID(ord uint32) (string, bool) {
	s.ordMu.RLock()
	defer s.ordMu.RUnlock()
	id, ok := s.byOrd[ord]
	return id, ok
}

// Upsert atomically replaces all postings and metadata for doc.ID. If the
// incoming revision is not newer than the stored one the call is a no-op;
// this keeps a slow batch job from clobbering a newer real-time update.
// It returns the set of terms whose postings changed (old union new), which
// the caller feeds into cache invalidation.
func (s *Store) Upsert(ctx context.Context, doc Document) ([]string, error) {
	if doc.ID == "" {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 400, "document id is required")
	}

	postings, fieldLengths, totalTokens, err := s.analyzeFields(doc)
	if err != nil {
		return nil, err
	}

	// Fast path only; the authoritative check runs again under the shard
	// write-lock inside commit, so a concurrent newer revision committed
	// after this read still wins.
	shard := s.shardFor(doc.ID)
	if existing, ok := shard.meta(doc.ID); ok && doc.Revision <= existing.Revision {
		s.logger.Debug("upsert skipped by revision guard",
			"doc_id", doc.ID,
			"incoming_revision", doc.Revision,
			"stored_revision", existing.Revision,
		)
		return nil, nil
	}

	ord := s.ordinalFor(doc.ID)
	for i := range postings {
		postings[i].Ordinal = ord
		postings[i].DocID = doc.ID
	}

	doc.Status = StatusIndexed
	if s.pers != nil {
		// The SQL side carries its own revision guard, so a stale writer
		// that slips past the fast path cannot regress the durable copy
		// either.
		if err := s.pers.SaveDocument(ctx, doc, postings); err != nil {
			return nil, fmt.Errorf("persisting document %s: %w", doc.ID, err)
		}
	}

	affected, stale := s.commit(shard, doc, postings, fieldLengths, totalTokens, true)
	if stale {
		s.logger.Debug("upsert skipped by revision guard",
			"doc_id", doc.ID,
			"incoming_revision", doc.Revision,
		)
		return nil, nil
	}
	return affected, nil
}

// Reapply rebuilds the in-memory postings for doc without the revision
// guard and without re-persisting. Batch reindex uses it to refresh the
// memory image from the durable copy, for example after an analyzer
// configuration change.
func (s *Store) Reapply(_ context.Context, doc Document) ([]string, error) {
	if doc.ID == "" {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 400, "document id is required")
	}
	postings, fieldLengths, totalTokens, err := s.analyzeFields(doc)
	if err != nil {
		return nil, err
	}
	ord := s.ordinalFor(doc.ID)
	for i := range postings {
		postings[i].Ordinal = ord
		postings[i].DocID = doc.ID
	}
	doc.Status = StatusIndexed
	affected, _ := s.commit(s.shardFor(doc.ID), doc, postings, fieldLengths, totalTokens, false)
	return affected, nil
}

// commit swaps the document's postings and metadata into its shard, updates
// the df dictionary and corpus stats, notifies the term listener, and
// returns the affected-term set for cache invalidation. With guard set the
// swap is refused when the stored revision is not older, reported via
// stale.
func (s *Store) commit(shard *memShard, doc Document, postings []Posting, fieldLengths map[string]int, totalTokens int, guard bool) (affected []string, stale bool) {
	meta := &DocMeta{
		DocID:       doc.ID,
		Tenant:      doc.Tenant,
		Ordinal:     s.ordinalFor(doc.ID),
		Revision:    doc.Revision,
		Status:      StatusIndexed,
		Attrs:       doc.Attrs,
		Fields:      doc.Fields,
		FieldLength: fieldLengths,
		TotalTokens: totalTokens,
		UpdatedAt:   doc.UpdatedAt,
	}

	rep := shard.replace(meta, postings, guard)
	if rep.stale {
		return nil, true
	}
	newTerms, deadTerms := s.adjustDF(rep.added, rep.removed)

	s.statsMu.Lock()
	if !rep.existed {
		s.totalDocs++
	}
	s.totalTokens += int64(totalTokens - rep.prevTokens)
	s.statsMu.Unlock()

	s.notifyTerms(newTerms, deadTerms)

	affected = make([]string, 0, len(rep.removed)+len(rep.added))
	affected = append(affected, rep.removed...)
	affected = append(affected, rep.added...)
	unchanged := s.unchangedTerms(postings, rep.added)
	affected = append(affected, unchanged...)
	sort.Strings(affected)
	return dedupeStrings(affected), false
}

// Remove deletes all postings and metadata for the document. Idempotent: a
// missing document returns its (empty) affected-term set without error.
func (s *Store) Remove(ctx context.Context, docID string) ([]string, error) {
	if s.pers != nil {
		if err := s.pers.DeleteDocument(ctx, docID); err != nil {
			return nil, fmt.Errorf("deleting document %s: %w", docID, err)
		}
	}
	shard := s.shardFor(docID)
	removedTerms, meta, existed := shard.remove(docID)
	if !existed {
		return nil, nil
	}
	_, deadTerms := s.adjustDF(nil, removedTerms)

	s.statsMu.Lock()
	s.totalDocs--
	s.totalTokens -= int64(meta.TotalTokens)
	s.statsMu.Unlock()

	s.notifyTerms(nil, deadTerms)
	return removedTerms, nil
}

// Lookup returns the postings for a term, optionally restricted to a field,
// sorted by document ordinal for merge-join evaluation.
func (s *Store) Lookup(term, field string) PostingList {
	var out PostingList
	for _, shard := range s.shards {
		out = append(out, shard.lookup(term, field)...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].Field < out[j].Field
	})
	return out
}

// DocSet returns the set of document ordinals carrying the term.
func (s *Store) DocSet(term, field string) *roaring.Bitmap {
	bm := roaring.New()
	for _, shard := range s.shards {
		for _, p := range shard.lookup(term, field) {
			bm.Add(p.Ordinal)
		}
	}
	return bm
}

// AllDocs returns the set of all live document ordinals.
func (s *Store) AllDocs() *roaring.Bitmap {
	bm := roaring.New()
	for _, shard := range s.shards {
		shard.eachDoc(func(m *DocMeta) {
			bm.Add(m.Ordinal)
		})
	}
	return bm
}

// DocFreq returns the term's document frequency from the dictionary.
func (s *Store) DocFreq(term string) int {
	s.dfMu.RLock()
	defer s.dfMu.RUnlock()
	return s.df[term]
}

// Meta returns the metadata for a document ID.
func (s *Store) Meta(docID string) (DocMeta, bool) {
	return s.shardFor(docID).meta(docID)
}

// MetaByOrdinal resolves an ordinal and returns the document's metadata.
func (s *Store) MetaByOrdinal(ord uint32) (DocMeta, bool) {
	id, ok := s.DocID(ord)
	if !ok {
		return DocMeta{}, false
	}
	return s.Meta(id)
}

// TotalDocs returns the number of live documents.
func (s *Store) TotalDocs() int64 {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.totalDocs
}

// AvgDocLength returns the mean token count across live documents.
func (s *Store) AvgDocLength() float64 {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	if s.totalDocs == 0 {
		return 0
	}
	return float64(s.totalTokens) / float64(s.totalDocs)
}

// TermCount returns the number of distinct live terms.
func (s *Store) TermCount() int {
	s.dfMu.RLock()
	defer s.dfMu.RUnlock()
	return len(s.df)
}

// TermsWithPrefix returns up to max (term, document frequency) pairs sharing
// the prefix, ordered by descending frequency then term.
func (s *Store) TermsWithPrefix(prefix string, max int) []TermCount {
	s.dfMu.RLock()
	out := make([]TermCount, 0, 16)
	for term, df := range s.df {
		if strings.HasPrefix(term, prefix) {
			out = append(out, TermCount{Term: term, DocFreq: df})
		}
	}
	s.dfMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocFreq != out[j].DocFreq {
			return out[i].DocFreq > out[j].DocFreq
		}
		return out[i].Term < out[j].Term
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// EachTerm invokes fn for every (term, df) pair in the dictionary. Used to
// bootstrap the suggestion engine's derived structures.
func (s *Store) EachTerm(fn func(term string, df int)) {
	s.dfMu.RLock()
	terms := make([]TermCount, 0, len(s.df))
	for t, df := range s.df {
		terms = append(terms, TermCount{Term: t, DocFreq: df})
	}
	s.dfMu.RUnlock()
	sort.Slice(terms, func(i, j int) bool { return terms[i].Term < terms[j].Term })
	for _, tc := range terms {
		fn(tc.Term, tc.DocFreq)
	}
}

// TermCount pairs a term with its document frequency.
type TermCount struct {
	Term    string `json:"term"`
	DocFreq int    `json:"doc_freq"`
}

// Load rebuilds the in-memory index from the persister. Documents are
// replayed through the normal upsert path minus re-persistence.
func (s *Store) Load(ctx context.Context) error {
	if s.pers == nil {
		return nil
	}
	loaded := 0
	pers := s.pers
	s.pers = nil
	err := pers.LoadDocuments(ctx, func(doc Document) error {
		if _, err := s.Upsert(ctx, doc); err != nil {
			return fmt.Errorf("replaying document %s: %w", doc.ID, err)
		}
		loaded++
		return nil
	})
	s.pers = pers
	if err != nil {
		return err
	}
	s.logger.Info("index loaded from storage", "documents", loaded, "terms", s.TermCount())
	if s.cfg.VerifyOnLoad {
		if _, err := s.VerifyAll(); err != nil {
			s.logger.Error("index verification found violations", "error", err)
		}
	}
	return nil
}

// analyzeFields tokenises every document field into weighted postings.
func (s *Store) analyzeFields(doc Document) ([]Posting, map[string]int, int, error) {
	fields := make([]string, 0, len(doc.Fields))
	for f := range doc.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var postings []Posting
	fieldLengths := make(map[string]int, len(fields))
	total := 0
	for _, field := range fields {
		tokens, err := s.analyzer.Analyze(doc.Fields[field])
		if err != nil {
			return nil, nil, 0, fmt.Errorf("analyzing field %q of %s: %w", field, doc.ID, err)
		}
		fieldLengths[field] = len(tokens)
		total += len(tokens)

		byTerm := make(map[string]*Posting)
		order := make([]string, 0, len(tokens))
		for _, tok := range tokens {
			p, ok := byTerm[tok.Term]
			if !ok {
				p = &Posting{Term: tok.Term, Field: field}
				byTerm[tok.Term] = p
				order = append(order, tok.Term)
			}
			p.Frequency++
			if s.cfg.PositionsLimit <= 0 || len(p.Positions) < s.cfg.PositionsLimit {
				p.Positions = append(p.Positions, tok.Position)
			}
		}
		for _, term := range order {
			p := byTerm[term]
			p.Weight = float64(p.Frequency)
			postings = append(postings, *p)
		}
	}
	return postings, fieldLengths, total, nil
}

// adjustDF applies per-document term deltas to the dictionary and returns the
// terms that became live and the terms that died.
func (s *Store) adjustDF(added, removed []string) (newTerms, deadTerms []string) {
	s.dfMu.Lock()
	defer s.dfMu.Unlock()
	for _, t := range added {
		s.df[t]++
		if s.df[t] == 1 {
			newTerms = append(newTerms, t)
		}
	}
	for _, t := range removed {
		s.df[t]--
		if s.df[t] <= 0 {
			delete(s.df, t)
			deadTerms = append(deadTerms, t)
		}
	}
	return newTerms, deadTerms
}

func (s *Store) notifyTerms(added, removed []string) {
	s.listenerMu.RLock()
	l := s.listener
	s.listenerMu.RUnlock()
	if l == nil {
		return
	}
	if len(added) > 0 {
		l.TermsAdded(added)
	}
	if len(removed) > 0 {
		l.TermsRemoved(removed)
	}
}

// unchangedTerms returns terms present in the new postings that were not in
// the added delta, i.e. terms the document carried both before and after.
// Their cached query results still cover this document and must be
// invalidated too.
func (s *Store) unchangedTerms(postings []Posting, added []string) []string {
	addedSet := make(map[string]struct{}, len(added))
	for _, t := range added {
		addedSet[t] = struct{}{}
	}
	var out []string
	seen := make(map[string]struct{})
	for i := range postings {
		t := postings[i].Term
		if _, isNew := addedSet[t]; isNew {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func dedupeStrings(in []string) []string {
	out := in[:0]
	var last string
	for i, s := range in {
		if i > 0 && s == last {
			continue
		}
		out = append(out, s)
		last = s
	}
	return out
}
