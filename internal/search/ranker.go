package search

import (
	"math"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/fleetdocs/searchd/internal/index"
	"github.com/fleetdocs/searchd/pkg/config"
)

// PopularityProvider supplies per-document click counts over the analytics
// rolling window. Implementations must be safe for concurrent use.
type PopularityProvider interface {
	ClickCount(docID string) int64
}

// Personalizer supplies a per-user affinity adjustment for a document. The
// returned value is clamped by the ranker before it contributes to the
// score.
type Personalizer interface {
	Affinity(userID, docID string) float64
}

// Scored pairs a document with its relevance score and the inputs that went
// into it, so callers can explain or re-sort results.
type Scored struct {
	DocID     string
	Ordinal   uint32
	Score     float64
	Clicks    int64
	Revision  uint64
	UpdatedAt time.Time
}

// Ranker scores candidate documents against the matched terms. All curve
// constants come from configuration.
type Ranker struct {
	store      *index.Store
	cfg        config.RankingConfig
	popularity PopularityProvider
	personal   Personalizer
}

// NewRanker creates a Ranker. popularity and personal may be nil, in which
// case the corresponding score components are zero.
func NewRanker(store *index.Store, cfg config.RankingConfig, popularity PopularityProvider, personal Personalizer) *Ranker {
	return &Ranker{store: store, cfg: cfg, popularity: popularity, personal: personal}
}

// Rank scores every candidate document and returns them best-first. Ties
// break on click count, then revision, then document ID, so the ordering is
// deterministic for a fixed index and analytics state.
func (r *Ranker) Rank(candidates *roaring.Bitmap, matches *Matches, userID string, now time.Time) []Scored {
	if candidates == nil || candidates.IsEmpty() {
		return nil
	}

	totalDocs := float64(r.store.TotalDocs())
	if totalDocs < 1 {
		totalDocs = 1
	}

	// term relevance: sum over matched terms present in the document of
	// tf * idf * field boost, accumulated per (term, field) posting.
	relevance := make(map[uint32]float64, candidates.GetCardinality())
	for _, term := range matches.terms {
		df := float64(r.store.DocFreq(term))
		idf := math.Log(1 + (totalDocs-df+0.5)/(df+0.5))
		if idf < 0 {
			idf = 0
		}
		for _, p := range matches.postings[term] {
			if !candidates.Contains(p.Ordinal) {
				continue
			}
			tf := 1 + math.Log(float64(p.Frequency))
			relevance[p.Ordinal] += tf * idf * r.fieldBoost(p.Field)
		}
	}

	out := make([]Scored, 0, candidates.GetCardinality())
	it := candidates.Iterator()
	for it.HasNext() {
		ord := it.Next()
		meta, ok := r.store.MetaByOrdinal(ord)
		if !ok {
			continue
		}
		s := Scored{
			DocID:     meta.DocID,
			Ordinal:   ord,
			Revision:  meta.Revision,
			UpdatedAt: meta.UpdatedAt,
		}
		score := relevance[ord]
		if r.popularity != nil {
			s.Clicks = r.popularity.ClickCount(meta.DocID)
			score += r.cfg.PopularityWeight * math.Log1p(float64(s.Clicks))
		}
		score += r.cfg.RecencyWeight * r.recency(meta.UpdatedAt, now)
		if r.personal != nil && userID != "" {
			score += clamp(r.personal.Affinity(userID, meta.DocID), r.cfg.PersonalizationClamp)
		}
		s.Score = score
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Clicks != b.Clicks {
			return a.Clicks > b.Clicks
		}
		if a.Revision != b.Revision {
			return a.Revision > b.Revision
		}
		return a.DocID < b.DocID
	})
	return out
}

func (r *Ranker) fieldBoost(field string) float64 {
	if b, ok := r.cfg.FieldBoosts[field]; ok {
		return b
	}
	return 1
}

// recency decays exponentially with document age, reaching 0.5 at the
// configured half-life. Documents newer than now score a full 1.
func (r *Ranker) recency(updatedAt, now time.Time) float64 {
	if r.cfg.RecencyHalfLife <= 0 {
		return 0
	}
	age := now.Sub(updatedAt)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(r.cfg.RecencyHalfLife))
}

func clamp(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
