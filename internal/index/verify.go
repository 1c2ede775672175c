package index

import (
	"context"
	"fmt"
	"sort"

	apperrors "github.com/fleetdocs/searchd/pkg/errors"
)

// Verify checks the document-frequency invariant for one term: the dictionary
// count must equal the number of live documents carrying the term. On a
// mismatch the dictionary entry is rebuilt from the live postings (a targeted
// repair, not a full reindex) and ErrIndexCorruption is returned so the
// incident is operator-visible.
func (s *Store) Verify(term string) error {
	live := 0
	for _, shard := range s.shards {
		live += shard.termDocCount(term)
	}

	s.dfMu.Lock()
	recorded := s.df[term]
	if recorded == live {
		s.dfMu.Unlock()
		return nil
	}
	if live == 0 {
		delete(s.df, term)
	} else {
		s.df[term] = live
	}
	s.dfMu.Unlock()

	s.logger.Error("document-frequency invariant violated, term rebuilt",
		"term", term,
		"recorded_df", recorded,
		"live_df", live,
	)
	return apperrors.Newf(apperrors.ErrIndexCorruption, 500,
		"term %q: recorded df %d, live postings %d (rebuilt)", term, recorded, live)
}

// VerifyAll verifies every term in the dictionary plus every term present in
// postings but missing from the dictionary. It returns the number of repairs
// made and the first violation encountered.
func (s *Store) VerifyAll() (int, error) {
	terms := make(map[string]struct{})
	s.dfMu.RLock()
	for t := range s.df {
		terms[t] = struct{}{}
	}
	s.dfMu.RUnlock()
	for _, shard := range s.shards {
		shard.mu.RLock()
		for t := range shard.terms {
			terms[t] = struct{}{}
		}
		shard.mu.RUnlock()
	}

	ordered := make([]string, 0, len(terms))
	for t := range terms {
		ordered = append(ordered, t)
	}
	sort.Strings(ordered)

	repairs := 0
	var firstErr error
	for _, t := range ordered {
		if err := s.Verify(t); err != nil {
			repairs++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return repairs, fmt.Errorf("verified %d terms, %d repaired: %w", len(ordered), repairs, firstErr)
	}
	return repairs, nil
}

// Compact rebuilds the term dictionary from live postings and pushes the
// refreshed statistics to the persister. Queries keep running against the
// shard read-locks throughout; each term's dictionary entry flips from pre-
// to post-compaction state atomically.
func (s *Store) Compact() (repaired int, err error) {
	repaired, verifyErr := s.VerifyAll()
	if s.pers == nil {
		return repaired, verifyErr
	}

	s.dfMu.RLock()
	snapshot := make(map[string]int, len(s.df))
	for t, df := range s.df {
		snapshot[t] = df
	}
	s.dfMu.RUnlock()

	if perr := s.pers.SetTermFrequencies(context.Background(), snapshot); perr != nil {
		return repaired, fmt.Errorf("persisting term statistics: %w", perr)
	}
	return repaired, verifyErr
}
