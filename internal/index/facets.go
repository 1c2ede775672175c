package index

import (
	"sort"

	"github.com/RoaringBitmap/roaring"
)

// FacetBucket is one value count inside a facet.
type FacetBucket struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Facet is a count breakdown of candidate documents by one attribute.
type Facet struct {
	Attr    string        `json:"attr"`
	Buckets []FacetBucket `json:"buckets"`
}

// ApplyFilters narrows the candidate set to documents whose attributes
// satisfy every filter. Documents missing a filtered attribute are excluded.
func (s *Store) ApplyFilters(candidates *roaring.Bitmap, filters []Filter) *roaring.Bitmap {
	if len(filters) == 0 {
		return candidates
	}
	out := roaring.New()
	it := candidates.Iterator()
	for it.HasNext() {
		ord := it.Next()
		meta, ok := s.MetaByOrdinal(ord)
		if !ok {
			continue
		}
		if metaMatches(meta, filters) {
			out.Add(ord)
		}
	}
	return out
}

// FilterTenant narrows the candidate set to documents owned by the tenant.
// An empty tenant applies no scoping.
func (s *Store) FilterTenant(candidates *roaring.Bitmap, tenant string) *roaring.Bitmap {
	if tenant == "" {
		return candidates
	}
	out := roaring.New()
	it := candidates.Iterator()
	for it.HasNext() {
		ord := it.Next()
		if meta, ok := s.MetaByOrdinal(ord); ok && meta.Tenant == tenant {
			out.Add(ord)
		}
	}
	return out
}

func metaMatches(meta DocMeta, filters []Filter) bool {
	for _, f := range filters {
		attr, ok := meta.Attrs[f.Attr]
		if !ok || !f.Matches(attr) {
			return false
		}
	}
	return true
}

// FacetCounts computes per-attribute value counts over the candidate set,
// keeping at most maxBuckets buckets per attribute ordered by descending
// count then value.
func (s *Store) FacetCounts(candidates *roaring.Bitmap, maxBuckets int) []Facet {
	counts := make(map[string]map[string]int)
	it := candidates.Iterator()
	for it.HasNext() {
		meta, ok := s.MetaByOrdinal(it.Next())
		if !ok {
			continue
		}
		for name, attr := range meta.Attrs {
			byValue, ok := counts[name]
			if !ok {
				byValue = make(map[string]int)
				counts[name] = byValue
			}
			byValue[attr.Key()]++
		}
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	facets := make([]Facet, 0, len(names))
	for _, name := range names {
		byValue := counts[name]
		buckets := make([]FacetBucket, 0, len(byValue))
		for v, c := range byValue {
			buckets = append(buckets, FacetBucket{Value: v, Count: c})
		}
		sort.Slice(buckets, func(i, j int) bool {
			if buckets[i].Count != buckets[j].Count {
				return buckets[i].Count > buckets[j].Count
			}
			return buckets[i].Value < buckets[j].Value
		})
		if maxBuckets > 0 && len(buckets) > maxBuckets {
			buckets = buckets[:maxBuckets]
		}
		facets = append(facets, Facet{Attr: name, Buckets: buckets})
	}
	return facets
}
