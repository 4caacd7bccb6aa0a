package vectorstore

import (
	"context"
	"fmt"

	harvest "github.com/fieldlabs/harvest"
)

const (
	// broadK applies when fewer than two attribute filters narrow the
	// search; narrowK effectively returns everything that matches a
	// well-scoped filter set.
	broadK  = 100
	narrowK = 10000

	sharedClusterRole = "Shared"
)

// tableTypesOwnedElsewhere lists table types whose Shared-cluster rows
// belong to a different cluster's reporting and must not surface as
// evidence here.
var tableTypesOwnedElsewhere = map[string]bool{
	"deliverables": true,
	"innovations":  true,
}

// Query is a retrieval request combining a semantic search with the
// structural guarantees of the merge policy.
type Query struct {
	Vector       []float32
	Corpus       Corpus
	DocumentName string
	Filters      map[string][]string
}

// Retrieve runs the two-phase retrieval policy:
//
//  1. a filtered k-NN search, with k scaled by filter specificity;
//  2. a structural search for DOI-bearing chunks under the same filters,
//     appended after the semantic hits;
//
// then deduplicates by (doi, cluster, indicator) keeping first
// occurrence, and drops Shared-cluster rows for table types owned by
// other clusters.
func (s *Store) Retrieve(ctx context.Context, q Query) ([]Result, error) {
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("%w: query vector required", harvest.ErrInvalidInput)
	}

	k := broadK
	if countConcrete(q.Filters) >= 2 {
		k = narrowK
	}

	semantic, err := s.KNN(ctx, KNNQuery{
		Vector:       q.Vector,
		K:            k,
		Corpus:       q.Corpus,
		DocumentName: q.DocumentName,
		Filters:      q.Filters,
	})
	if err != nil {
		return nil, err
	}

	structural, err := s.Structural(ctx, StructuralQuery{
		Corpus:       q.Corpus,
		DocumentName: q.DocumentName,
		Filters:      q.Filters,
		Limit:        k,
	})
	if err != nil {
		return nil, err
	}

	merged := mergeResults(semantic, structural)
	return dropSharedClusterRows(merged), nil
}

// countConcrete counts filter keys that actually constrain the search.
func countConcrete(filters map[string][]string) int {
	n := 0
	for _, values := range filters {
		for _, v := range values {
			if v != "" {
				n++
				break
			}
		}
	}
	return n
}

// mergeResults appends structural hits after the semantic ones and
// deduplicates by (doi, cluster, indicator). Rows missing any key part
// are always kept: they cannot be proven duplicates.
func mergeResults(semantic, structural []Result) []Result {
	seen := make(map[[3]string]bool, len(semantic))
	merged := make([]Result, 0, len(semantic)+len(structural))

	add := func(r Result) {
		doi, cluster, indicator := r.Attr("doi"), r.Attr("cluster"), r.Attr("indicator")
		if doi == "" || cluster == "" || indicator == "" {
			merged = append(merged, r)
			return
		}
		key := [3]string{doi, cluster, indicator}
		if seen[key] {
			return
		}
		seen[key] = true
		merged = append(merged, r)
	}

	for _, r := range semantic {
		add(r)
	}
	for _, r := range structural {
		add(r)
	}
	return merged
}

// dropSharedClusterRows removes deliverable and innovation rows reported
// under a Shared cluster role.
func dropSharedClusterRows(results []Result) []Result {
	kept := results[:0]
	for _, r := range results {
		if tableTypesOwnedElsewhere[r.Attr("table_type")] && r.Attr("cluster_role") == sharedClusterRole {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}
