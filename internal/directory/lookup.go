package directory

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/gwillem/signal-state/internal/phonenumber"
)

// Result is the outcome of one directory query.
type Result struct {
	Registered map[string]uuid.UUID
	Rewrites   map[string]string // old number -> canonical number
	Ignored    map[string]struct{}
	Queried    int
}

// LookupDirectory expands dbNumbers ∪ systemNumbers with fuzzy alternates,
// caps the query at MaxLookup, queries the remote directory, and folds the
// alternates back. Any lookup error aborts the call.
func (r *Refresher) LookupDirectory(ctx context.Context, dbNumbers, systemNumbers []string) (*Result, error) {
	all := union(dbNumbers, systemNumbers)
	in := phonenumber.GenerateInput(all, dbNumbers)

	query := slices.Sorted(maps.Keys(phonenumber.Sanitize(slices.Collect(maps.Keys(in.Numbers)))))
	ignored := map[string]struct{}{}
	if limit := r.cfg.MaxLookup; limit > 0 && len(query) > limit {
		r.shuffle(len(query), func(i, j int) { query[i], query[j] = query[j], query[i] })
		for _, n := range query[limit:] {
			ignored[n] = struct{}{}
		}
		query = query[:limit]
		logf(r.logger, "directory: %d numbers over the lookup cap, ignoring them", len(ignored))
	}

	registered, err := r.lookup.Lookup(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("directory: lookup: %w", err)
	}
	out := phonenumber.GenerateOutput(registered, in)
	logf(r.logger, "directory: queried %d numbers, %d registered, %d rewrites", len(query), len(out.Numbers), len(out.Rewrites))

	return &Result{
		Registered: out.Numbers,
		Rewrites:   out.Rewrites,
		Ignored:    ignored,
		Queried:    len(query),
	}, nil
}

// union returns the distinct numbers of a and b, sorted.
func union(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, n := range a {
		set[n] = struct{}{}
	}
	for _, n := range b {
		set[n] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}
