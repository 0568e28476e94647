// Package catalog implements the plan catalog: the versioned mapping between
// internal plan keys and provider price identifiers. The catalog is an
// immutable value; reloading swaps the whole table atomically so consumers
// never observe a partially-updated mapping.
package catalog

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"foliobase/internal/types"
)

// Catalog is an immutable, validated set of plan catalog entries indexed for
// lookup in both directions. Construct via New; never mutate after that.
type Catalog struct {
	byPrice map[string][]types.PlanCatalogEntry
	byPlan  map[types.PlanKey][]types.PlanCatalogEntry
}

// New builds a Catalog from the given entries, enforcing the no-overlap
// invariant: for any instant, at most one entry per plan key and at most one
// per price id covers that instant. Returns an AppError with code
// catalog_ambiguous_plan when the invariant is violated.
func New(entries []types.PlanCatalogEntry) (*Catalog, error) {
	c := &Catalog{
		byPrice: make(map[string][]types.PlanCatalogEntry),
		byPlan:  make(map[types.PlanKey][]types.PlanCatalogEntry),
	}

	for _, e := range entries {
		if e.PlanKey == "" || e.ProviderPriceID == "" {
			return nil, types.NewAppError(types.ErrCodeAmbiguousPlan,
				"catalog entry with empty plan key or price id", nil)
		}
		if e.EffectiveTo != nil && !e.EffectiveFrom.Before(*e.EffectiveTo) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeAmbiguousPlan,
				"catalog entry with empty or inverted effective range", nil,
				map[string]any{"plan_key": string(e.PlanKey), "price_id": e.ProviderPriceID})
		}
		c.byPrice[e.ProviderPriceID] = append(c.byPrice[e.ProviderPriceID], e)
		c.byPlan[e.PlanKey] = append(c.byPlan[e.PlanKey], e)
	}

	for priceID, group := range c.byPrice {
		if err := checkOverlap(group); err != nil {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeAmbiguousPlan,
				"overlapping effective ranges for price", err,
				map[string]any{"price_id": priceID})
		}
	}
	for planKey, group := range c.byPlan {
		if err := checkOverlap(group); err != nil {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeAmbiguousPlan,
				"overlapping effective ranges for plan", err,
				map[string]any{"plan_key": string(planKey)})
		}
	}

	return c, nil
}

// checkOverlap verifies that no two entries in the group cover the same
// instant. Ranges are half-open [from, to); a nil to extends to infinity.
func checkOverlap(group []types.PlanCatalogEntry) error {
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			a, b := group[i], group[j]
			aOpenEnded := a.EffectiveTo == nil
			bOpenEnded := b.EffectiveTo == nil
			// Disjoint iff one range ends before the other begins.
			if !aOpenEnded && !a.EffectiveFrom.Before(*a.EffectiveTo) {
				continue // empty range, cannot overlap
			}
			aEndsBeforeB := !aOpenEnded && !b.EffectiveFrom.Before(*a.EffectiveTo)
			bEndsBeforeA := !bOpenEnded && !a.EffectiveFrom.Before(*b.EffectiveTo)
			if !aEndsBeforeB && !bEndsBeforeA {
				return fmt.Errorf("entries %d and %d overlap", i, j)
			}
		}
	}
	return nil
}

// ResolvePlan returns the plan key whose entry covers at for the given
// provider price id. Fails with catalog_unknown_price when no entry's range
// covers at. The ambiguity check is defensive: New already rejects
// overlapping ranges, so more than one match indicates corruption.
func (c *Catalog) ResolvePlan(priceID string, at time.Time) (types.PlanKey, error) {
	var found []types.PlanCatalogEntry
	for _, e := range c.byPrice[priceID] {
		if e.Covers(at) {
			found = append(found, e)
		}
	}
	switch len(found) {
	case 0:
		return "", types.NewAppErrorWithDetails(types.ErrCodeUnknownPrice,
			"no catalog entry covers the given time for price", nil,
			map[string]any{"price_id": priceID, "at": at.UTC().Format(time.RFC3339)})
	case 1:
		return found[0].PlanKey, nil
	default:
		return "", types.NewAppErrorWithDetails(types.ErrCodeAmbiguousPlan,
			"multiple catalog entries cover the given time for price", nil,
			map[string]any{"price_id": priceID})
	}
}

// ResolvePrice returns the provider price id in effect at the given time for
// a plan key. Fails with catalog_unknown_plan when no entry's range covers
// at for that plan.
func (c *Catalog) ResolvePrice(planKey types.PlanKey, at time.Time) (string, error) {
	var found []types.PlanCatalogEntry
	for _, e := range c.byPlan[planKey] {
		if e.Covers(at) {
			found = append(found, e)
		}
	}
	switch len(found) {
	case 0:
		return "", types.NewAppErrorWithDetails(types.ErrCodeUnknownPlan,
			"no catalog entry covers the given time for plan", nil,
			map[string]any{"plan_key": string(planKey), "at": at.UTC().Format(time.RFC3339)})
	case 1:
		return found[0].ProviderPriceID, nil
	default:
		return "", types.NewAppErrorWithDetails(types.ErrCodeAmbiguousPlan,
			"multiple catalog entries cover the given time for plan", nil,
			map[string]any{"plan_key": string(planKey)})
	}
}

// Len returns the number of entries in the catalog.
func (c *Catalog) Len() int {
	n := 0
	for _, group := range c.byPlan {
		n += len(group)
	}
	return n
}

// EntrySource loads the raw catalog rows from persistent storage.
// Implemented by db.CatalogRepo.
type EntrySource interface {
	ListEntries(ctx context.Context) ([]types.PlanCatalogEntry, error)
}

// Store holds the currently active Catalog behind an atomic pointer.
// Readers always see a complete, validated table; Reload swaps the pointer
// only after the replacement catalog passed validation, so a bad reload
// leaves the previous table in place.
type Store struct {
	current atomic.Pointer[Catalog]
	source  EntrySource
}

// NewStore creates a Store with an empty catalog installed. Call Reload to
// populate it from the entry source.
func NewStore(source EntrySource) *Store {
	s := &Store{source: source}
	empty, _ := New(nil)
	s.current.Store(empty)
	return s
}

// Current returns the active catalog. The returned value is immutable and
// safe for concurrent use.
func (s *Store) Current() *Catalog {
	return s.current.Load()
}

// Reload fetches all entries from the source, validates them, and atomically
// installs the new catalog. On any error the previously active catalog
// remains in effect.
func (s *Store) Reload(ctx context.Context) error {
	entries, err := s.source.ListEntries(ctx)
	if err != nil {
		return err
	}
	next, err := New(entries)
	if err != nil {
		return err
	}
	s.current.Store(next)
	return nil
}
