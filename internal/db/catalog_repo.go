package db

import (
	"context"

	"foliobase/internal/types"
)

// CatalogRepo reads the plan_price_map table. It implements
// catalog.EntrySource; the catalog.Store handles validation and the atomic
// swap, so this repo only loads raw rows.
type CatalogRepo struct {
	db DBTX
}

// NewCatalogRepo creates a CatalogRepo backed by the given database
// connection.
func NewCatalogRepo(db DBTX) *CatalogRepo {
	return &CatalogRepo{db: db}
}

// ListEntries returns every plan catalog row, oldest effective range first.
func (r *CatalogRepo) ListEntries(ctx context.Context) ([]types.PlanCatalogEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT plan_key, provider_price_id, effective_from, effective_to
		 FROM plan_price_map
		 ORDER BY effective_from, plan_key`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list catalog entries", err)
	}
	defer rows.Close()

	var entries []types.PlanCatalogEntry
	for rows.Next() {
		var e types.PlanCatalogEntry
		if err := rows.Scan(&e.PlanKey, &e.ProviderPriceID, &e.EffectiveFrom, &e.EffectiveTo); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan catalog entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate catalog entries", err)
	}
	return entries, nil
}
