// Package tier assigns models to the high and low matchmaking tiers:
// an initial bisection at startup and a daily promotion/relegation swap.
package tier

import (
	"context"
	"log"
	"sort"

	"github.com/joestump/prose-arena/internal/db"
)

// Manager maintains tier assignments in the store.
type Manager struct {
	store *db.DB
}

// New returns a tier manager over the store.
func New(store *db.DB) *Manager {
	return &Manager{store: store}
}

// EnsureTiers performs the startup bisection when tiers look unseeded:
// if more than half of the active models lack a tier, or no active model is
// high, the top half by period rating becomes high and the rest low.
func (m *Manager) EnsureTiers(ctx context.Context) error {
	return m.store.WithTx(ctx, func(ctx context.Context) error {
		models, err := m.store.GetModels(ctx)
		if err != nil {
			return err
		}

		active := make([]*db.Model, 0, len(models))
		untiered, anyHigh := 0, false
		for _, model := range models {
			if !model.IsActive {
				continue
			}
			active = append(active, model)
			if model.Tier == "" {
				untiered++
			}
			if model.Tier == db.TierHigh {
				anyHigh = true
			}
		}
		if len(active) == 0 {
			return nil
		}
		if untiered*2 <= len(active) && anyHigh {
			return nil
		}

		sort.SliceStable(active, func(i, j int) bool {
			return active[i].RatingMu > active[j].RatingMu
		})
		cut := (len(active) + 1) / 2

		assignments := make(map[string]string, len(active))
		for i, model := range active {
			if i < cut {
				assignments[model.ID] = db.TierHigh
			} else {
				assignments[model.ID] = db.TierLow
			}
		}
		log.Printf("tier: initial bisection of %d active models (%d high)", len(active), cut)
		return m.store.UpdateModelTiers(ctx, assignments)
	})
}

// PromoteRelegate swaps up to count of the lowest-rated high models with the
// highest-rated low models in one transaction. A pair only swaps when the low
// candidate outrates the high one, so a rerun with unchanged ratings is a
// no-op instead of undoing the previous day's swap.
func (m *Manager) PromoteRelegate(ctx context.Context, count int) error {
	if count <= 0 {
		return nil
	}
	return m.store.WithTx(ctx, func(ctx context.Context) error {
		models, err := m.store.GetModels(ctx)
		if err != nil {
			return err
		}

		var high, low []*db.Model
		for _, model := range models {
			if !model.IsActive {
				continue
			}
			switch model.Tier {
			case db.TierHigh:
				high = append(high, model)
			case db.TierLow:
				low = append(low, model)
			}
		}
		sort.SliceStable(high, func(i, j int) bool { return high[i].RatingMu < high[j].RatingMu })
		sort.SliceStable(low, func(i, j int) bool { return low[i].RatingMu > low[j].RatingMu })

		n := count
		if n > len(high) {
			n = len(high)
		}
		if n > len(low) {
			n = len(low)
		}
		assignments := make(map[string]string, 2*n)
		swapped := 0
		for i := 0; i < n; i++ {
			if low[i].RatingMu <= high[i].RatingMu {
				break
			}
			assignments[high[i].ID] = db.TierLow
			assignments[low[i].ID] = db.TierHigh
			swapped++
		}
		if swapped == 0 {
			return nil
		}
		log.Printf("tier: relegating %d, promoting %d", swapped, swapped)
		return m.store.UpdateModelTiers(ctx, assignments)
	})
}
