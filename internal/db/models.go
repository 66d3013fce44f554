package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Model is one rated model row. The period triple (RatingMu/RatingPhi/Sigma)
// is authoritative; the realtime triple tracks per-vote drift between period
// updates and is re-baselined at each period boundary.
type Model struct {
	ID        string
	Name      string
	RatingMu  float64
	RatingPhi float64
	Sigma     float64
	MuRT      float64
	PhiRT     float64
	SigmaRT   float64
	Battles   int
	Wins      int
	Ties      int
	Skips     int
	Tier      string
	IsActive  bool
}

const modelColumns = `model_id, model_name, rating_mu, rating_phi, sigma, mu_rt, phi_rt, sigma_rt, battles, wins, ties, skips, tier, is_active`

func scanModel(scanner interface{ Scan(...any) error }, m *Model) error {
	var active int
	if err := scanner.Scan(&m.ID, &m.Name, &m.RatingMu, &m.RatingPhi, &m.Sigma,
		&m.MuRT, &m.PhiRT, &m.SigmaRT, &m.Battles, &m.Wins, &m.Ties, &m.Skips,
		&m.Tier, &active); err != nil {
		return err
	}
	m.IsActive = active == 1
	return nil
}

// GetModels returns all model rows keyed by id.
func (d *DB) GetModels(ctx context.Context) (map[string]*Model, error) {
	rows, err := d.q(ctx).QueryContext(ctx, `SELECT `+modelColumns+` FROM models`)
	if err != nil {
		return nil, fmt.Errorf("get models: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	models := make(map[string]*Model)
	for rows.Next() {
		m := &Model{}
		if err := scanModel(rows, m); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		models[m.ID] = m
	}
	return models, rows.Err()
}

// GetModel returns one model row, or nil if the id is unknown.
func (d *DB) GetModel(ctx context.Context, id string) (*Model, error) {
	m := &Model{}
	row := d.q(ctx).QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE model_id = ?`, id)
	if err := scanModel(row, m); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get model %s: %w", id, err)
	}
	return m, nil
}

// UpdateModelRating writes back a model's rating triples and counters.
// Only rating columns and counters are touched; name, tier, and activity
// flags are managed by their own operations.
func (d *DB) UpdateModelRating(ctx context.Context, m *Model) error {
	_, err := d.q(ctx).ExecContext(ctx,
		`UPDATE models SET rating_mu = ?, rating_phi = ?, sigma = ?,
		 mu_rt = ?, phi_rt = ?, sigma_rt = ?,
		 battles = ?, wins = ?, ties = ?, skips = ?
		 WHERE model_id = ?`,
		m.RatingMu, m.RatingPhi, m.Sigma, m.MuRT, m.PhiRT, m.SigmaRT,
		m.Battles, m.Wins, m.Ties, m.Skips, m.ID,
	)
	if err != nil {
		return fmt.Errorf("update model rating %s: %w", m.ID, err)
	}
	return nil
}

// UpdateModelRatings writes back several models inside the caller's
// transaction (the batch rating path persists a whole period at once).
func (d *DB) UpdateModelRatings(ctx context.Context, models []*Model) error {
	return d.WithTx(ctx, func(ctx context.Context) error {
		for _, m := range models {
			if err := d.UpdateModelRating(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateModelTiers applies a bulk tier assignment in one transaction.
func (d *DB) UpdateModelTiers(ctx context.Context, tiers map[string]string) error {
	return d.WithTx(ctx, func(ctx context.Context) error {
		for id, tier := range tiers {
			if _, err := d.q(ctx).ExecContext(ctx,
				`UPDATE models SET tier = ? WHERE model_id = ?`, tier, id); err != nil {
				return fmt.Errorf("update tier %s: %w", id, err)
			}
		}
		return nil
	})
}

// SetModelActive flips a model's active flag. Models are never deleted;
// archiving deactivates them.
func (d *DB) SetModelActive(ctx context.Context, id string, active bool) error {
	_, err := d.q(ctx).ExecContext(ctx,
		`UPDATE models SET is_active = ? WHERE model_id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("set model active %s: %w", id, err)
	}
	return nil
}

// ModelSeed describes one configured model for SyncModels: identity plus an
// optional initial rating from the score presets.
type ModelSeed struct {
	ID         string
	Name       string
	Rating     float64
	RD         float64
	Volatility float64
	Tier       string
	Seeded     bool
}

// SyncModels reconciles the models table with configuration: new ids are
// inserted (seeded ratings when present, Glicko-2 defaults otherwise), names
// are refreshed for existing ids, and rows are never removed. Models absent
// from configuration are left alone; deactivation is an explicit operation.
func (d *DB) SyncModels(ctx context.Context, seeds []ModelSeed) error {
	return d.WithTx(ctx, func(ctx context.Context) error {
		existing, err := d.GetModels(ctx)
		if err != nil {
			return err
		}
		for _, s := range seeds {
			if m, ok := existing[s.ID]; ok {
				if m.Name != s.Name {
					if _, err := d.q(ctx).ExecContext(ctx,
						`UPDATE models SET model_name = ? WHERE model_id = ?`, s.Name, s.ID); err != nil {
						return fmt.Errorf("rename model %s: %w", s.ID, err)
					}
				}
				continue
			}
			_, err := d.q(ctx).ExecContext(ctx,
				`INSERT INTO models (model_id, model_name, rating_mu, rating_phi, sigma,
				 mu_rt, phi_rt, sigma_rt, tier, is_active)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
				s.ID, s.Name, s.Rating, s.RD, s.Volatility,
				s.Rating, s.RD, s.Volatility, s.Tier,
			)
			if err != nil {
				return fmt.Errorf("insert model %s: %w", s.ID, err)
			}
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
