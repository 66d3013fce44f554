// Package rating turns vote outcomes into Glicko-2 updates and projects the
// leaderboard. Two triples exist per model: the period triple is canonical,
// the realtime triple drifts with every vote and is re-baselined to the
// period triple at each batch update.
package rating

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/joestump/prose-arena/internal/config"
	"github.com/joestump/prose-arena/internal/db"
	"github.com/joestump/prose-arena/internal/glicko"
)

// Engine applies rating updates against the store.
type Engine struct {
	store *db.DB
}

// New returns a rating engine over the store.
func New(store *db.DB) *Engine {
	return &Engine{store: store}
}

func tau() float64 {
	if t := config.Tau(); t > 0 {
		return t
	}
	return glicko.DefaultTau
}

// scoreFor maps a winner label to A's score against B.
func scoreFor(winner string) (float64, error) {
	switch winner {
	case db.WinnerModelA:
		return 1, nil
	case db.WinnerModelB:
		return 0, nil
	case db.WinnerTie:
		return 0.5, nil
	}
	return 0, fmt.Errorf("no score for winner %q", winner)
}

// ProcessBattleResult applies one decided battle. Counters always update
// (each vote reaches here exactly once); ratings update on the realtime
// triple when realtime is true, on the period triple otherwise. A skip
// increments both models' skip counters and leaves every rating untouched.
// Callers run it inside the vote transaction.
func (e *Engine) ProcessBattleResult(ctx context.Context, aID, bID, winner string, realtime bool) error {
	a, err := e.store.GetModel(ctx, aID)
	if err != nil {
		return err
	}
	b, err := e.store.GetModel(ctx, bID)
	if err != nil {
		return err
	}
	if a == nil || b == nil {
		return fmt.Errorf("battle result references unknown model (%s vs %s)", aID, bID)
	}

	a.Battles++
	b.Battles++
	switch winner {
	case db.WinnerModelA:
		a.Wins++
	case db.WinnerModelB:
		b.Wins++
	case db.WinnerTie:
		a.Ties++
		b.Ties++
	case db.WinnerSkip:
		a.Skips++
		b.Skips++
	default:
		return fmt.Errorf("unknown winner %q", winner)
	}

	if winner != db.WinnerSkip {
		score, err := scoreFor(winner)
		if err != nil {
			return err
		}
		ra, rb := tripleOf(a, realtime), tripleOf(b, realtime)
		na, nb := glicko.UpdatePair(ra, rb, score, tau())
		setTriple(a, na, realtime)
		setTriple(b, nb, realtime)
	}

	if err := e.store.UpdateModelRating(ctx, a); err != nil {
		return err
	}
	return e.store.UpdateModelRating(ctx, b)
}

func tripleOf(m *db.Model, realtime bool) glicko.Rating {
	if realtime {
		return glicko.Rating{Mu: m.MuRT, Phi: m.PhiRT, Sigma: m.SigmaRT}
	}
	return glicko.Rating{Mu: m.RatingMu, Phi: m.RatingPhi, Sigma: m.Sigma}
}

func setTriple(m *db.Model, r glicko.Rating, realtime bool) {
	if realtime {
		m.MuRT, m.PhiRT, m.SigmaRT = r.Mu, r.Phi, r.Sigma
		return
	}
	m.RatingMu, m.RatingPhi, m.Sigma = r.Mu, r.Phi, r.Sigma
}

// RunRatingUpdate drains the pending-match queue and applies one Glicko-2
// batch update per participating model against its opponents' pre-period
// snapshots. New period triples are mirrored into the realtime triples,
// discarding inter-period drift. An empty queue is a no-op.
func (e *Engine) RunRatingUpdate(ctx context.Context) error {
	return e.store.WithTx(ctx, func(ctx context.Context) error {
		matches, err := e.store.DrainPendingMatches(ctx)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return nil
		}

		models, err := e.store.GetModels(ctx)
		if err != nil {
			return err
		}

		// Pre-period snapshots: every series is built against the ratings
		// that stood before this period, not intermediate results.
		snapshot := make(map[string]glicko.Rating, len(models))
		for id, m := range models {
			snapshot[id] = glicko.Rating{Mu: m.RatingMu, Phi: m.RatingPhi, Sigma: m.Sigma}
		}

		series := make(map[string][]glicko.Result)
		for _, match := range matches {
			ra, okA := snapshot[match.ModelAID]
			rb, okB := snapshot[match.ModelBID]
			if !okA || !okB {
				log.Printf("rating: dropping pending match %s vs %s: unknown model", match.ModelAID, match.ModelBID)
				continue
			}
			series[match.ModelAID] = append(series[match.ModelAID], glicko.Result{Opponent: rb, Score: match.Outcome})
			series[match.ModelBID] = append(series[match.ModelBID], glicko.Result{Opponent: ra, Score: 1 - match.Outcome})
		}

		updated := make([]*db.Model, 0, len(series))
		for id, results := range series {
			m := models[id]
			next := glicko.Update(snapshot[id], results, tau())
			m.RatingMu, m.RatingPhi, m.Sigma = next.Mu, next.Phi, next.Sigma
			m.MuRT, m.PhiRT, m.SigmaRT = next.Mu, next.Phi, next.Sigma
			updated = append(updated, m)
		}
		for _, m := range updated {
			if err := e.store.UpdateModelRating(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// Entry is one leaderboard row.
type Entry struct {
	Rank                    int     `json:"rank"`
	ModelID                 string  `json:"model_id"`
	ModelName               string  `json:"model_name"`
	Tier                    string  `json:"tier"`
	Rating                  float64 `json:"rating"`
	RatingDeviation         float64 `json:"rating_deviation"`
	Volatility              float64 `json:"volatility"`
	Battles                 int     `json:"battles"`
	Wins                    int     `json:"wins"`
	Ties                    int     `json:"ties"`
	Skips                   int     `json:"skips"`
	WinRatePercentage       float64 `json:"win_rate_percentage"`
	RatingRealtime          float64 `json:"rating_realtime"`
	RatingDeviationRealtime float64 `json:"rating_deviation_realtime"`
	VolatilityRealtime      float64 `json:"volatility_realtime"`
}

// Leaderboard projects active models into ranked rows, sorted by rounded
// period rating descending with contiguous ranks from 1.
func (e *Engine) Leaderboard(ctx context.Context) ([]Entry, error) {
	models, err := e.store.GetModels(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(models))
	for _, m := range models {
		if !m.IsActive {
			continue
		}
		entry := Entry{
			ModelID:                 m.ID,
			ModelName:               m.Name,
			Tier:                    m.Tier,
			Rating:                  m.RatingMu,
			RatingDeviation:         m.RatingPhi,
			Volatility:              m.Sigma,
			Battles:                 m.Battles,
			Wins:                    m.Wins,
			Ties:                    m.Ties,
			Skips:                   m.Skips,
			RatingRealtime:          m.MuRT,
			RatingDeviationRealtime: m.PhiRT,
			VolatilityRealtime:      m.SigmaRT,
		}
		if effective := m.Battles - m.Ties - m.Skips; effective > 0 {
			entry.WinRatePercentage = (float64(m.Wins) + 0.5*float64(m.Ties)) / float64(effective) * 100
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := math.Round(entries[i].Rating), math.Round(entries[j].Rating)
		if ri != rj {
			return ri > rj
		}
		return entries[i].ModelID < entries[j].ModelID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// NextUpdateTime is the next wall-clock hour top, when the period job fires.
func NextUpdateTime(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}
