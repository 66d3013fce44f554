// Package vote handles verdicts: anti-cheat windows, the atomic battle
// transition to completed, rating dispatch, and the vote record.
package vote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/joestump/prose-arena/internal/config"
	"github.com/joestump/prose-arena/internal/db"
	"github.com/joestump/prose-arena/internal/metrics"
	"github.com/joestump/prose-arena/internal/rating"
)

// ErrInvalidChoice reports a vote choice outside the accepted set.
var ErrInvalidChoice = errors.New("invalid vote choice")

// ConflictError reports a vote rejected by anti-cheat or by the battle's
// state; the transaction is rolled back and the reason surfaces to the user.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

// Result is the successful vote response.
type Result struct {
	Winner     string
	ModelAName string
	ModelBName string
}

// Controller processes votes against the store and rating engine.
type Controller struct {
	store  *db.DB
	engine *rating.Engine
}

// New returns a vote controller.
func New(store *db.DB, engine *rating.Engine) *Controller {
	return &Controller{store: store, engine: engine}
}

// VoterHash is the salted identity hash stored with votes and used for the
// anti-cheat windows.
func VoterHash(voterID string) string {
	sum := sha256.Sum256([]byte(config.VoterHashSalt() + voterID))
	return hex.EncodeToString(sum[:])
}

func validChoice(choice string) bool {
	switch choice {
	case db.WinnerModelA, db.WinnerModelB, db.WinnerTie, db.WinnerSkip:
		return true
	}
	return false
}

// Cast records a verdict on a battle. The anti-cheat windows run before the
// write transaction; inside it the battle is re-read under the write lock so
// the pending_vote check and the completion are atomic.
func (c *Controller) Cast(ctx context.Context, battleID, choice, voterID string) (*Result, error) {
	if !validChoice(choice) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}

	hash := VoterHash(voterID)
	limits := config.CurrentLimits()
	now := time.Now()

	if limits.VoteTimeWindow > 0 {
		dup, err := c.store.HasRecentVoteForBattle(ctx, hash, battleID, now.Add(-limits.VoteTimeWindow))
		if err != nil {
			return nil, err
		}
		if dup {
			return nil, &ConflictError{Reason: "already voted on this battle"}
		}
	}
	if limits.UserMaxVotesPerHour > 0 && limits.UserRateLimitWindow > 0 {
		n, err := c.store.CountRecentVotesByHash(ctx, hash, now.Add(-limits.UserRateLimitWindow))
		if err != nil {
			return nil, err
		}
		if n >= limits.UserMaxVotesPerHour {
			return nil, &ConflictError{Reason: "vote rate limit reached"}
		}
	}

	var result *Result
	err := c.store.WithTx(ctx, func(ctx context.Context) error {
		b, err := c.store.GetBattle(ctx, battleID)
		if err != nil {
			return err
		}
		if b == nil {
			return db.ErrNotFound
		}
		if b.Status != db.StatusPendingVote {
			return &ConflictError{Reason: fmt.Sprintf("battle is %s, not votable", b.Status)}
		}

		realtime := config.RatingPeriodMinutes() > 0
		if err := c.engine.ProcessBattleResult(ctx, b.ModelAID, b.ModelBID, choice, realtime); err != nil {
			return err
		}
		if realtime && choice != db.WinnerSkip {
			outcome := map[string]float64{
				db.WinnerModelA: 1.0,
				db.WinnerModelB: 0.0,
				db.WinnerTie:    0.5,
			}[choice]
			if err := c.store.AppendPendingMatch(ctx, b.ModelAID, b.ModelBID, outcome); err != nil {
				return err
			}
		}

		err = c.store.UpdateBattle(ctx, battleID, map[string]any{
			"status": db.StatusCompleted,
			"winner": choice,
		})
		if err != nil {
			return err
		}
		if err := c.store.InsertVote(ctx, &db.Vote{
			BattleID:  battleID,
			Choice:    choice,
			VoterID:   voterID,
			VoterHash: hash,
		}); err != nil {
			return err
		}

		result = &Result{Winner: choice, ModelAName: b.ModelAName, ModelBName: b.ModelBName}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.VotesRecorded.WithLabelValues(choice).Inc()
	return result, nil
}
