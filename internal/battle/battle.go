// Package battle runs the battle lifecycle: rate checks, matchmaking, the
// two-way generation fan-out, the final consistency check, and the unstuck
// and reveal paths.
package battle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joestump/prose-arena/internal/config"
	"github.com/joestump/prose-arena/internal/db"
	"github.com/joestump/prose-arena/internal/llm"
	"github.com/joestump/prose-arena/internal/match"
	"github.com/joestump/prose-arena/internal/metrics"
)

const maxBattleRetries = 3

// ErrCancelled reports that an unstuck or the janitor removed the battle
// while generation was in flight. The responses are discarded and no row is
// touched; the caller treats it as a quiet no-op.
var ErrCancelled = errors.New("battle cancelled during generation")

// RateLimitError carries the earliest instant the caller may retry.
type RateLimitError struct {
	Reason  string
	RetryAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s (retry at %s)", e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

// GenerationError is a terminal battle-creation failure with a short
// user-facing cause classified from the underlying model error.
type GenerationError struct {
	Message string
	Err     error
}

func (e *GenerationError) Error() string { return e.Message }
func (e *GenerationError) Unwrap() error { return e.Err }

// Generator is the outbound model client surface the controller needs.
type Generator interface {
	Generate(ctx context.Context, m config.Model, messages []llm.Message) (string, error)
}

// Controller coordinates battle creation and teardown.
type Controller struct {
	store *db.DB
	cfg   *config.Registry
	llm   Generator

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New returns a battle controller.
func New(store *db.DB, cfg *config.Registry, gen Generator) *Controller {
	return &Controller{
		store: store,
		cfg:   cfg,
		llm:   gen,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
	}
}

func (c *Controller) randIntn(n int) int {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Intn(n)
}

// Create runs the full battle creation flow for a caller and returns the
// finished battle in pending_vote, or ErrCancelled if the placeholder was
// removed mid-generation.
func (c *Controller) Create(ctx context.Context, voterID, battleType string) (*db.Battle, error) {
	if battleType != db.BattleTypeHigh && battleType != db.BattleTypeLow {
		return nil, fmt.Errorf("unknown battle type %q", battleType)
	}

	promptID, prompt, err := c.pickPrompt()
	if err != nil {
		return nil, err
	}
	theme := promptTheme(promptID)

	exclude := make(map[string]bool)
	var battleID string
	var a, b config.Model
	var lastErr error

	// Check-and-reserve: the rate checks and the placeholder insert share
	// one write transaction, so two concurrent creates from the same caller
	// cannot both observe a free slot under the concurrent cap.
	var pickErr error
	err = c.store.WithTx(ctx, func(ctx context.Context) error {
		if err := c.checkRateLimits(ctx, voterID); err != nil {
			return err
		}
		a, b, pickErr = c.pickPair(ctx, battleType, promptID, exclude)
		if pickErr != nil {
			return pickErr
		}
		battleID = uuid.NewString()
		placeholder := &db.Battle{
			ID:          battleID,
			Type:        battleType,
			Prompt:      prompt,
			PromptID:    promptID,
			PromptTheme: theme,
			ModelAID:    a.ID, ModelAName: a.Name,
			ModelBID: b.ID, ModelBName: b.Name,
			Status:  db.StatusPendingGeneration,
			VoterID: voterID,
		}
		return c.store.InsertBattle(ctx, placeholder)
	})
	if err != nil {
		if pickErr != nil {
			metrics.BattlesFailed.Inc()
			return nil, &GenerationError{Message: classify(pickErr), Err: pickErr}
		}
		return nil, err
	}

	for attempt := 0; attempt < maxBattleRetries; attempt++ {
		if attempt > 0 {
			a, b, err = c.pickPair(ctx, battleType, promptID, exclude)
			if err != nil {
				lastErr = err
				break
			}
			err := c.store.UpdateBattle(ctx, battleID, map[string]any{
				"model_a_id": a.ID, "model_a_name": a.Name,
				"model_b_id": b.ID, "model_b_name": b.Name,
			})
			if err != nil {
				return nil, err
			}
		}

		respA, respB, err := c.generatePair(ctx, a, b, promptID, prompt)
		if err != nil {
			lastErr = err
			exclude[a.ID] = true
			exclude[b.ID] = true
			log.Printf("battle %s: attempt %d failed (%s vs %s): %v", battleID, attempt+1, a.ID, b.ID, err)
			continue
		}

		// Final consistency check: an unstuck or the janitor may have
		// removed the placeholder while generation was in flight. The
		// re-read decides the race; a cancelled battle never finalizes.
		current, err := c.store.GetBattle(ctx, battleID)
		if err != nil {
			return nil, err
		}
		if current == nil || current.Status != db.StatusPendingGeneration {
			log.Printf("battle %s: cancelled during generation, discarding responses", battleID)
			return nil, ErrCancelled
		}

		err = c.store.UpdateBattle(ctx, battleID, map[string]any{
			"response_a": respA,
			"response_b": respB,
			"status":     db.StatusPendingVote,
			"timestamp":  db.Now(),
		})
		if err != nil {
			return nil, err
		}
		metrics.BattlesCreated.WithLabelValues(battleType).Inc()
		return c.store.GetBattle(ctx, battleID)
	}

	if battleID != "" {
		if err := c.store.DeleteBattle(ctx, battleID); err != nil {
			log.Printf("battle %s: cleanup delete failed: %v", battleID, err)
		}
	}
	metrics.BattlesFailed.Inc()
	return nil, &GenerationError{Message: classify(lastErr), Err: lastErr}
}

// checkRateLimits enforces, in order, the concurrent cap, the hourly cap,
// and the minimum interval between battles.
func (c *Controller) checkRateLimits(ctx context.Context, voterID string) error {
	limits := config.CurrentLimits()
	now := time.Now()

	if limits.MaxConcurrentBattles > 0 {
		pending, err := c.store.PendingBattleCount(ctx, voterID)
		if err != nil {
			return err
		}
		if pending >= limits.MaxConcurrentBattles {
			return &RateLimitError{
				Reason:  fmt.Sprintf("%d battles already in progress", pending),
				RetryAt: now.Add(limits.MinBattleInterval),
			}
		}
	}

	recent, err := c.store.ListRecentBattles(ctx, voterID, now.Add(-limits.BattleCreationWindow))
	if err != nil {
		return err
	}
	if limits.MaxBattlesPerHour > 0 && len(recent) >= limits.MaxBattlesPerHour {
		oldest := recent[len(recent)-1]
		return &RateLimitError{
			Reason:  "hourly battle limit reached",
			RetryAt: parseTime(oldest.CreatedAt).Add(limits.BattleCreationWindow),
		}
	}
	if limits.MinBattleInterval > 0 && len(recent) > 0 {
		nextAllowed := parseTime(recent[0].CreatedAt).Add(limits.MinBattleInterval)
		if now.Before(nextAllowed) {
			return &RateLimitError{Reason: "battles too frequent", RetryAt: nextAllowed}
		}
	}
	return nil
}

// pickPrompt draws one fixed prompt uniformly.
func (c *Controller) pickPrompt() (string, string, error) {
	prompts, err := c.cfg.FixedPrompts()
	if err != nil {
		return "", "", err
	}
	if len(prompts) == 0 {
		return "", "", fmt.Errorf("no prompts configured")
	}
	ids := make([]string, 0, len(prompts))
	for id := range prompts {
		ids = append(ids, id)
	}
	id := ids[c.randIntn(len(ids))]
	return id, prompts[id], nil
}

// promptTheme is the prompt-id prefix before the first underscore.
func promptTheme(promptID string) string {
	if i := strings.Index(promptID, "_"); i > 0 {
		return promptID[:i]
	}
	return "general"
}

// pickPair builds the candidate pool from configuration and stored ratings
// and asks the matchmaker for two distinct models.
func (c *Controller) pickPair(ctx context.Context, battleType, promptID string, exclude map[string]bool) (config.Model, config.Model, error) {
	configured, err := c.cfg.Models()
	if err != nil {
		return config.Model{}, config.Model{}, err
	}
	stored, err := c.store.GetModels(ctx)
	if err != nil {
		return config.Model{}, config.Model{}, err
	}

	byID := make(map[string]config.Model, len(configured))
	candidates := make([]match.Candidate, 0, len(configured))
	for _, m := range configured {
		row, ok := stored[m.ID]
		if !ok || !row.IsActive {
			continue
		}
		canAnswer := true
		if m.Preset {
			answers, err := c.cfg.PresetAnswersFor(m.ID, promptID)
			if err != nil {
				return config.Model{}, config.Model{}, err
			}
			canAnswer = len(answers) > 0
		}
		byID[m.ID] = m
		candidates = append(candidates, match.Candidate{
			ID:        m.ID,
			Name:      row.Name,
			Weight:    m.SampleWeight(),
			Rating:    row.RatingMu,
			Tier:      row.Tier,
			Preset:    m.Preset,
			CanAnswer: canAnswer,
		})
	}

	p := config.CurrentMatchProbabilities()
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	a, b, err := match.Pick(c.rng, battleType, candidates, exclude, match.Params{
		CrossTier:      p.CrossTier,
		TransitionZone: p.TransitionZone,
		TransitionSize: p.TransitionSize,
	})
	if err != nil {
		return config.Model{}, config.Model{}, err
	}
	return byID[a.ID], byID[b.ID], nil
}

// generatePair produces both responses concurrently. Either side failing
// fails the pair.
func (c *Controller) generatePair(ctx context.Context, a, b config.Model, promptID, prompt string) (string, string, error) {
	var respA, respB string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		respA, err = c.generateOne(gctx, a, promptID, prompt)
		return err
	})
	g.Go(func() error {
		var err error
		respB, err = c.generateOne(gctx, b, promptID, prompt)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", "", err
	}
	return respA, respB, nil
}

// generateOne answers from the preset pack for preset models and from the
// model client otherwise.
func (c *Controller) generateOne(ctx context.Context, m config.Model, promptID, prompt string) (string, error) {
	if m.Preset {
		answers, err := c.cfg.PresetAnswersFor(m.ID, promptID)
		if err != nil {
			return "", err
		}
		if len(answers) == 0 {
			return "", fmt.Errorf("preset model %s has no answers for %s", m.ID, promptID)
		}
		return answers[c.randIntn(len(answers))], nil
	}
	text, err := c.llm.Generate(ctx, m, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		metrics.ModelCallFailures.WithLabelValues(m.ID).Inc()
		return "", err
	}
	return text, nil
}

// Unstuck removes every pending_generation battle of the caller and returns
// the count. Battles already votable or completed are left alone.
func (c *Controller) Unstuck(ctx context.Context, voterID string) (int, error) {
	return c.store.DeleteStuckBattles(ctx, voterID)
}

// Reveal flips a completed battle's reveal flag and returns the row.
// Idempotent; only votable or completed battles are revealable.
func (c *Controller) Reveal(ctx context.Context, battleID string) (*db.Battle, error) {
	b, err := c.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if b == nil || b.Status == db.StatusPendingGeneration {
		return nil, db.ErrNotFound
	}
	if !b.Revealed {
		if err := c.store.UpdateBattle(ctx, battleID, map[string]any{"revealed": true}); err != nil {
			return nil, err
		}
		b.Revealed = true
	}
	return b, nil
}

// classify maps a terminal generation error to a short user-facing message.
func classify(err error) string {
	if err == nil {
		return "battle creation failed"
	}
	text := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(text, "timeout") || strings.Contains(text, "deadline"):
		return "model response timed out"
	case strings.Contains(text, "404"):
		return "cannot find the model API"
	case strings.Contains(text, "503"):
		return "model service temporarily unavailable"
	}
	return "battle creation failed"
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
