// Package sched runs the arena's background loops: the stale-battle janitor,
// the period rating update, hourly database backups, the daily tier swap,
// and the configuration file watcher. Every loop selects on the shared
// context so shutdown interrupts any wait.
package sched

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/joestump/prose-arena/internal/config"
	"github.com/joestump/prose-arena/internal/db"
	"github.com/joestump/prose-arena/internal/metrics"
	"github.com/joestump/prose-arena/internal/rating"
	"github.com/joestump/prose-arena/internal/tier"
)

const janitorInterval = 300 * time.Second

// promotionTimezone anchors the daily tier swap at 04:00 local arena time.
const promotionTimezone = "Asia/Shanghai"
const promotionHour = 4

// Manager owns the background loops.
type Manager struct {
	store  *db.DB
	cfg    *config.Registry
	engine *rating.Engine
	tiers  *tier.Manager

	dbPath    string
	backupDir string

	mu               sync.Mutex
	lastRatingUpdate time.Time
}

// New returns a scheduler manager.
func New(store *db.DB, cfg *config.Registry, engine *rating.Engine, tiers *tier.Manager, dbPath, backupDir string) *Manager {
	return &Manager{
		store:     store,
		cfg:       cfg,
		engine:    engine,
		tiers:     tiers,
		dbPath:    dbPath,
		backupDir: backupDir,
	}
}

// LastRatingUpdate reports when the period job last succeeded.
func (m *Manager) LastRatingUpdate() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRatingUpdate
}

// Run starts every loop and blocks until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	loops := []func(context.Context){
		m.runJanitor,
		m.runRatingPeriod,
		m.runBackup,
		m.runDailyPromotion,
		m.runWatcher,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(ctx)
		}(loop)
	}
	wg.Wait()
	return nil
}

// runJanitor sweeps stale battles every five minutes.
func (m *Manager) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SweepStaleBattles(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "janitor sweep: %v\n", err)
			}
		}
	}
}

// SweepStaleBattles deletes, in one transaction, votable battles older than
// the battle timeout and generating battles older than the generation
// timeout.
func (m *Manager) SweepStaleBattles(ctx context.Context) error {
	limits := config.CurrentLimits()
	genTimeout := config.GenerationTimeout()
	now := time.Now()

	return m.store.WithTx(ctx, func(ctx context.Context) error {
		if limits.BattleTimeout > 0 {
			n, err := m.store.DeleteBattlesOlderThan(ctx, db.StatusPendingVote, now.Add(-limits.BattleTimeout))
			if err != nil {
				return err
			}
			if n > 0 {
				log.Printf("janitor: removed %d timed-out votable battles", n)
			}
		}
		if genTimeout > 0 {
			n, err := m.store.DeleteBattlesOlderThan(ctx, db.StatusPendingGeneration, now.Add(-genTimeout))
			if err != nil {
				return err
			}
			if n > 0 {
				log.Printf("janitor: removed %d stuck generating battles", n)
			}
		}
		return nil
	})
}

// runRatingPeriod fires at each wall-clock hour top while periods are
// enabled. The knob is re-read every wakeup so enabling or disabling periods
// takes effect without a restart.
func (m *Manager) runRatingPeriod(ctx context.Context) {
	for {
		if !sleepUntil(ctx, rating.NextUpdateTime(time.Now())) {
			return
		}
		if config.RatingPeriodMinutes() <= 0 {
			continue
		}
		start := time.Now()
		if err := m.engine.RunRatingUpdate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "rating update: %v\n", err)
			continue
		}
		metrics.RatingUpdateDuration.Observe(time.Since(start).Seconds())
		m.mu.Lock()
		m.lastRatingUpdate = time.Now()
		m.mu.Unlock()
		log.Printf("rating: period update completed in %s", time.Since(start).Round(time.Millisecond))
	}
}

// runBackup copies the database file at every hour top.
func (m *Manager) runBackup(ctx context.Context) {
	for {
		if !sleepUntil(ctx, rating.NextUpdateTime(time.Now())) {
			return
		}
		if err := m.BackupOnce(time.Now()); err != nil {
			fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		}
	}
}

// runDailyPromotion fires once per day at 04:00 arena time.
func (m *Manager) runDailyPromotion(ctx context.Context) {
	loc, err := time.LoadLocation(promotionTimezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v, using UTC\n", promotionTimezone, err)
		loc = time.UTC
	}
	for {
		if !sleepUntil(ctx, nextPromotionTime(time.Now(), loc)) {
			return
		}
		count := config.CurrentMatchProbabilities().PromotionCount
		if err := m.tiers.PromoteRelegate(ctx, count); err != nil {
			fmt.Fprintf(os.Stderr, "daily promotion: %v\n", err)
		}
	}
}

// nextPromotionTime is the next 04:00 in the given zone strictly after now.
func nextPromotionTime(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), promotionHour, 0, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// sleepUntil blocks until the instant or cancellation; false on cancel.
func sleepUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
