package sched

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/joestump/prose-arena/internal/config"
	"github.com/joestump/prose-arena/internal/db"
	"github.com/joestump/prose-arena/internal/rating"
	"github.com/joestump/prose-arena/internal/tier"
)

func openTestManager(t *testing.T) (*Manager, *db.DB, string) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	dataDir := t.TempDir()
	dbPath := filepath.Join(dataDir, "arena.db")
	d, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	cfgDir := t.TempDir()
	models, _ := json.Marshal(map[string]any{"models": []map[string]any{
		{"id": "m1", "name": "Model One"},
		{"id": "m2", "name": "Model Two"},
	}})
	if err := os.WriteFile(filepath.Join(cfgDir, config.ModelsFile), models, 0o644); err != nil {
		t.Fatalf("write models: %v", err)
	}
	cfg := config.NewRegistry(cfgDir)

	m := New(d, cfg, rating.New(d), tier.New(d), dbPath, filepath.Join(dataDir, "backups"))
	return m, d, cfgDir
}

func insertAgedBattle(t *testing.T, d *db.DB, id, status string, age time.Duration) {
	t.Helper()
	created := time.Now().Add(-age).UTC().Format(time.RFC3339)
	b := &db.Battle{
		ID: id, Type: db.BattleTypeHigh,
		Prompt: "p", PromptID: "x", PromptTheme: "general",
		ModelAID: "m1", ModelAName: "Model One",
		ModelBID: "m2", ModelBName: "Model Two",
		Status: status, VoterID: "u1",
		Timestamp: created, CreatedAt: created,
	}
	if err := d.InsertBattle(context.Background(), b); err != nil {
		t.Fatalf("InsertBattle %s: %v", id, err)
	}
}

func TestSweepStaleBattles(t *testing.T) {
	m, d, _ := openTestManager(t)
	viper.Set("battle_timeout_minutes", 30)
	viper.Set("generation_timeout_seconds", 120)
	ctx := context.Background()

	insertAgedBattle(t, d, "stale-vote", db.StatusPendingVote, time.Hour)
	insertAgedBattle(t, d, "fresh-vote", db.StatusPendingVote, time.Minute)
	insertAgedBattle(t, d, "stale-gen", db.StatusPendingGeneration, 10*time.Minute)
	insertAgedBattle(t, d, "fresh-gen", db.StatusPendingGeneration, time.Second)
	insertAgedBattle(t, d, "old-done", db.StatusCompleted, 48*time.Hour)

	if err := m.SweepStaleBattles(ctx); err != nil {
		t.Fatalf("SweepStaleBattles: %v", err)
	}

	for _, id := range []string{"stale-vote", "stale-gen"} {
		if b, _ := d.GetBattle(ctx, id); b != nil {
			t.Errorf("%s should be swept", id)
		}
	}
	for _, id := range []string{"fresh-vote", "fresh-gen", "old-done"} {
		if b, _ := d.GetBattle(ctx, id); b == nil {
			t.Errorf("%s must survive the sweep", id)
		}
	}
}

func TestBackupOnceAndPrune(t *testing.T) {
	m, _, _ := openTestManager(t)

	// Pre-seed more than the retention limit with increasing mtimes.
	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	base := time.Now().Add(-48 * time.Hour)
	for i := 0; i < backupRetention+3; i++ {
		name := filepath.Join(m.backupDir, base.Add(time.Duration(i)*time.Hour).UTC().Format("arena_20060102-150405.db"))
		if err := os.WriteFile(name, []byte("old"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		mtime := base.Add(time.Duration(i) * time.Hour)
		if err := os.Chtimes(name, mtime, mtime); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	if err := m.BackupOnce(time.Now()); err != nil {
		t.Fatalf("BackupOnce: %v", err)
	}

	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != backupRetention {
		t.Fatalf("expected %d backups after prune, got %d", backupRetention, len(entries))
	}

	// The fresh backup is among the survivors.
	fresh := time.Now().UTC().Format("arena_20060102")
	found := false
	for _, entry := range entries {
		if len(entry.Name()) >= len(fresh) && entry.Name()[:len(fresh)] == fresh {
			found = true
		}
	}
	if !found {
		t.Fatal("newest backup was pruned")
	}
}

func TestHandleConfigChangeResyncsModels(t *testing.T) {
	m, d, cfgDir := openTestManager(t)
	ctx := context.Background()

	if err := m.ResyncModels(ctx); err != nil {
		t.Fatalf("initial ResyncModels: %v", err)
	}
	models, _ := d.GetModels(ctx)
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}

	// Add a model and rename another, then signal the change.
	updated, _ := json.Marshal(map[string]any{"models": []map[string]any{
		{"id": "m1", "name": "Renamed One"},
		{"id": "m2", "name": "Model Two"},
		{"id": "m3", "name": "Model Three"},
	}})
	path := filepath.Join(cfgDir, config.ModelsFile)
	if err := os.WriteFile(path, updated, 0o644); err != nil {
		t.Fatalf("rewrite models: %v", err)
	}

	m.HandleConfigChange(ctx, path)

	models, _ = d.GetModels(ctx)
	if len(models) != 3 {
		t.Fatalf("expected 3 models after resync, got %d", len(models))
	}
	if models["m1"].Name != "Renamed One" {
		t.Fatalf("rename not applied: %+v", models["m1"])
	}
}

func TestNextPromotionTime(t *testing.T) {
	loc, err := time.LoadLocation(promotionTimezone)
	if err != nil {
		t.Skipf("zone data unavailable: %v", err)
	}

	// 03:59 local: fires today at 04:00.
	now := time.Date(2026, 5, 1, 3, 59, 0, 0, loc)
	next := nextPromotionTime(now, loc)
	if next.Day() != 1 || next.Hour() != promotionHour {
		t.Fatalf("next = %v", next)
	}

	// 04:00 sharp: fires tomorrow.
	now = time.Date(2026, 5, 1, 4, 0, 0, 0, loc)
	next = nextPromotionTime(now, loc)
	if next.Day() != 2 || next.Hour() != promotionHour {
		t.Fatalf("next = %v", next)
	}
}
