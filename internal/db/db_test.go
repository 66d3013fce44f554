package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func seedTestModels(t *testing.T, d *DB, ids ...string) {
	t.Helper()
	seeds := make([]ModelSeed, 0, len(ids))
	for _, id := range ids {
		seeds = append(seeds, ModelSeed{
			ID: id, Name: "Model " + id,
			Rating: 1500, RD: 350, Volatility: 0.06, Tier: TierHigh,
		})
	}
	if err := d.SyncModels(context.Background(), seeds); err != nil {
		t.Fatalf("SyncModels: %v", err)
	}
}

func TestOpenAndMigrate(t *testing.T) {
	d := openTestDB(t)

	tables := []string{"models", "battles", "voting_history", "pending_matches", "sessions", "goose_db_version"}
	for _, table := range tables {
		var name string
		err := d.Conn().QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q should exist after migrations: %v", table, err)
		}
	}
}

func TestSyncModelsInsertsAndRenames(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	seedTestModels(t, d, "m1", "m2")

	models, err := d.GetModels(ctx)
	if err != nil {
		t.Fatalf("GetModels: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if models["m1"].RatingMu != 1500 || models["m1"].MuRT != 1500 {
		t.Fatalf("expected seeded triple mirrored to realtime, got %+v", models["m1"])
	}

	// Re-sync with a new name and an extra model; existing rows keep ratings.
	if err := d.UpdateModelRating(ctx, &Model{ID: "m1", RatingMu: 1600, RatingPhi: 200, Sigma: 0.06, MuRT: 1600, PhiRT: 200, SigmaRT: 0.06, Battles: 3, Wins: 2}); err != nil {
		t.Fatalf("UpdateModelRating: %v", err)
	}
	err = d.SyncModels(ctx, []ModelSeed{
		{ID: "m1", Name: "Renamed", Rating: 1500, RD: 350, Volatility: 0.06, Tier: TierHigh},
		{ID: "m3", Name: "Model m3", Rating: 1450, RD: 300, Volatility: 0.05, Tier: TierLow},
	})
	if err != nil {
		t.Fatalf("SyncModels resync: %v", err)
	}

	models, err = d.GetModels(ctx)
	if err != nil {
		t.Fatalf("GetModels: %v", err)
	}
	if len(models) != 3 {
		t.Fatalf("expected 3 models after resync, got %d", len(models))
	}
	if models["m1"].Name != "Renamed" {
		t.Fatalf("expected rename, got %q", models["m1"].Name)
	}
	if models["m1"].RatingMu != 1600 || models["m1"].Battles != 3 {
		t.Fatalf("resync must not reset existing ratings: %+v", models["m1"])
	}
	if models["m3"].RatingMu != 1450 || models["m3"].Tier != TierLow {
		t.Fatalf("expected seeded new model, got %+v", models["m3"])
	}
}

func TestGetModelNotFound(t *testing.T) {
	d := openTestDB(t)

	m, err := d.GetModel(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if m != nil {
		t.Fatalf("expected nil for unknown model, got %+v", m)
	}
}

func TestSetModelActive(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	seedTestModels(t, d, "m1")

	if err := d.SetModelActive(ctx, "m1", false); err != nil {
		t.Fatalf("SetModelActive: %v", err)
	}
	m, err := d.GetModel(ctx, "m1")
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if m.IsActive {
		t.Fatal("expected model deactivated")
	}
}

func TestUpdateModelTiers(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	seedTestModels(t, d, "m1", "m2")

	err := d.UpdateModelTiers(ctx, map[string]string{"m1": TierLow, "m2": TierHigh})
	if err != nil {
		t.Fatalf("UpdateModelTiers: %v", err)
	}
	models, err := d.GetModels(ctx)
	if err != nil {
		t.Fatalf("GetModels: %v", err)
	}
	if models["m1"].Tier != TierLow || models["m2"].Tier != TierHigh {
		t.Fatalf("tiers not applied: m1=%s m2=%s", models["m1"].Tier, models["m2"].Tier)
	}
}

func testBattle(voter string) *Battle {
	return &Battle{
		ID:          "battle-" + voter,
		Type:        BattleTypeHigh,
		Prompt:      "Write a short story about rain.",
		PromptID:    "fiction_rain",
		PromptTheme: "fiction",
		ModelAID:    "m1", ModelAName: "Model m1",
		ModelBID: "m2", ModelBName: "Model m2",
		Status:  StatusPendingGeneration,
		VoterID: voter,
	}
}

func TestBattleLifecycle(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	b := testBattle("u1")
	if err := d.InsertBattle(ctx, b); err != nil {
		t.Fatalf("InsertBattle: %v", err)
	}

	got, err := d.GetBattle(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBattle: %v", err)
	}
	if got == nil || got.Status != StatusPendingGeneration {
		t.Fatalf("expected pending_generation battle, got %+v", got)
	}
	if got.PromptTheme != "fiction" {
		t.Fatalf("expected prompt theme fiction, got %q", got.PromptTheme)
	}

	err = d.UpdateBattle(ctx, b.ID, map[string]any{
		"response_a": "It rained.",
		"response_b": "The rain fell.",
		"status":     StatusPendingVote,
		"timestamp":  Now(),
	})
	if err != nil {
		t.Fatalf("UpdateBattle: %v", err)
	}
	got, err = d.GetBattle(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBattle: %v", err)
	}
	if got.Status != StatusPendingVote || got.ResponseA == "" || got.ResponseB == "" {
		t.Fatalf("expected pending_vote with responses, got %+v", got)
	}

	if err := d.DeleteBattle(ctx, b.ID); err != nil {
		t.Fatalf("DeleteBattle: %v", err)
	}
	got, err = d.GetBattle(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBattle: %v", err)
	}
	if got != nil {
		t.Fatalf("expected battle deleted, got %+v", got)
	}
}

func TestUpdateBattleRejectsUnknownField(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	b := testBattle("u1")
	if err := d.InsertBattle(ctx, b); err != nil {
		t.Fatalf("InsertBattle: %v", err)
	}
	err := d.UpdateBattle(ctx, b.ID, map[string]any{"voter_id": "someone-else"})
	if err == nil {
		t.Fatal("expected error for non-updatable field")
	}
}

func TestDeleteStuckBattles(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	b1 := testBattle("u1")
	b2 := testBattle("u1")
	b2.ID = "battle-u1-second"
	b2.Status = StatusPendingVote
	b3 := testBattle("u2")
	for _, b := range []*Battle{b1, b2, b3} {
		if err := d.InsertBattle(ctx, b); err != nil {
			t.Fatalf("InsertBattle %s: %v", b.ID, err)
		}
	}

	n, err := d.DeleteStuckBattles(ctx, "u1")
	if err != nil {
		t.Fatalf("DeleteStuckBattles: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stuck battle deleted, got %d", n)
	}

	// Idempotent: second call deletes nothing.
	n, err = d.DeleteStuckBattles(ctx, "u1")
	if err != nil {
		t.Fatalf("DeleteStuckBattles: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 on repeat, got %d", n)
	}

	// pending_vote untouched, other voters untouched.
	if got, _ := d.GetBattle(ctx, b2.ID); got == nil {
		t.Fatal("pending_vote battle must survive unstuck")
	}
	if got, _ := d.GetBattle(ctx, b3.ID); got == nil {
		t.Fatal("other voter's battle must survive unstuck")
	}
}

func TestDeleteBattlesOlderThan(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	old := testBattle("u1")
	old.CreatedAt = formatTime(time.Now().Add(-2 * time.Hour))
	old.Timestamp = old.CreatedAt
	fresh := testBattle("u2")
	for _, b := range []*Battle{old, fresh} {
		if err := d.InsertBattle(ctx, b); err != nil {
			t.Fatalf("InsertBattle: %v", err)
		}
	}

	n, err := d.DeleteBattlesOlderThan(ctx, StatusPendingGeneration, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteBattlesOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale battle deleted, got %d", n)
	}
	if got, _ := d.GetBattle(ctx, fresh.ID); got == nil {
		t.Fatal("fresh battle must survive janitor cutoff")
	}
}

func TestRecentAndLatestBattles(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	now := time.Now()
	for i, age := range []time.Duration{30 * time.Minute, 10 * time.Minute, 90 * time.Minute} {
		b := testBattle("u1")
		b.ID = b.ID + string(rune('a'+i))
		b.CreatedAt = formatTime(now.Add(-age))
		b.Timestamp = b.CreatedAt
		if err := d.InsertBattle(ctx, b); err != nil {
			t.Fatalf("InsertBattle: %v", err)
		}
	}

	recent, err := d.ListRecentBattles(ctx, "u1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListRecentBattles: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 battles within the hour, got %d", len(recent))
	}
	if recent[0].CreatedAt < recent[1].CreatedAt {
		t.Fatal("expected newest-first ordering")
	}

	latest, err := d.LatestBattle(ctx, "u1")
	if err != nil {
		t.Fatalf("LatestBattle: %v", err)
	}
	if latest == nil || latest.ID != recent[0].ID {
		t.Fatalf("expected latest battle %s, got %+v", recent[0].ID, latest)
	}

	n, err := d.PendingBattleCount(ctx, "u1")
	if err != nil {
		t.Fatalf("PendingBattleCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 pending battles, got %d", n)
	}
}

func TestVotesAndAntiCheatQueries(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v := &Vote{BattleID: "b1", Choice: WinnerModelA, VoterID: "u1", VoterHash: "hash1"}
		if i == 2 {
			v.BattleID = "b2"
		}
		if err := d.InsertVote(ctx, v); err != nil {
			t.Fatalf("InsertVote: %v", err)
		}
		if v.ID == 0 {
			t.Fatal("expected autoincrement id assigned")
		}
	}

	since := time.Now().Add(-time.Hour)
	votes, err := d.ListRecentVotes(ctx, since)
	if err != nil {
		t.Fatalf("ListRecentVotes: %v", err)
	}
	if len(votes) != 3 {
		t.Fatalf("expected 3 recent votes, got %d", len(votes))
	}

	n, err := d.CountRecentVotesByHash(ctx, "hash1", since)
	if err != nil {
		t.Fatalf("CountRecentVotesByHash: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 votes by hash, got %d", n)
	}

	dup, err := d.HasRecentVoteForBattle(ctx, "hash1", "b1", since)
	if err != nil {
		t.Fatalf("HasRecentVoteForBattle: %v", err)
	}
	if !dup {
		t.Fatal("expected duplicate vote detected")
	}
	dup, err = d.HasRecentVoteForBattle(ctx, "hash1", "b3", since)
	if err != nil {
		t.Fatalf("HasRecentVoteForBattle: %v", err)
	}
	if dup {
		t.Fatal("expected no vote for unseen battle")
	}
}

func TestPendingMatchDrain(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	if err := d.AppendPendingMatch(ctx, "m1", "m2", 1.0); err != nil {
		t.Fatalf("AppendPendingMatch: %v", err)
	}
	if err := d.AppendPendingMatch(ctx, "m2", "m3", 0.5); err != nil {
		t.Fatalf("AppendPendingMatch: %v", err)
	}

	var drained []*PendingMatch
	err := d.WithTx(ctx, func(ctx context.Context) error {
		var err error
		drained, err = d.DrainPendingMatches(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained matches, got %d", len(drained))
	}
	if drained[0].ModelAID != "m1" || drained[0].Outcome != 1.0 {
		t.Fatalf("expected insertion order preserved, got %+v", drained[0])
	}

	// Queue must be empty after a successful drain.
	err = d.WithTx(ctx, func(ctx context.Context) error {
		again, err := d.DrainPendingMatches(ctx)
		if err != nil {
			return err
		}
		if len(again) != 0 {
			t.Fatalf("expected empty queue after drain, got %d", len(again))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	s := &Session{
		ID: "s1", VoterID: "u1",
		ModelAID: "m1", ModelBID: "m2",
		UserViewContext:      "[]",
		AssistantViewContext: "[]",
		OptionsJSON:          "[]",
	}
	if err := d.InsertSession(ctx, s); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	got, err := d.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil || got.VoterID != "u1" {
		t.Fatalf("expected session for u1, got %+v", got)
	}

	err = d.UpdateSession(ctx, "s1", map[string]any{
		"turn_count":             2,
		"selected_message_index": 1,
	})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	got, err = d.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.TurnCount != 2 || got.SelectedMessageIndex != 1 {
		t.Fatalf("update not applied: %+v", got)
	}

	latest, err := d.LatestSession(ctx, "u1")
	if err != nil {
		t.Fatalf("LatestSession: %v", err)
	}
	if latest == nil || latest.ID != "s1" {
		t.Fatalf("expected latest session s1, got %+v", latest)
	}

	missing, err := d.GetSession(ctx, "nope")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown session, got %+v", missing)
	}
}

func TestStatistics(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	done := testBattle("u1")
	done.Status = StatusCompleted
	done.Winner = WinnerModelA
	pending := testBattle("u2")
	pending.PromptID = "poetry_haiku"
	pending.PromptTheme = "poetry"
	for _, b := range []*Battle{done, pending} {
		if err := d.InsertBattle(ctx, b); err != nil {
			t.Fatalf("InsertBattle: %v", err)
		}
	}
	if err := d.InsertVote(ctx, &Vote{BattleID: done.ID, Choice: WinnerModelA, VoterID: "u1", VoterHash: "h1"}); err != nil {
		t.Fatalf("InsertVote: %v", err)
	}

	stats, err := d.GetBattleStatistics(ctx)
	if err != nil {
		t.Fatalf("GetBattleStatistics: %v", err)
	}
	if stats.TotalBattles != 2 || stats.CompletedBattles != 1 || stats.PendingBattles != 1 {
		t.Fatalf("unexpected battle stats: %+v", stats)
	}
	if stats.TotalVotes != 1 || stats.VotesByChoice[WinnerModelA] != 1 || stats.DistinctVoters != 1 {
		t.Fatalf("unexpected vote stats: %+v", stats)
	}

	prompts, err := d.GetPromptStatistics(ctx)
	if err != nil {
		t.Fatalf("GetPromptStatistics: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("expected 2 prompt rows, got %d", len(prompts))
	}
	for _, p := range prompts {
		if p.PromptID == "fiction_rain" && p.Completed != 1 {
			t.Fatalf("expected 1 completed for fiction_rain, got %+v", p)
		}
	}

	health, err := d.CompletedBattleCount(ctx)
	if err != nil {
		t.Fatalf("CompletedBattleCount: %v", err)
	}
	if health != 1 {
		t.Fatalf("expected 1 completed battle, got %d", health)
	}
}
