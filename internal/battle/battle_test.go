package battle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/joestump/prose-arena/internal/config"
	"github.com/joestump/prose-arena/internal/db"
	"github.com/joestump/prose-arena/internal/llm"
)

type stubGenerator struct {
	fn func(ctx context.Context, m config.Model, messages []llm.Message) (string, error)
}

func (s *stubGenerator) Generate(ctx context.Context, m config.Model, messages []llm.Message) (string, error) {
	return s.fn(ctx, m, messages)
}

func writeJSONFile(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func testRegistry(t *testing.T) *config.Registry {
	t.Helper()
	dir := t.TempDir()
	writeJSONFile(t, filepath.Join(dir, config.ModelsFile), map[string]any{
		"models": []map[string]any{
			{"id": "m1", "name": "Model One"},
			{"id": "m2", "name": "Model Two"},
			{"id": "m3", "name": "Model Three"},
		},
	})
	writeJSONFile(t, filepath.Join(dir, config.FixedPromptsFile), map[string]any{
		"prompts": map[string]string{
			"fiction_rain": "Write a short story about rain.",
		},
	})
	return config.NewRegistry(dir)
}

func testController(t *testing.T, gen *stubGenerator) (*Controller, *db.DB) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	seeds := []db.ModelSeed{
		{ID: "m1", Name: "Model One", Rating: 1500, RD: 350, Volatility: 0.06, Tier: db.TierHigh},
		{ID: "m2", Name: "Model Two", Rating: 1480, RD: 350, Volatility: 0.06, Tier: db.TierHigh},
		{ID: "m3", Name: "Model Three", Rating: 1460, RD: 350, Volatility: 0.06, Tier: db.TierHigh},
	}
	if err := d.SyncModels(context.Background(), seeds); err != nil {
		t.Fatalf("SyncModels: %v", err)
	}
	return New(d, testRegistry(t), gen), d
}

func echoGenerator() *stubGenerator {
	return &stubGenerator{fn: func(ctx context.Context, m config.Model, messages []llm.Message) (string, error) {
		return "response from " + m.ID, nil
	}}
}

func TestCreateBattle(t *testing.T) {
	c, _ := testController(t, echoGenerator())

	b, err := c.Create(context.Background(), "u1", db.BattleTypeHigh)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.Status != db.StatusPendingVote {
		t.Fatalf("status = %q, want pending_vote", b.Status)
	}
	if b.ModelAID == b.ModelBID {
		t.Fatal("battle pairs the same model twice")
	}
	if b.ResponseA == "" || b.ResponseB == "" {
		t.Fatalf("expected both responses, got %+v", b)
	}
	if b.PromptID != "fiction_rain" || b.PromptTheme != "fiction" {
		t.Fatalf("prompt fields wrong: %+v", b)
	}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	c, _ := testController(t, echoGenerator())
	if _, err := c.Create(context.Background(), "u1", "mid_tier"); err == nil {
		t.Fatal("expected error for unknown battle type")
	}
}

func TestCreateMinIntervalRateLimit(t *testing.T) {
	c, _ := testController(t, echoGenerator())
	viper.Set("min_battle_interval", 60)
	ctx := context.Background()

	first, err := c.Create(ctx, "u1", db.BattleTypeHigh)
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}

	_, err = c.Create(ctx, "u1", db.BattleTypeHigh)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	wantRetry, _ := time.Parse(time.RFC3339, first.CreatedAt)
	if !rle.RetryAt.Equal(wantRetry.Add(60 * time.Second)) {
		t.Fatalf("RetryAt = %v, want created_at + interval (%v)", rle.RetryAt, wantRetry.Add(60*time.Second))
	}

	// Other callers are unaffected.
	if _, err := c.Create(ctx, "u2", db.BattleTypeHigh); err != nil {
		t.Fatalf("unrelated caller rate limited: %v", err)
	}
}

func TestCreateHourlyRateLimit(t *testing.T) {
	c, _ := testController(t, echoGenerator())
	viper.Set("max_battles_per_hour", 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Create(ctx, "u1", db.BattleTypeHigh); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	_, err := c.Create(ctx, "u1", db.BattleTypeHigh)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
}

func TestCreateConcurrentCap(t *testing.T) {
	c, d := testController(t, echoGenerator())
	viper.Set("max_concurrent_battles", 1)
	ctx := context.Background()

	// A battle stuck in pending_generation occupies the slot.
	stuck := &db.Battle{
		ID: "stuck", Type: db.BattleTypeHigh,
		Prompt: "p", PromptID: "fiction_rain", PromptTheme: "fiction",
		ModelAID: "m1", ModelAName: "Model One",
		ModelBID: "m2", ModelBName: "Model Two",
		Status: db.StatusPendingGeneration, VoterID: "u1",
	}
	if err := d.InsertBattle(ctx, stuck); err != nil {
		t.Fatalf("InsertBattle: %v", err)
	}

	_, err := c.Create(ctx, "u1", db.BattleTypeHigh)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
}

func TestCreateConcurrentCapHeldDuringGeneration(t *testing.T) {
	var started sync.Once
	generating := make(chan struct{})
	release := make(chan struct{})
	gen := &stubGenerator{fn: func(ctx context.Context, m config.Model, messages []llm.Message) (string, error) {
		started.Do(func() { close(generating) })
		<-release
		return "response from " + m.ID, nil
	}}
	c, _ := testController(t, gen)
	viper.Set("max_concurrent_battles", 1)
	ctx := context.Background()

	type result struct {
		b   *db.Battle
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := c.Create(ctx, "u1", db.BattleTypeHigh)
		done <- result{b, err}
	}()

	// The placeholder is committed before generation starts, so a second
	// create from the same caller must hit the cap while the first is
	// still mid-generation.
	<-generating
	_, err := c.Create(ctx, "u1", db.BattleTypeHigh)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError while first battle generates, got %v", err)
	}

	close(release)
	first := <-done
	if first.err != nil {
		t.Fatalf("first Create: %v", first.err)
	}
	if first.b.Status != db.StatusPendingVote {
		t.Fatalf("first battle status = %q, want pending_vote", first.b.Status)
	}
}

func TestCreateTerminalFailureDeletesPlaceholder(t *testing.T) {
	gen := &stubGenerator{fn: func(ctx context.Context, m config.Model, messages []llm.Message) (string, error) {
		return "", fmt.Errorf("model api status 503: upstream down")
	}}
	c, d := testController(t, gen)
	ctx := context.Background()

	_, err := c.Create(ctx, "u1", db.BattleTypeHigh)
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if genErr.Message != "model service temporarily unavailable" {
		t.Fatalf("message = %q", genErr.Message)
	}

	n, err := d.PendingBattleCount(ctx, "u1")
	if err != nil {
		t.Fatalf("PendingBattleCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("placeholder must be deleted on terminal failure, %d left", n)
	}
}

func TestCreateCancelledByUnstuck(t *testing.T) {
	var c *Controller
	gen := &stubGenerator{}
	c, _ = testController(t, gen)
	ctx := context.Background()

	// The generator simulates a caller firing unstuck mid-generation: the
	// placeholder disappears before the responses land.
	gen.fn = func(_ context.Context, m config.Model, messages []llm.Message) (string, error) {
		if _, err := c.Unstuck(ctx, "u1"); err != nil {
			return "", err
		}
		return "late response", nil
	}

	_, err := c.Create(ctx, "u1", db.BattleTypeHigh)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestUnstuckIdempotent(t *testing.T) {
	c, d := testController(t, echoGenerator())
	ctx := context.Background()

	b := &db.Battle{
		ID: "b1", Type: db.BattleTypeHigh,
		Prompt: "p", PromptID: "fiction_rain", PromptTheme: "fiction",
		ModelAID: "m1", ModelAName: "Model One",
		ModelBID: "m2", ModelBName: "Model Two",
		Status: db.StatusPendingGeneration, VoterID: "u1",
	}
	if err := d.InsertBattle(ctx, b); err != nil {
		t.Fatalf("InsertBattle: %v", err)
	}

	n, err := c.Unstuck(ctx, "u1")
	if err != nil {
		t.Fatalf("Unstuck: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	n, err = c.Unstuck(ctx, "u1")
	if err != nil {
		t.Fatalf("second Unstuck: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 on repeat, got %d", n)
	}
}

func TestRevealIdempotent(t *testing.T) {
	c, d := testController(t, echoGenerator())
	ctx := context.Background()

	created, err := c.Create(ctx, "u1", db.BattleTypeHigh)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := c.Reveal(ctx, created.ID)
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if !first.Revealed {
		t.Fatal("expected revealed flag set")
	}
	second, err := c.Reveal(ctx, created.ID)
	if err != nil {
		t.Fatalf("second Reveal: %v", err)
	}
	if !second.Revealed {
		t.Fatal("reveal must be idempotent")
	}

	if _, err := c.Reveal(ctx, "missing"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// A battle still generating is not revealable.
	stuck := &db.Battle{
		ID: "gen", Type: db.BattleTypeHigh,
		Prompt: "p", PromptID: "fiction_rain", PromptTheme: "fiction",
		ModelAID: "m1", ModelAName: "Model One",
		ModelBID: "m2", ModelBName: "Model Two",
		Status: db.StatusPendingGeneration, VoterID: "u1",
	}
	if err := d.InsertBattle(ctx, stuck); err != nil {
		t.Fatalf("InsertBattle: %v", err)
	}
	if _, err := c.Reveal(ctx, "gen"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for pending_generation, got %v", err)
	}
}

func TestPromptTheme(t *testing.T) {
	tests := []struct{ in, want string }{
		{"fiction_rain", "fiction"},
		{"poetry_haiku_short", "poetry"},
		{"noprefix", "general"},
		{"_leading", "general"},
	}
	for _, tt := range tests {
		if got := promptTheme(tt.in); got != tt.want {
			t.Errorf("promptTheme(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "model response timed out"},
		{fmt.Errorf("post: timeout awaiting headers"), "model response timed out"},
		{fmt.Errorf("model api status 404: no such route"), "cannot find the model API"},
		{fmt.Errorf("model api status 503: busy"), "model service temporarily unavailable"},
		{fmt.Errorf("connection refused"), "battle creation failed"},
		{nil, "battle creation failed"},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
