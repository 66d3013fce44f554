package match

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/joestump/prose-arena/internal/db"
)

func cand(id, tier string, rating float64) Candidate {
	return Candidate{ID: id, Name: "Model " + id, Tier: tier, Rating: rating, CanAnswer: true}
}

func testPool() []Candidate {
	return []Candidate{
		cand("h1", db.TierHigh, 1700),
		cand("h2", db.TierHigh, 1650),
		cand("h3", db.TierHigh, 1600),
		cand("l1", db.TierLow, 1450),
		cand("l2", db.TierLow, 1400),
		cand("l3", db.TierLow, 1350),
	}
}

func TestPickReturnsDistinctIDs(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		a, b, err := Pick(rng, db.BattleTypeHigh, testPool(), nil, Params{TransitionZone: 0.3, CrossTier: 0.1, TransitionSize: 1})
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if a.ID == b.ID {
			t.Fatalf("iteration %d: same model twice: %s", i, a.ID)
		}
	}
}

func TestPickNormalPathStaysInTier(t *testing.T) {
	// Zero mix probabilities: both draws must come from the requested tier.
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 100; i++ {
		a, b, err := Pick(rng, db.BattleTypeLow, testPool(), nil, Params{})
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if a.Tier != db.TierLow || b.Tier != db.TierLow {
			t.Fatalf("expected low-tier pair, got %s/%s", a.ID, b.ID)
		}
	}
}

func TestPickCrossTierUsesAllModels(t *testing.T) {
	// CrossTier=1: opponent pool is every model; eventually a low-tier
	// opponent must appear in a high-tier battle.
	rng := rand.New(rand.NewSource(3))
	sawLow := false
	for i := 0; i < 200 && !sawLow; i++ {
		_, b, err := Pick(rng, db.BattleTypeHigh, testPool(), nil, Params{CrossTier: 1})
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if b.Tier == db.TierLow {
			sawLow = true
		}
	}
	if !sawLow {
		t.Fatal("cross-tier mix never produced a low-tier opponent")
	}
}

func TestPickTransitionZone(t *testing.T) {
	// TransitionZone=1, size=1: zone is {h3, l1}; both picks must be in it.
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 100; i++ {
		a, b, err := Pick(rng, db.BattleTypeHigh, testPool(), nil, Params{TransitionZone: 1, TransitionSize: 1})
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		for _, c := range []Candidate{a, b} {
			if c.ID != "h3" && c.ID != "l1" {
				t.Fatalf("pick %s outside transition zone", c.ID)
			}
		}
	}
}

func TestPickTransitionZoneEmptyIntersectionFallsThrough(t *testing.T) {
	// Only low models requested but the zone holds no low-tier candidates
	// (size covers high only): intersection empty, normal path applies.
	pool := []Candidate{
		cand("h1", db.TierHigh, 1700),
		cand("h2", db.TierHigh, 1650),
		cand("l1", db.TierLow, 1400),
		cand("l2", db.TierLow, 1350),
	}
	rng := rand.New(rand.NewSource(5))
	a, b, err := Pick(rng, db.BattleTypeLow, pool, map[string]bool{}, Params{TransitionZone: 1, TransitionSize: 0})
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if a.Tier != db.TierLow || b.Tier != db.TierLow {
		t.Fatalf("expected fall-through to low tier, got %s/%s", a.ID, b.ID)
	}
}

func TestPickExcludesAndUnanswerable(t *testing.T) {
	pool := testPool()
	// A preset model that cannot answer the prompt never appears.
	pool = append(pool, Candidate{ID: "p1", Tier: db.TierHigh, Rating: 1500, Preset: true, CanAnswer: false})

	rng := rand.New(rand.NewSource(6))
	exclude := map[string]bool{"h1": true, "h2": true}
	for i := 0; i < 100; i++ {
		a, b, err := Pick(rng, db.BattleTypeHigh, pool, exclude, Params{})
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		for _, c := range []Candidate{a, b} {
			if exclude[c.ID] || c.ID == "p1" {
				t.Fatalf("picked filtered model %s", c.ID)
			}
		}
	}
}

func TestPickEmptyTierFallsBackToUnion(t *testing.T) {
	pool := []Candidate{
		cand("l1", db.TierLow, 1400),
		cand("l2", db.TierLow, 1350),
	}
	rng := rand.New(rand.NewSource(7))
	a, b, err := Pick(rng, db.BattleTypeHigh, pool, nil, Params{})
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("fallback produced a duplicate pair")
	}
}

func TestPickFailsWithOneModel(t *testing.T) {
	pool := []Candidate{cand("h1", db.TierHigh, 1700)}
	rng := rand.New(rand.NewSource(8))
	_, _, err := Pick(rng, db.BattleTypeHigh, pool, nil, Params{})
	if !errors.Is(err, ErrNoPair) {
		t.Fatalf("expected ErrNoPair, got %v", err)
	}
}

func TestWeightedChoiceFavorsHeavy(t *testing.T) {
	pool := []Candidate{
		{ID: "heavy", Weight: 9, CanAnswer: true},
		{ID: "light", Weight: 1, CanAnswer: true},
	}
	rng := rand.New(rand.NewSource(9))
	heavy := 0
	for i := 0; i < 1000; i++ {
		if weightedChoice(rng, pool).ID == "heavy" {
			heavy++
		}
	}
	if heavy < 800 || heavy > 980 {
		t.Fatalf("expected ~900 heavy draws, got %d", heavy)
	}
}
