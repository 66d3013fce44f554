// Package match selects two models for a battle. Selection is a pure
// function of the candidate list, the knobs, and the seeded RNG; it reads
// nothing and writes nothing, so callers can retry it freely.
package match

import (
	"errors"
	"math/rand"
	"sort"

	"github.com/joestump/prose-arena/internal/db"
)

// ErrNoPair means fewer than two eligible models remain after filtering.
var ErrNoPair = errors.New("fewer than two eligible models")

const maxDrawAttempts = 20

// Candidate is one model eligible for matchmaking. CanAnswer is false for a
// preset model whose answer pack lacks the battle's prompt; live models are
// always answerable.
type Candidate struct {
	ID        string
	Name      string
	Weight    float64
	Rating    float64
	Tier      string
	Preset    bool
	CanAnswer bool
}

// Params are the matchmaking mix knobs, read per battle so they hot-update.
type Params struct {
	CrossTier      float64
	TransitionZone float64
	TransitionSize int
}

// Pick selects two distinct models for a battle of the requested type.
// The pool mix: with probability CrossTier the opponent pool is every active
// model; else with probability TransitionZone both pools restrict to the
// transition zone (bottom TransitionSize of high + top TransitionSize of
// low); else both draws come from the requested tier.
func Pick(rng *rand.Rand, battleType string, candidates []Candidate, exclude map[string]bool, p Params) (Candidate, Candidate, error) {
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.CanAnswer || exclude[c.ID] {
			continue
		}
		eligible = append(eligible, c)
	}

	high, low := splitTiers(eligible)

	basePool := high
	if battleType == db.BattleTypeLow {
		basePool = low
	}
	opponentPool := basePool

	if rng.Float64() < p.CrossTier {
		opponentPool = eligible
	} else if rng.Float64() < p.TransitionZone {
		zone := transitionZone(high, low, p.TransitionSize)
		if inter := intersect(basePool, zone); len(inter) > 0 {
			basePool = inter
			opponentPool = zone
		}
	}

	// Starved pools fall back to the union of all active models.
	if len(basePool) == 0 || len(opponentPool) == 0 {
		basePool = eligible
		opponentPool = eligible
	}
	if len(dedupe(append(append([]Candidate(nil), basePool...), opponentPool...))) < 2 {
		return Candidate{}, Candidate{}, ErrNoPair
	}

	for attempt := 0; attempt < maxDrawAttempts; attempt++ {
		a := weightedChoice(rng, basePool)
		b := weightedChoice(rng, opponentPool)
		if a.ID != b.ID {
			return a, b, nil
		}
	}

	// Same id kept coming up (tiny pools, lopsided weights). Fall back to a
	// uniform draw without replacement from the deduplicated union.
	union := dedupe(append(append([]Candidate(nil), basePool...), opponentPool...))
	i := rng.Intn(len(union))
	j := rng.Intn(len(union) - 1)
	if j >= i {
		j++
	}
	return union[i], union[j], nil
}

// splitTiers partitions candidates by tier, each sorted by rating descending.
func splitTiers(candidates []Candidate) (high, low []Candidate) {
	for _, c := range candidates {
		if c.Tier == db.TierLow {
			low = append(low, c)
		} else {
			high = append(high, c)
		}
	}
	byRatingDesc(high)
	byRatingDesc(low)
	return high, low
}

func byRatingDesc(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Rating > cands[j].Rating })
}

// transitionZone is the hand-off band between tiers: the size lowest-rated
// high models plus the size highest-rated low models.
func transitionZone(high, low []Candidate, size int) []Candidate {
	if size <= 0 {
		return nil
	}
	var zone []Candidate
	if len(high) > 0 {
		from := len(high) - size
		if from < 0 {
			from = 0
		}
		zone = append(zone, high[from:]...)
	}
	if len(low) > 0 {
		to := size
		if to > len(low) {
			to = len(low)
		}
		zone = append(zone, low[:to]...)
	}
	return zone
}

func intersect(pool, zone []Candidate) []Candidate {
	ids := make(map[string]bool, len(zone))
	for _, c := range zone {
		ids[c.ID] = true
	}
	var out []Candidate
	for _, c := range pool {
		if ids[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func dedupe(cands []Candidate) []Candidate {
	seen := make(map[string]bool, len(cands))
	var out []Candidate
	for _, c := range cands {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}

// weightedChoice draws one candidate proportionally to weight.
func weightedChoice(rng *rand.Rand, cands []Candidate) Candidate {
	total := 0.0
	for _, c := range cands {
		total += c.weight()
	}
	r := rng.Float64() * total
	for _, c := range cands {
		r -= c.weight()
		if r < 0 {
			return c
		}
	}
	return cands[len(cands)-1]
}

func (c Candidate) weight() float64 {
	if c.Weight > 0 {
		return c.Weight
	}
	return 1.0
}
