package rating

import (
	"github.com/joestump/prose-arena/internal/config"
	"github.com/joestump/prose-arena/internal/db"
	"github.com/joestump/prose-arena/internal/glicko"
)

// SeedsFromConfig builds the model seeds for the store sync: every configured
// model, rated from model_scores.json when present and Glicko-2 defaults
// otherwise.
func SeedsFromConfig(cfg *config.Registry) ([]db.ModelSeed, error) {
	models, err := cfg.Models()
	if err != nil {
		return nil, err
	}
	scores, err := cfg.InitialScores()
	if err != nil {
		return nil, err
	}

	seeds := make([]db.ModelSeed, 0, len(models))
	for _, m := range models {
		seed := db.ModelSeed{
			ID:         m.ID,
			Name:       m.Name,
			Rating:     glicko.DefaultRating,
			RD:         glicko.DefaultDeviation,
			Volatility: glicko.DefaultVolatility,
		}
		if s, ok := scores[m.ID]; ok {
			seed.Seeded = true
			seed.Rating = s.Rating
			if s.RD != nil {
				seed.RD = *s.RD
			}
			if s.Volatility > 0 {
				seed.Volatility = s.Volatility
			}
			seed.Tier = s.Tier
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}
