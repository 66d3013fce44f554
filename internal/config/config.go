// Package config exposes typed, hot-reloadable views over the arena's
// configuration: JSON files under the config directory (cached by mtime and
// force-reloaded by the file watcher) and environment-driven knobs read from
// viper on every call so they update without a restart.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// File names under the config directory.
const (
	ModelsFile        = "models.json"
	FixedPromptsFile  = "fixed_prompts.json"
	ModelScoresFile   = "model_scores.json"
	PresetModelsFile  = "preset_models.json"
	PresetMappingFile = "model_preset_mapping.json"
	PresetAnswersDir  = "preset_answers"
)

// InternalChannel is one upstream endpoint of a logical model. Channels are
// tried in order; keys within a channel rotate before moving on.
type InternalChannel struct {
	InternalID string   `json:"internal_id"`
	APIURL     string   `json:"api_url"`
	APIKeys    []string `json:"api_keys"`
}

// Model describes one logical model in the arena.
type Model struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Weight         float64           `json:"weight,omitempty"`
	APIURL         string            `json:"api_url,omitempty"`
	APIKeys        []string          `json:"api_keys,omitempty"`
	APIFormat      string            `json:"api_format,omitempty"` // "openai" (default) or "anthropic"
	EnableThinking bool              `json:"enable_thinking,omitempty"`
	InternalModels []InternalChannel `json:"internal_models,omitempty"`
	Preset         bool              `json:"-"` // served from a local answer pack
}

// SampleWeight returns the matchmaking weight, defaulting to 1.0.
func (m Model) SampleWeight() float64 {
	if m.Weight > 0 {
		return m.Weight
	}
	return 1.0
}

// SeedScore is an initial rating for a model, loaded from model_scores.json.
type SeedScore struct {
	Rating     float64  `json:"rating"`
	RD         *float64 `json:"rd"`
	Volatility float64  `json:"volatility"`
	Tier       string   `json:"tier,omitempty"`
}

// Registry caches parsed config files by modification time.
type Registry struct {
	dir string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	modTime time.Time
	value   any
}

// NewRegistry creates a registry over the given config directory.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, cache: make(map[string]cacheEntry)}
}

// Dir returns the config directory the registry watches.
func (r *Registry) Dir() string { return r.dir }

// ForceReload drops the cached value for a file (or the preset answers
// directory) so the next accessor call re-reads it from disk.
func (r *Registry) ForceReload(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, name)
}

// load parses the named file through parse, reusing the cached value when the
// file's mtime is unchanged.
func (r *Registry) load(name string, parse func([]byte) (any, error)) (any, error) {
	path := filepath.Join(r.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.cache[name]; ok && entry.modTime.Equal(info.ModTime()) {
		return entry.value, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	value, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	r.cache[name] = cacheEntry{modTime: info.ModTime(), value: value}
	return value, nil
}

// Models returns all configured models: models.json entries plus preset
// models, which carry Preset=true and serve from local answer packs.
func (r *Registry) Models() ([]Model, error) {
	v, err := r.load(ModelsFile, func(data []byte) (any, error) {
		var doc struct {
			Models []Model `json:"models"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return doc.Models, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", ModelsFile, err)
	}
	models := append([]Model(nil), v.([]Model)...)

	presets, err := r.presetModels()
	if err != nil {
		return nil, err
	}
	return append(models, presets...), nil
}

func (r *Registry) presetModels() ([]Model, error) {
	v, err := r.load(PresetModelsFile, func(data []byte) (any, error) {
		var doc struct {
			Models []Model `json:"models"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		for i := range doc.Models {
			doc.Models[i].Preset = true
		}
		return doc.Models, nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("load %s: %w", PresetModelsFile, err)
	}
	return v.([]Model), nil
}

// FixedPrompts returns the prompt-id to prompt-text map.
func (r *Registry) FixedPrompts() (map[string]string, error) {
	v, err := r.load(FixedPromptsFile, func(data []byte) (any, error) {
		var doc struct {
			Prompts map[string]string `json:"prompts"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return doc.Prompts, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", FixedPromptsFile, err)
	}
	return v.(map[string]string), nil
}

// InitialScores returns rating seeds keyed by model id. A missing file is
// fine; seeding is optional.
func (r *Registry) InitialScores() (map[string]SeedScore, error) {
	v, err := r.load(ModelScoresFile, func(data []byte) (any, error) {
		var doc map[string]SeedScore
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]SeedScore{}, nil
		}
		return nil, fmt.Errorf("load %s: %w", ModelScoresFile, err)
	}
	return v.(map[string]SeedScore), nil
}

// PresetMapping maps a preset model id to the answer pack files it serves
// from. A missing file yields an empty mapping.
func (r *Registry) PresetMapping() (map[string][]string, error) {
	v, err := r.load(PresetMappingFile, func(data []byte) (any, error) {
		var doc map[string][]string
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string][]string{}, nil
		}
		return nil, fmt.Errorf("load %s: %w", PresetMappingFile, err)
	}
	return v.(map[string][]string), nil
}

// PresetAnswers returns all answer packs: pack filename -> prompt id ->
// candidate answers. The whole directory is cached against its maximum mtime.
func (r *Registry) PresetAnswers() (map[string]map[string][]string, error) {
	dir := filepath.Join(r.dir, PresetAnswersDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]map[string][]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", PresetAnswersDir, err)
	}

	var maxMod time.Time
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		if info.ModTime().After(maxMod) {
			maxMod = info.ModTime()
		}
		files = append(files, entry.Name())
	}

	r.mu.Lock()
	if entry, ok := r.cache[PresetAnswersDir]; ok && entry.modTime.Equal(maxMod) {
		v := entry.value
		r.mu.Unlock()
		return v.(map[string]map[string][]string), nil
	}
	r.mu.Unlock()

	packs := make(map[string]map[string][]string, len(files))
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var pack map[string][]string
		if err := json.Unmarshal(data, &pack); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		packs[name] = pack
	}

	r.mu.Lock()
	r.cache[PresetAnswersDir] = cacheEntry{modTime: maxMod, value: packs}
	r.mu.Unlock()
	return packs, nil
}

// PresetAnswersFor returns the candidate answers a preset model can serve for
// a prompt, aggregated across all packs mapped to the model.
func (r *Registry) PresetAnswersFor(modelID, promptID string) ([]string, error) {
	mapping, err := r.PresetMapping()
	if err != nil {
		return nil, err
	}
	packs, err := r.PresetAnswers()
	if err != nil {
		return nil, err
	}
	var answers []string
	for _, packName := range mapping[modelID] {
		if pack, ok := packs[packName]; ok {
			answers = append(answers, pack[promptID]...)
		}
	}
	return answers, nil
}

// Validate checks the startup invariants: at least two models, non-empty
// prompts, and a creatable data directory. Failures abort startup.
func (r *Registry) Validate(dataDir string) error {
	models, err := r.Models()
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}
	if len(models) < 2 {
		return fmt.Errorf("need at least 2 configured models, have %d", len(models))
	}
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		if m.ID == "" {
			return fmt.Errorf("model with empty id in configuration")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
	}

	prompts, err := r.FixedPrompts()
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}
	if len(prompts) == 0 {
		return fmt.Errorf("%s contains no prompts", FixedPromptsFile)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// --- Environment-driven knobs ---
//
// Read from viper on every call so limits and probabilities hot-update
// across requests without a restart.

// Limits bundles the per-user rate limits for battle creation and voting.
type Limits struct {
	MaxBattlesPerHour    int
	MinBattleInterval    time.Duration
	MaxConcurrentBattles int
	BattleCreationWindow time.Duration
	VoteTimeWindow       time.Duration
	UserRateLimitWindow  time.Duration
	UserMaxVotesPerHour  int
	BattleTimeout        time.Duration
}

// CurrentLimits reads the rate-limit knobs from the environment.
func CurrentLimits() Limits {
	return Limits{
		MaxBattlesPerHour:    viper.GetInt("max_battles_per_hour"),
		MinBattleInterval:    time.Duration(viper.GetInt("min_battle_interval")) * time.Second,
		MaxConcurrentBattles: viper.GetInt("max_concurrent_battles"),
		BattleCreationWindow: time.Hour,
		VoteTimeWindow:       time.Duration(viper.GetInt("vote_time_window")) * time.Second,
		UserRateLimitWindow:  time.Duration(viper.GetInt("user_rate_limit_window")) * time.Second,
		UserMaxVotesPerHour:  viper.GetInt("user_max_votes_per_hour"),
		BattleTimeout:        time.Duration(viper.GetInt("battle_timeout_minutes")) * time.Minute,
	}
}

// GenerationTimeout bounds one outbound model call.
func GenerationTimeout() time.Duration {
	return time.Duration(viper.GetInt("generation_timeout_seconds")) * time.Second
}

// RatingPeriodMinutes is the batch rating window; <= 0 means votes update
// canonical ratings immediately.
func RatingPeriodMinutes() int {
	return viper.GetInt("rating_update_period_minutes")
}

// MatchProbabilities bundles the matchmaking mix knobs.
type MatchProbabilities struct {
	TransitionZone float64
	CrossTier      float64
	TransitionSize int
	PromotionCount int
}

// CurrentMatchProbabilities reads the matchmaking knobs from the environment.
func CurrentMatchProbabilities() MatchProbabilities {
	return MatchProbabilities{
		TransitionZone: viper.GetFloat64("transition_zone_probability"),
		CrossTier:      viper.GetFloat64("global_random_match_probability"),
		TransitionSize: viper.GetInt("transition_zone_size"),
		PromotionCount: viper.GetInt("promotion_relegation_count"),
	}
}

// Tau is the Glicko-2 volatility constraint.
func Tau() float64 {
	return viper.GetFloat64("glicko_tau")
}

// VoterHashSalt is an optional deployment-scoped salt mixed into voter
// identity hashes.
func VoterHashSalt() string {
	return viper.GetString("voter_hash_salt")
}

// OptionLLM holds the endpoint for the option-generation model.
type OptionLLM struct {
	APIURL string
	APIKey string
	Model  string
}

// CurrentOptionLLM reads the option-LLM endpoint from the environment.
func CurrentOptionLLM() OptionLLM {
	return OptionLLM{
		APIURL: viper.GetString("option_llm_api_url"),
		APIKey: viper.GetString("option_llm_api_key"),
		Model:  viper.GetString("option_llm_model"),
	}
}

// DefaultEndpoint is the fallback OpenAI-format endpoint used when a model
// descriptor supplies no api_url of its own.
type DefaultEndpoint struct {
	APIURL string
	APIKey string
}

// CurrentDefaultEndpoint reads the fallback endpoint from the environment.
func CurrentDefaultEndpoint() DefaultEndpoint {
	return DefaultEndpoint{
		APIURL: viper.GetString("api_endpoint"),
		APIKey: viper.GetString("api_key"),
	}
}
