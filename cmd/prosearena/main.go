package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joestump/prose-arena/internal/battle"
	"github.com/joestump/prose-arena/internal/config"
	"github.com/joestump/prose-arena/internal/db"
	"github.com/joestump/prose-arena/internal/extern"
	"github.com/joestump/prose-arena/internal/llm"
	"github.com/joestump/prose-arena/internal/rating"
	"github.com/joestump/prose-arena/internal/sched"
	"github.com/joestump/prose-arena/internal/tier"
	"github.com/joestump/prose-arena/internal/vote"
	"github.com/joestump/prose-arena/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "prosearena",
		Short: "Anonymous pairwise-comparison rating arena for creative-writing models",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.Int("port", 8080, "HTTP port")
	f.String("config-dir", "config", "directory with models.json, fixed_prompts.json and friends")
	f.String("data-dir", "data", "directory for the database and backups")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("port", "port")
	bindFlag("config_dir", "config-dir")
	bindFlag("data_dir", "data-dir")

	// Tuning knobs arrive as bare environment variables and are re-read on
	// every request, so changing one takes effect without a restart.
	for _, key := range []string{
		"api_endpoint", "api_key",
		"max_battles_per_hour", "min_battle_interval", "max_concurrent_battles",
		"vote_time_window", "user_rate_limit_window", "user_max_votes_per_hour",
		"battle_timeout_minutes", "generation_timeout_seconds",
		"rating_update_period_minutes",
		"transition_zone_probability", "global_random_match_probability",
		"transition_zone_size", "promotion_relegation_count",
		"glicko_tau", "voter_hash_salt",
		"option_llm_api_url", "option_llm_api_key", "option_llm_model",
	} {
		_ = viper.BindEnv(key, strings.ToUpper(key))
	}

	viper.SetDefault("max_battles_per_hour", 30)
	viper.SetDefault("min_battle_interval", 20)
	viper.SetDefault("max_concurrent_battles", 3)
	viper.SetDefault("vote_time_window", 300)
	viper.SetDefault("user_rate_limit_window", 3600)
	viper.SetDefault("user_max_votes_per_hour", 100)
	viper.SetDefault("battle_timeout_minutes", 30)
	viper.SetDefault("generation_timeout_seconds", 180)
	viper.SetDefault("rating_update_period_minutes", 60)
	viper.SetDefault("transition_zone_probability", 0.3)
	viper.SetDefault("global_random_match_probability", 0.1)
	viper.SetDefault("transition_zone_size", 2)
	viper.SetDefault("promotion_relegation_count", 2)
	viper.SetDefault("glicko_tau", 0.5)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	configDir := viper.GetString("config_dir")
	dataDir := viper.GetString("data_dir")
	port := viper.GetInt("port")

	cfg := config.NewRegistry(configDir)
	if err := cfg.Validate(dataDir); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	fmt.Printf("prose-arena starting\n")
	fmt.Printf("  Config: %s\n", configDir)
	fmt.Printf("  Data: %s\n", dataDir)
	fmt.Printf("  HTTP: :%d\n", port)
	fmt.Printf("  Rating period: %dm\n", config.RatingPeriodMinutes())
	fmt.Println()

	dbPath := filepath.Join(dataDir, "arena.db")
	store, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Sync the models table to the configuration and settle tiers before
	// serving traffic.
	seeds, err := rating.SeedsFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("model seeds: %w", err)
	}
	if err := store.SyncModels(ctx, seeds); err != nil {
		return fmt.Errorf("sync models: %w", err)
	}
	tiers := tier.New(store)
	if err := tiers.EnsureTiers(ctx); err != nil {
		return fmt.Errorf("ensure tiers: %w", err)
	}

	engine := rating.New(store)
	battles := battle.New(store, cfg, llm.New())
	votes := vote.New(store, engine)

	scheduler := sched.New(store, cfg, engine, tiers, dbPath, filepath.Join(dataDir, "backups"))

	webServer := web.New(port, cfg, store, battles, votes, engine,
		extern.NewStaticPromptEngine(cfg), extern.NewOptionClient())
	go func() {
		if err := webServer.Start(); err != nil {
			log.Printf("web server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("received %s, shutting down...", sig)
		cancel()
	}()

	if err := scheduler.Run(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("web server shutdown: %v", err)
	}

	return nil
}
