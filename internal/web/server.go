// Package web is the arena's HTTP surface: request validation, error
// mapping, and orchestration over the battle and vote controllers plus the
// read-side projections.
package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joestump/prose-arena/internal/battle"
	"github.com/joestump/prose-arena/internal/config"
	"github.com/joestump/prose-arena/internal/db"
	"github.com/joestump/prose-arena/internal/extern"
	"github.com/joestump/prose-arena/internal/rating"
	"github.com/joestump/prose-arena/internal/vote"
)

// Server wires the HTTP mux over the arena components.
type Server struct {
	cfg     *config.Registry
	store   *db.DB
	battles *battle.Controller
	votes   *vote.Controller
	ratings *rating.Engine
	prompts extern.PromptEngine
	options extern.OptionGenerator

	mux    *http.ServeMux
	server *http.Server
}

// New creates the server and registers all routes.
func New(port int, cfg *config.Registry, store *db.DB, battles *battle.Controller,
	votes *vote.Controller, ratings *rating.Engine,
	prompts extern.PromptEngine, options extern.OptionGenerator) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		battles: battles,
		votes:   votes,
		ratings: ratings,
		prompts: prompts,
		options: options,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     logRequests(s.mux),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /battle", s.handleCreateBattle)
	s.mux.HandleFunc("POST /battleback", s.handleBattleBack)
	s.mux.HandleFunc("POST /battleunstuck", s.handleBattleUnstuck)
	s.mux.HandleFunc("POST /sessions/latest", s.handleLatestSession)
	s.mux.HandleFunc("POST /vote/{battle_id}", s.handleVote)
	s.mux.HandleFunc("GET /leaderboard", s.handleLeaderboard)
	s.mux.HandleFunc("GET /battle/{id}", s.handleGetBattle)
	s.mux.HandleFunc("POST /reveal/{id}", s.handleReveal)
	s.mux.HandleFunc("GET /api/battle_statistics", s.handleBattleStatistics)
	s.mux.HandleFunc("GET /api/prompt_statistics", s.handlePromptStatistics)
	s.mux.HandleFunc("POST /character_selection", s.handleCharacterSelection)
	s.mux.HandleFunc("POST /generate_options", s.handleGenerateOptions)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	log.Printf("http: listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the routed mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("http: %s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}
