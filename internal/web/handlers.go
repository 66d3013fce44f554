package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/joestump/prose-arena/internal/battle"
	"github.com/joestump/prose-arena/internal/db"
	"github.com/joestump/prose-arena/internal/rating"
	"github.com/joestump/prose-arena/internal/vote"
)

const maxBodyBytes = 1 << 20

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeDomainError maps controller errors onto the uniform status scheme:
// validation 400, not-found 404, rate-limit 429 with retry-at, conflict 400
// with reason, everything else 500.
func writeDomainError(w http.ResponseWriter, err error) {
	var rl *battle.RateLimitError
	var conflict *vote.ConflictError
	var gen *battle.GenerationError
	switch {
	case errors.As(err, &rl):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"message":      rl.Reason,
			"available_at": rl.RetryAt.UTC().Format(time.RFC3339),
		})
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &conflict):
		writeError(w, http.StatusBadRequest, conflict.Reason)
	case errors.Is(err, vote.ErrInvalidChoice):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, battle.ErrCancelled):
		writeError(w, http.StatusBadRequest, "battle was cancelled during generation")
	case errors.As(err, &gen):
		writeError(w, http.StatusInternalServerError, gen.Message)
	default:
		log.Printf("http: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	prompts, err := s.cfg.FixedPrompts()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	models, err := s.store.ModelCount(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	voters, err := s.store.RecordedVoterCount(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	completed, err := s.store.CompletedBattleCount(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:                "ok",
		ModelsCount:           models,
		FixedPromptsCount:     len(prompts),
		RecordedUsersCount:    voters,
		CompletedBattlesCount: completed,
	})
}

func (s *Server) handleCreateBattle(w http.ResponseWriter, r *http.Request) {
	var req BattleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.voterID() == "" {
		writeError(w, http.StatusBadRequest, "session_id or discord_id is required")
		return
	}

	// No input yet: the caller is choosing an opening message first.
	if req.Input == nil {
		messages, err := s.prompts.BuildSessionMessages(r.Context(), req.SessionID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, CharacterSelectionResponse{
			BattleID:          uuid.NewString(),
			Config:            req.SessionID,
			CharacterMessages: messages,
			Status:            "pending_character_selection",
		})
		return
	}

	if req.BattleType != db.BattleTypeHigh && req.BattleType != db.BattleTypeLow {
		writeError(w, http.StatusBadRequest, "battle_type must be high_tier or low_tier")
		return
	}

	b, err := s.battles.Create(r.Context(), req.voterID(), req.BattleType)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, BattleResponse{
		BattleID:    b.ID,
		Prompt:      b.Prompt,
		PromptTheme: b.PromptTheme,
		ResponseA:   b.ResponseA,
		ResponseB:   b.ResponseB,
		Status:      b.Status,
	})
}

func (s *Server) handleBattleBack(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.voterID() == "" {
		writeError(w, http.StatusBadRequest, "session_id or discord_id is required")
		return
	}

	b, err := s.store.LatestBattle(r.Context(), req.voterID())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "no battles for caller")
		return
	}

	switch b.Status {
	case db.StatusPendingVote:
		writeJSON(w, http.StatusOK, BattleResponse{
			BattleID:    b.ID,
			Prompt:      b.Prompt,
			PromptTheme: b.PromptTheme,
			ResponseA:   b.ResponseA,
			ResponseB:   b.ResponseB,
			Status:      b.Status,
		})
	case db.StatusPendingGeneration:
		writeJSON(w, http.StatusOK, map[string]string{
			"battle_id": b.ID,
			"status":    b.Status,
			"message":   "battle is still generating",
		})
	default:
		writeJSON(w, http.StatusOK, battleDetail(b))
	}
}

func (s *Server) handleBattleUnstuck(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.voterID() == "" {
		writeError(w, http.StatusBadRequest, "session_id or discord_id is required")
		return
	}

	n, err := s.battles.Unstuck(r.Context(), req.voterID())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": unstuckMessage(n),
	})
}

func (s *Server) handleLatestSession(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.voterID() == "" {
		writeError(w, http.StatusBadRequest, "session_id or discord_id is required")
		return
	}

	sess, err := s.store.LatestSession(r.Context(), req.voterID())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "no sessions for caller")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	battleID := r.PathValue("battle_id")
	var req VoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DiscordID == "" {
		writeError(w, http.StatusBadRequest, "discord_id is required")
		return
	}

	result, err := s.votes.Cast(r.Context(), battleID, req.VoteChoice, req.DiscordID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VoteResponse{
		Status:     "success",
		Winner:     result.Winner,
		ModelAName: result.ModelAName,
		ModelBName: result.ModelBName,
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ratings.Leaderboard(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	next := rating.NextUpdateTime(time.Now()).UTC().Format(time.RFC3339)

	if r.URL.Query().Get("format") == "html" {
		s.renderLeaderboardHTML(w, entries, next)
		return
	}
	writeJSON(w, http.StatusOK, LeaderboardResponse{Leaderboard: entries, NextUpdateTime: next})
}

func (s *Server) handleGetBattle(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBattle(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "battle not found")
		return
	}

	if r.URL.Query().Get("format") == "html" {
		s.renderBattleHTML(w, b)
		return
	}
	writeJSON(w, http.StatusOK, battleDetail(b))
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	b, err := s.battles.Reveal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RevealResponse{
		ModelAID:   b.ModelAID,
		ModelBID:   b.ModelBID,
		ModelAName: b.ModelAName,
		ModelBName: b.ModelBName,
	})
}

func (s *Server) handleBattleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetBattleStatistics(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePromptStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetPromptStatistics(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": stats})
}

func (s *Server) handleCharacterSelection(w http.ResponseWriter, r *http.Request) {
	var req CharacterSelectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.SelectedIndex < 0 {
		writeError(w, http.StatusBadRequest, "selected_index must be non-negative")
		return
	}

	messages, err := s.prompts.BuildSessionMessages(r.Context(), req.ConfigID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.SelectedIndex >= len(messages) {
		writeError(w, http.StatusBadRequest, "selected_index out of range")
		return
	}
	chosen := messages[req.SelectedIndex]

	ctx := r.Context()
	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess == nil {
		err = s.store.InsertSession(ctx, &db.Session{
			ID:                   req.SessionID,
			VoterID:              req.voterID(),
			ConfigAID:            req.ConfigID,
			ConfigBID:            req.ConfigID,
			SelectedMessageIndex: req.SelectedIndex,
		})
	} else {
		err = s.store.UpdateSession(ctx, req.SessionID, map[string]any{
			"selected_message_index": req.SelectedIndex,
		})
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CharacterSelectResponse{
		Status:    "success",
		SessionID: req.SessionID,
		Message:   chosen.Text,
		Options:   chosen.Options,
	})
}

func (s *Server) handleGenerateOptions(w http.ResponseWriter, r *http.Request) {
	var req GenerateOptionsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must be non-empty")
		return
	}

	options, err := s.options.GenerateOptions(r.Context(), req.Messages)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateOptionsResponse{Options: options})
}

// --- Projections ---

// battleDetail projects a battle row for the read endpoints. Model identities
// are present only after a reveal; a tied winner surfaces capitalized.
func battleDetail(b *db.Battle) map[string]any {
	detail := map[string]any{
		"battle_id":    b.ID,
		"battle_type":  b.Type,
		"prompt":       b.Prompt,
		"prompt_id":    b.PromptID,
		"prompt_theme": b.PromptTheme,
		"response_a":   b.ResponseA,
		"response_b":   b.ResponseB,
		"status":       b.Status,
		"winner":       displayWinner(b.Winner),
		"timestamp":    b.Timestamp,
		"created_at":   b.CreatedAt,
		"revealed":     b.Revealed,
	}
	if b.Revealed {
		detail["model_a"] = map[string]string{"id": b.ModelAID, "name": b.ModelAName}
		detail["model_b"] = map[string]string{"id": b.ModelBID, "name": b.ModelBName}
	}
	return detail
}

func displayWinner(winner string) string {
	if winner == db.WinnerTie {
		return "Tie"
	}
	return winner
}

func unstuckMessage(n int) string {
	switch n {
	case 0:
		return "no stuck battles found"
	case 1:
		return "removed 1 stuck battle"
	default:
		return fmt.Sprintf("removed %d stuck battles", n)
	}
}
