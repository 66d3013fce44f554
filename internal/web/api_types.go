package web

import (
	"github.com/joestump/prose-arena/internal/db"
	"github.com/joestump/prose-arena/internal/extern"
	"github.com/joestump/prose-arena/internal/llm"
	"github.com/joestump/prose-arena/internal/rating"
)

// BattleRequest is the POST /battle body. A nil Input asks for the initial
// character-message retrieval instead of a battle.
type BattleRequest struct {
	SessionID  string  `json:"session_id"`
	BattleType string  `json:"battle_type"`
	DiscordID  string  `json:"discord_id,omitempty"`
	Input      *string `json:"input"`
}

// voterID resolves the caller identity, preferring the Discord id.
func (r *BattleRequest) voterID() string {
	if r.DiscordID != "" {
		return r.DiscordID
	}
	return r.SessionID
}

// BattleResponse is the created-battle payload. Model identities stay hidden.
type BattleResponse struct {
	BattleID    string `json:"battle_id"`
	Prompt      string `json:"prompt"`
	PromptTheme string `json:"prompt_theme"`
	ResponseA   string `json:"response_a"`
	ResponseB   string `json:"response_b"`
	Status      string `json:"status"`
}

// CharacterSelectionResponse is returned when POST /battle carries no input.
type CharacterSelectionResponse struct {
	BattleID          string                    `json:"battle_id"`
	Config            string                    `json:"config"`
	CharacterMessages []extern.CharacterMessage `json:"character_messages"`
	Status            string                    `json:"status"`
}

// CallerRequest identifies the caller for battleback, unstuck and latest
// session lookups.
type CallerRequest struct {
	SessionID string `json:"session_id"`
	DiscordID string `json:"discord_id,omitempty"`
}

func (r *CallerRequest) voterID() string {
	if r.DiscordID != "" {
		return r.DiscordID
	}
	return r.SessionID
}

// VoteRequest is the POST /vote/{battle_id} body.
type VoteRequest struct {
	VoteChoice string `json:"vote_choice"`
	DiscordID  string `json:"discord_id"`
}

// VoteResponse is the successful vote payload.
type VoteResponse struct {
	Status     string `json:"status"`
	Winner     string `json:"winner"`
	ModelAName string `json:"model_a_name"`
	ModelBName string `json:"model_b_name"`
}

// LeaderboardResponse is the GET /leaderboard payload.
type LeaderboardResponse struct {
	Leaderboard    []rating.Entry `json:"leaderboard"`
	NextUpdateTime string         `json:"next_update_time"`
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status                string `json:"status"`
	ModelsCount           int    `json:"models_count"`
	FixedPromptsCount     int    `json:"fixed_prompts_count"`
	RecordedUsersCount    int    `json:"recorded_users_count"`
	CompletedBattlesCount int    `json:"completed_battles_count"`
}

// RevealResponse exposes the model identities of a revealed battle.
type RevealResponse struct {
	ModelAID   string `json:"model_a_id"`
	ModelBID   string `json:"model_b_id"`
	ModelAName string `json:"model_a_name"`
	ModelBName string `json:"model_b_name"`
}

// SessionResponse is the POST /sessions/latest payload.
type SessionResponse struct {
	SessionID            string `json:"session_id"`
	VoterID              string `json:"voter_id"`
	ModelAID             string `json:"model_a_id"`
	ModelBID             string `json:"model_b_id"`
	ConfigAID            string `json:"config_a_id"`
	ConfigBID            string `json:"config_b_id"`
	UserViewContext      string `json:"user_view_context"`
	AssistantViewContext string `json:"assistant_view_context"`
	SelectedMessageIndex int    `json:"selected_message_index"`
	OptionsJSON          string `json:"options_json"`
	TurnCount            int    `json:"turn_count"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
}

func toSessionResponse(s *db.Session) SessionResponse {
	return SessionResponse{
		SessionID:            s.ID,
		VoterID:              s.VoterID,
		ModelAID:             s.ModelAID,
		ModelBID:             s.ModelBID,
		ConfigAID:            s.ConfigAID,
		ConfigBID:            s.ConfigBID,
		UserViewContext:      s.UserViewContext,
		AssistantViewContext: s.AssistantViewContext,
		SelectedMessageIndex: s.SelectedMessageIndex,
		OptionsJSON:          s.OptionsJSON,
		TurnCount:            s.TurnCount,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

// CharacterSelectRequest confirms the caller's pick from the retrieved
// character messages and creates or advances the session.
type CharacterSelectRequest struct {
	SessionID     string `json:"session_id"`
	DiscordID     string `json:"discord_id,omitempty"`
	ConfigID      string `json:"config_id"`
	SelectedIndex int    `json:"selected_index"`
}

func (r *CharacterSelectRequest) voterID() string {
	if r.DiscordID != "" {
		return r.DiscordID
	}
	return r.SessionID
}

// CharacterSelectResponse echoes the chosen opening message.
type CharacterSelectResponse struct {
	Status    string   `json:"status"`
	SessionID string   `json:"session_id"`
	Message   string   `json:"message"`
	Options   []string `json:"options"`
}

// GenerateOptionsRequest is the conversation the option LLM continues.
type GenerateOptionsRequest struct {
	Messages []llm.Message `json:"messages"`
}

// GenerateOptionsResponse carries the generated reply options.
type GenerateOptionsResponse struct {
	Options []string `json:"options"`
}
