package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Session is one multi-turn roleplay session. The two view contexts hold the
// conversation as serialized JSON: the user view shows only the selected
// continuation per turn, the assistant view keeps both candidates.
type Session struct {
	ID                   string
	VoterID              string
	ModelAID             string
	ModelBID             string
	ConfigAID            string
	ConfigBID            string
	UserViewContext      string
	AssistantViewContext string
	SelectedMessageIndex int
	OptionsJSON          string
	TurnCount            int
	CreatedAt            string
	UpdatedAt            string
}

const sessionColumns = `session_id, voter_id, model_a_id, model_b_id, config_a_id, config_b_id,
	user_view_context, assistant_view_context, selected_message_index, options_json,
	turn_count, created_at, updated_at`

func scanSession(scanner interface{ Scan(...any) error }, s *Session) error {
	return scanner.Scan(&s.ID, &s.VoterID, &s.ModelAID, &s.ModelBID,
		&s.ConfigAID, &s.ConfigBID, &s.UserViewContext, &s.AssistantViewContext,
		&s.SelectedMessageIndex, &s.OptionsJSON, &s.TurnCount,
		&s.CreatedAt, &s.UpdatedAt)
}

// InsertSession persists a new session row.
func (d *DB) InsertSession(ctx context.Context, s *Session) error {
	if s.CreatedAt == "" {
		s.CreatedAt = Now()
	}
	if s.UpdatedAt == "" {
		s.UpdatedAt = s.CreatedAt
	}
	_, err := d.q(ctx).ExecContext(ctx,
		`INSERT INTO sessions (session_id, voter_id, model_a_id, model_b_id,
		 config_a_id, config_b_id, user_view_context, assistant_view_context,
		 selected_message_index, options_json, turn_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.VoterID, s.ModelAID, s.ModelBID, s.ConfigAID, s.ConfigBID,
		s.UserViewContext, s.AssistantViewContext, s.SelectedMessageIndex,
		s.OptionsJSON, s.TurnCount, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	return nil
}

// GetSession returns one session, or nil if the id is unknown.
func (d *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	s := &Session{}
	row := d.q(ctx).QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	if err := scanSession(row, s); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// LatestSession returns the voter's most recently updated session, or nil.
func (d *DB) LatestSession(ctx context.Context, voterID string) (*Session, error) {
	s := &Session{}
	row := d.q(ctx).QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE voter_id = ? ORDER BY updated_at DESC, session_id DESC LIMIT 1`,
		voterID)
	if err := scanSession(row, s); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("latest session for %s: %w", voterID, err)
	}
	return s, nil
}

var sessionUpdatable = map[string]string{
	"user_view_context":      "user_view_context",
	"assistant_view_context": "assistant_view_context",
	"selected_message_index": "selected_message_index",
	"options_json":           "options_json",
	"turn_count":             "turn_count",
}

// UpdateSession applies a partial update to a session row and bumps
// updated_at. Unknown fields are rejected.
func (d *DB) UpdateSession(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		if _, ok := sessionUpdatable[name]; !ok {
			return fmt.Errorf("update session: field %q not updatable", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+2)
	for _, name := range names {
		sets = append(sets, sessionUpdatable[name]+" = ?")
		args = append(args, fields[name])
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, Now(), id)

	res, err := d.q(ctx).ExecContext(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE session_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update session %s: no such session", id)
	}
	return nil
}
