package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Battle is one anonymous pairwise comparison. Model names are denormalized
// at creation time so a completed battle keeps the names it was fought under
// even if configuration renames the models later.
type Battle struct {
	ID          string
	Type        string
	Prompt      string
	PromptID    string
	PromptTheme string
	ModelAID    string
	ModelAName  string
	ModelBID    string
	ModelBName  string
	ResponseA   string
	ResponseB   string
	Status      string
	Winner      string
	VoterID     string
	Timestamp   string
	CreatedAt   string
	Revealed    bool
}

const battleColumns = `battle_id, battle_type, prompt, prompt_id, prompt_theme,
	model_a_id, model_a_name, model_b_id, model_b_name,
	response_a, response_b, status, winner, voter_id, timestamp, created_at, revealed`

func scanBattle(scanner interface{ Scan(...any) error }, b *Battle) error {
	var revealed int
	if err := scanner.Scan(&b.ID, &b.Type, &b.Prompt, &b.PromptID, &b.PromptTheme,
		&b.ModelAID, &b.ModelAName, &b.ModelBID, &b.ModelBName,
		&b.ResponseA, &b.ResponseB, &b.Status, &b.Winner, &b.VoterID,
		&b.Timestamp, &b.CreatedAt, &revealed); err != nil {
		return err
	}
	b.Revealed = revealed == 1
	return nil
}

// InsertBattle persists a new battle row. Timestamp and CreatedAt are filled
// with the current instant when empty.
func (d *DB) InsertBattle(ctx context.Context, b *Battle) error {
	if b.Timestamp == "" {
		b.Timestamp = Now()
	}
	if b.CreatedAt == "" {
		b.CreatedAt = b.Timestamp
	}
	_, err := d.q(ctx).ExecContext(ctx,
		`INSERT INTO battles (battle_id, battle_type, prompt, prompt_id, prompt_theme,
		 model_a_id, model_a_name, model_b_id, model_b_name,
		 response_a, response_b, status, winner, voter_id, timestamp, created_at, revealed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Type, b.Prompt, b.PromptID, b.PromptTheme,
		b.ModelAID, b.ModelAName, b.ModelBID, b.ModelBName,
		b.ResponseA, b.ResponseB, b.Status, b.Winner, b.VoterID,
		b.Timestamp, b.CreatedAt, boolToInt(b.Revealed),
	)
	if err != nil {
		return fmt.Errorf("insert battle %s: %w", b.ID, err)
	}
	return nil
}

// GetBattle returns one battle, or nil if the id is unknown.
func (d *DB) GetBattle(ctx context.Context, id string) (*Battle, error) {
	b := &Battle{}
	row := d.q(ctx).QueryRowContext(ctx,
		`SELECT `+battleColumns+` FROM battles WHERE battle_id = ?`, id)
	if err := scanBattle(row, b); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get battle %s: %w", id, err)
	}
	return b, nil
}

// battleUpdatable maps the field names UpdateBattle accepts onto columns.
// Anything outside this set is a programming error.
var battleUpdatable = map[string]string{
	"model_a_id":   "model_a_id",
	"model_a_name": "model_a_name",
	"model_b_id":   "model_b_id",
	"model_b_name": "model_b_name",
	"response_a":   "response_a",
	"response_b":   "response_b",
	"status":       "status",
	"winner":       "winner",
	"timestamp":    "timestamp",
	"revealed":     "revealed",
}

// UpdateBattle applies a partial update to a battle row. Field names follow
// the column names; unknown fields are rejected rather than ignored.
func (d *DB) UpdateBattle(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		if _, ok := battleUpdatable[name]; !ok {
			return fmt.Errorf("update battle: field %q not updatable", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names))
	args := make([]any, 0, len(names)+1)
	for _, name := range names {
		sets = append(sets, battleUpdatable[name]+" = ?")
		v := fields[name]
		if b, ok := v.(bool); ok {
			v = boolToInt(b)
		}
		args = append(args, v)
	}
	args = append(args, id)

	res, err := d.q(ctx).ExecContext(ctx,
		`UPDATE battles SET `+strings.Join(sets, ", ")+` WHERE battle_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update battle %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update battle %s: no such battle", id)
	}
	return nil
}

// DeleteBattle removes one battle row. Deleting an unknown id is a no-op.
func (d *DB) DeleteBattle(ctx context.Context, id string) error {
	if _, err := d.q(ctx).ExecContext(ctx,
		`DELETE FROM battles WHERE battle_id = ?`, id); err != nil {
		return fmt.Errorf("delete battle %s: %w", id, err)
	}
	return nil
}

// DeleteStuckBattles removes every battle of the voter still waiting on
// generation and reports how many were removed.
func (d *DB) DeleteStuckBattles(ctx context.Context, voterID string) (int, error) {
	res, err := d.q(ctx).ExecContext(ctx,
		`DELETE FROM battles WHERE voter_id = ? AND status = ?`,
		voterID, StatusPendingGeneration)
	if err != nil {
		return 0, fmt.Errorf("delete stuck battles for %s: %w", voterID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete stuck battles for %s: %w", voterID, err)
	}
	return int(n), nil
}

// ListBattlesOlderThan returns ids of battles in the given status created
// before the cutoff.
func (d *DB) ListBattlesOlderThan(ctx context.Context, status string, cutoff time.Time) ([]string, error) {
	rows, err := d.q(ctx).QueryContext(ctx,
		`SELECT battle_id FROM battles WHERE status = ? AND created_at < ?`,
		status, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale battles: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan battle id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteBattlesOlderThan removes battles in the given status created before
// the cutoff and reports how many were removed.
func (d *DB) DeleteBattlesOlderThan(ctx context.Context, status string, cutoff time.Time) (int, error) {
	res, err := d.q(ctx).ExecContext(ctx,
		`DELETE FROM battles WHERE status = ? AND created_at < ?`,
		status, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete stale battles: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete stale battles: %w", err)
	}
	return int(n), nil
}

// ListRecentBattles returns the voter's battles created at or after since,
// newest first.
func (d *DB) ListRecentBattles(ctx context.Context, voterID string, since time.Time) ([]*Battle, error) {
	rows, err := d.q(ctx).QueryContext(ctx,
		`SELECT `+battleColumns+` FROM battles
		 WHERE voter_id = ? AND created_at >= ?
		 ORDER BY created_at DESC`,
		voterID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("list recent battles for %s: %w", voterID, err)
	}
	defer rows.Close() //nolint:errcheck

	var battles []*Battle
	for rows.Next() {
		b := &Battle{}
		if err := scanBattle(rows, b); err != nil {
			return nil, fmt.Errorf("scan battle: %w", err)
		}
		battles = append(battles, b)
	}
	return battles, rows.Err()
}

// PendingBattleCount counts the voter's battles that are not yet completed.
func (d *DB) PendingBattleCount(ctx context.Context, voterID string) (int, error) {
	var n int
	err := d.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM battles WHERE voter_id = ? AND status != ?`,
		voterID, StatusCompleted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending battle count for %s: %w", voterID, err)
	}
	return n, nil
}

// LatestBattle returns the voter's most recently created battle, or nil when
// the voter has none.
func (d *DB) LatestBattle(ctx context.Context, voterID string) (*Battle, error) {
	b := &Battle{}
	row := d.q(ctx).QueryRowContext(ctx,
		`SELECT `+battleColumns+` FROM battles
		 WHERE voter_id = ? ORDER BY created_at DESC, battle_id DESC LIMIT 1`,
		voterID)
	if err := scanBattle(row, b); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("latest battle for %s: %w", voterID, err)
	}
	return b, nil
}
