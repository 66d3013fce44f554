package db

import (
	"context"
	"fmt"
	"time"
)

// Vote is one recorded verdict. VoterHash is the salted hash stored for
// anti-cheat windows; the raw voter id is kept alongside for operator
// debugging of abuse reports.
type Vote struct {
	ID        int64
	Timestamp string
	BattleID  string
	Choice    string
	VoterID   string
	VoterHash string
}

// InsertVote records a verdict in the voting history.
func (d *DB) InsertVote(ctx context.Context, v *Vote) error {
	if v.Timestamp == "" {
		v.Timestamp = Now()
	}
	res, err := d.q(ctx).ExecContext(ctx,
		`INSERT INTO voting_history (timestamp, battle_id, vote_choice, voter_id, voter_hash)
		 VALUES (?, ?, ?, ?, ?)`,
		v.Timestamp, v.BattleID, v.Choice, v.VoterID, v.VoterHash)
	if err != nil {
		return fmt.Errorf("insert vote for battle %s: %w", v.BattleID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		v.ID = id
	}
	return nil
}

// ListRecentVotes returns votes cast at or after since, newest first.
func (d *DB) ListRecentVotes(ctx context.Context, since time.Time) ([]*Vote, error) {
	rows, err := d.q(ctx).QueryContext(ctx,
		`SELECT id, timestamp, battle_id, vote_choice, voter_id, voter_hash
		 FROM voting_history WHERE timestamp >= ? ORDER BY timestamp DESC`,
		formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("list recent votes: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var votes []*Vote
	for rows.Next() {
		v := &Vote{}
		if err := rows.Scan(&v.ID, &v.Timestamp, &v.BattleID, &v.Choice, &v.VoterID, &v.VoterHash); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// CountRecentVotesByHash counts votes cast by a voter hash at or after since.
func (d *DB) CountRecentVotesByHash(ctx context.Context, voterHash string, since time.Time) (int, error) {
	var n int
	err := d.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM voting_history WHERE voter_hash = ? AND timestamp >= ?`,
		voterHash, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent votes: %w", err)
	}
	return n, nil
}

// HasRecentVoteForBattle reports whether the voter hash already voted on the
// battle at or after since.
func (d *DB) HasRecentVoteForBattle(ctx context.Context, voterHash, battleID string, since time.Time) (bool, error) {
	var n int
	err := d.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM voting_history
		 WHERE voter_hash = ? AND battle_id = ? AND timestamp >= ?`,
		voterHash, battleID, formatTime(since)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check duplicate vote: %w", err)
	}
	return n > 0, nil
}

// PendingMatch is one decided outcome queued for the next period update.
// Outcome is from model A's perspective: 1 win, 0 loss, 0.5 draw.
type PendingMatch struct {
	ID        int64
	ModelAID  string
	ModelBID  string
	Outcome   float64
	CreatedAt string
}

// AppendPendingMatch queues an outcome for the next batch rating update.
func (d *DB) AppendPendingMatch(ctx context.Context, modelA, modelB string, outcome float64) error {
	_, err := d.q(ctx).ExecContext(ctx,
		`INSERT INTO pending_matches (model_a_id, model_b_id, outcome, created_at)
		 VALUES (?, ?, ?, ?)`,
		modelA, modelB, outcome, Now())
	if err != nil {
		return fmt.Errorf("append pending match: %w", err)
	}
	return nil
}

// DrainPendingMatches reads and deletes every queued match. Callers run it
// inside WithTx so the read and the delete land atomically; a vote committed
// after the drain waits on the write lock and lands in the next period.
func (d *DB) DrainPendingMatches(ctx context.Context) ([]*PendingMatch, error) {
	rows, err := d.q(ctx).QueryContext(ctx,
		`SELECT id, model_a_id, model_b_id, outcome, created_at
		 FROM pending_matches ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("drain pending matches: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var matches []*PendingMatch
	for rows.Next() {
		m := &PendingMatch{}
		if err := rows.Scan(&m.ID, &m.ModelAID, &m.ModelBID, &m.Outcome, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := d.q(ctx).ExecContext(ctx, `DELETE FROM pending_matches`); err != nil {
		return nil, fmt.Errorf("clear pending matches: %w", err)
	}
	return matches, nil
}

// --- Health counts ---

// ModelCount counts model rows.
func (d *DB) ModelCount(ctx context.Context) (int, error) {
	return d.countOne(ctx, `SELECT COUNT(*) FROM models`)
}

// RecordedVoterCount counts distinct voter hashes in the voting history.
func (d *DB) RecordedVoterCount(ctx context.Context) (int, error) {
	return d.countOne(ctx, `SELECT COUNT(DISTINCT voter_hash) FROM voting_history`)
}

// CompletedBattleCount counts completed battles.
func (d *DB) CompletedBattleCount(ctx context.Context) (int, error) {
	var n int
	err := d.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM battles WHERE status = ?`, StatusCompleted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("completed battle count: %w", err)
	}
	return n, nil
}

func (d *DB) countOne(ctx context.Context, query string) (int, error) {
	var n int
	if err := d.q(ctx).QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}
