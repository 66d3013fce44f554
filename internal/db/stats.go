package db

import (
	"context"
	"fmt"
)

// BattleStatistics is the arena-wide aggregate used by the statistics API.
type BattleStatistics struct {
	TotalBattles     int            `json:"total_battles"`
	CompletedBattles int            `json:"completed_battles"`
	PendingBattles   int            `json:"pending_battles"`
	BattlesByType    map[string]int `json:"battles_by_type"`
	TotalVotes       int            `json:"total_votes"`
	VotesByChoice    map[string]int `json:"votes_by_choice"`
	DistinctVoters   int            `json:"distinct_voters"`
}

// GetBattleStatistics aggregates battle and vote counts across the arena.
func (d *DB) GetBattleStatistics(ctx context.Context) (*BattleStatistics, error) {
	stats := &BattleStatistics{
		BattlesByType: make(map[string]int),
		VotesByChoice: make(map[string]int),
	}

	rows, err := d.q(ctx).QueryContext(ctx,
		`SELECT status, battle_type, COUNT(*) FROM battles GROUP BY status, battle_type`)
	if err != nil {
		return nil, fmt.Errorf("battle statistics: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var status, btype string
		var n int
		if err := rows.Scan(&status, &btype, &n); err != nil {
			return nil, fmt.Errorf("scan battle statistics: %w", err)
		}
		stats.TotalBattles += n
		stats.BattlesByType[btype] += n
		if status == StatusCompleted {
			stats.CompletedBattles += n
		} else {
			stats.PendingBattles += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	voteRows, err := d.q(ctx).QueryContext(ctx,
		`SELECT vote_choice, COUNT(*) FROM voting_history GROUP BY vote_choice`)
	if err != nil {
		return nil, fmt.Errorf("vote statistics: %w", err)
	}
	defer voteRows.Close() //nolint:errcheck
	for voteRows.Next() {
		var choice string
		var n int
		if err := voteRows.Scan(&choice, &n); err != nil {
			return nil, fmt.Errorf("scan vote statistics: %w", err)
		}
		stats.TotalVotes += n
		stats.VotesByChoice[choice] = n
	}
	if err := voteRows.Err(); err != nil {
		return nil, err
	}

	voters, err := d.RecordedVoterCount(ctx)
	if err != nil {
		return nil, err
	}
	stats.DistinctVoters = voters
	return stats, nil
}

// PromptStatistic is per-prompt battle usage.
type PromptStatistic struct {
	PromptID    string `json:"prompt_id"`
	PromptTheme string `json:"prompt_theme"`
	Battles     int    `json:"battles"`
	Completed   int    `json:"completed"`
	Skips       int    `json:"skips"`
}

// GetPromptStatistics aggregates battle counts per prompt, most-used first.
func (d *DB) GetPromptStatistics(ctx context.Context) ([]*PromptStatistic, error) {
	rows, err := d.q(ctx).QueryContext(ctx,
		`SELECT prompt_id, prompt_theme,
		        COUNT(*),
		        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		        SUM(CASE WHEN winner = ? THEN 1 ELSE 0 END)
		 FROM battles
		 GROUP BY prompt_id, prompt_theme
		 ORDER BY COUNT(*) DESC, prompt_id`,
		StatusCompleted, WinnerSkip)
	if err != nil {
		return nil, fmt.Errorf("prompt statistics: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var stats []*PromptStatistic
	for rows.Next() {
		s := &PromptStatistic{}
		if err := rows.Scan(&s.PromptID, &s.PromptTheme, &s.Battles, &s.Completed, &s.Skips); err != nil {
			return nil, fmt.Errorf("scan prompt statistics: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
