package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrRoundNotFound is returned for lookups of unknown round IDs.
var ErrRoundNotFound = errors.New("round not found")

// RoundRecord is the durable form of one round. The seed material is
// stored from creation but only served out once Revealed is set.
type RoundRecord struct {
	ID           string     `json:"round_id"`
	Number       int64      `json:"round_number"`
	ServerSeed   string     `json:"server_seed,omitempty"`
	ClientSeed   string     `json:"client_seed"`
	Nonce        int64      `json:"nonce"`
	CrashPoint   float64    `json:"crash_point"`
	FairnessHash string     `json:"fairness_hash"`
	Mode         string     `json:"volatility_mode"`
	Revealed     bool       `json:"revealed"`
	CreatedAt    time.Time  `json:"created_at"`
	CrashedAt    *time.Time `json:"crashed_at,omitempty"`
}

// InsertRound persists a freshly created round. The row is immutable
// afterwards except for the reveal at crash time.
func (s *Store) InsertRound(ctx context.Context, r RoundRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rounds
		   (id, number, server_seed, client_seed, nonce, crash_point, fairness_hash, mode, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.Number, r.ServerSeed, r.ClientSeed, r.Nonce,
		r.CrashPoint, r.FairnessHash, r.Mode, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

// RevealRound marks the round crashed, unlocking its server seed for
// the verification endpoint.
func (s *Store) RevealRound(ctx context.Context, roundID string, crashedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rounds SET revealed = true, crashed_at = $2 WHERE id = $1`,
		roundID, crashedAt,
	)
	if err != nil {
		return fmt.Errorf("reveal round: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoundNotFound
	}
	return nil
}

// RecentRounds returns the newest limit rounds for the history view.
// Server seeds of unrevealed rounds are withheld.
func (s *Store) RecentRounds(ctx context.Context, limit int) ([]RoundRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, number, server_seed, client_seed, nonce, crash_point,
		        fairness_hash, mode, revealed, created_at, crashed_at
		 FROM rounds ORDER BY number DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select rounds: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanRound)
	if err != nil {
		return nil, fmt.Errorf("scan rounds: %w", err)
	}
	for i := range records {
		if !records[i].Revealed {
			records[i].ServerSeed = ""
			records[i].CrashPoint = 0
		}
	}
	return records, nil
}

// GetRound fetches one round. Seed material and crash point are only
// populated once the round is revealed.
func (s *Store) GetRound(ctx context.Context, roundID string) (*RoundRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, number, server_seed, client_seed, nonce, crash_point,
		        fairness_hash, mode, revealed, created_at, crashed_at
		 FROM rounds WHERE id = $1`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("select round: %w", err)
	}
	r, err := pgx.CollectOneRow(rows, scanRound)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan round: %w", err)
	}
	if !r.Revealed {
		r.ServerSeed = ""
		r.CrashPoint = 0
	}
	return &r, nil
}

// PruneRounds deletes everything older than the newest keep rounds,
// bets and statements included, bounding the audit history.
func (s *Store) PruneRounds(ctx context.Context, keep int) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM rounds
		 WHERE number <= (SELECT COALESCE(MAX(number), 0) FROM rounds) - $1`,
		keep,
	)
	if err != nil {
		return fmt.Errorf("prune rounds: %w", err)
	}
	return nil
}

func scanRound(row pgx.CollectableRow) (RoundRecord, error) {
	var r RoundRecord
	err := row.Scan(&r.ID, &r.Number, &r.ServerSeed, &r.ClientSeed, &r.Nonce,
		&r.CrashPoint, &r.FairnessHash, &r.Mode, &r.Revealed, &r.CreatedAt, &r.CrashedAt)
	return r, err
}
