package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Rejection reasons surfaced to players. Anything else coming out of
// the store is a transient persistence failure and retryable.
var (
	ErrInvalidAmount       = errors.New("bet amount must be positive")
	ErrUnknownUser         = errors.New("unknown user")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateBet        = errors.New("bet already placed for this round")
	ErrNoActiveBet         = errors.New("no active bet to cash out")
)

const pgUniqueViolation = "23505"

// Statement kinds written to the audit trail.
const (
	StatementBet     = "bet"
	StatementCashout = "cashout"
	StatementLoss    = "loss"
)

// Loss describes one un-cashed-out bet settled at crash time.
type Loss struct {
	UserID string
	Amount float64
}

// Store is the bet ledger: exactly-once bet placement and cashout per
// (user, round), with balance moves and their statement rows applied
// in one transaction so a failure can never leave a debit without a
// durable bet record or vice versa.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// PlaceBet debits the user and records the bet atomically. The debit
// is conditional on sufficient balance; the bets table's unique
// (user_id, round_id) constraint is the double-bet guard, so two
// concurrent placements for the same user and round cannot both
// commit. Returns the balance after the debit.
func (s *Store) PlaceBet(ctx context.Context, userID, roundID string, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance float64
	err = tx.QueryRow(ctx,
		`UPDATE users SET balance = balance - $2
		 WHERE id = $1 AND balance >= $2
		 RETURNING balance`,
		userID, amount,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if e := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID,
		).Scan(&exists); e != nil {
			return 0, fmt.Errorf("check user: %w", e)
		}
		if !exists {
			return 0, ErrUnknownUser
		}
		return 0, ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("debit: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO bets (id, user_id, round_id, amount)
		 VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), userID, roundID, amount,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, ErrDuplicateBet
		}
		return 0, fmt.Errorf("insert bet: %w", err)
	}

	if _, err = tx.Exec(ctx,
		`INSERT INTO statements (user_id, round_id, kind, amount)
		 VALUES ($1, $2, $3, $4)`,
		userID, roundID, StatementBet, -amount,
	); err != nil {
		return 0, fmt.Errorf("insert statement: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return balance, nil
}

// Cashout converts an uncashed bet into a win at multiplier. The
// not-already-cashed-out predicate rides on a row lock, so duplicate
// cashout messages for the same bet collapse to one winner. Payout
// arithmetic runs in decimals and is rounded to 2 places before it
// touches the balance. Returns (payout, balance after credit).
func (s *Store) Cashout(ctx context.Context, userID, roundID string, multiplier float64) (float64, float64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var amount float64
	err = tx.QueryRow(ctx,
		`SELECT amount FROM bets
		 WHERE user_id = $1 AND round_id = $2 AND cashed_out = false
		 FOR UPDATE`,
		userID, roundID,
	).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrNoActiveBet
	}
	if err != nil {
		return 0, 0, fmt.Errorf("lock bet: %w", err)
	}

	payout, _ := decimal.NewFromFloat(amount).
		Mul(decimal.NewFromFloat(multiplier)).
		Round(2).
		Float64()

	tag, err := tx.Exec(ctx,
		`UPDATE bets
		 SET cashed_out = true, cashed_out_at = now(),
		     multiplier = $3, payout = $4
		 WHERE user_id = $1 AND round_id = $2 AND cashed_out = false`,
		userID, roundID, multiplier, payout,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("update bet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, 0, ErrNoActiveBet
	}

	var balance float64
	if err = tx.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1 RETURNING balance`,
		userID, payout,
	).Scan(&balance); err != nil {
		return 0, 0, fmt.Errorf("credit: %w", err)
	}

	if _, err = tx.Exec(ctx,
		`INSERT INTO statements (user_id, round_id, kind, amount)
		 VALUES ($1, $2, $3, $4)`,
		userID, roundID, StatementCashout, payout,
	); err != nil {
		return 0, 0, fmt.Errorf("insert statement: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return payout, balance, nil
}

// SettleLosses writes loss statement rows for every uncashed bet of
// the round. No balance changes: the debit already happened at
// placement. Runs server-side at crash time so settlement never
// depends on client cooperation.
func (s *Store) SettleLosses(ctx context.Context, roundID string, crashPoint float64) ([]Loss, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT user_id, amount FROM bets
		 WHERE round_id = $1 AND cashed_out = false`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("select losses: %w", err)
	}
	losses, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Loss, error) {
		var l Loss
		err := row.Scan(&l.UserID, &l.Amount)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan losses: %w", err)
	}

	if len(losses) > 0 {
		if _, err = tx.Exec(ctx,
			`INSERT INTO statements (user_id, round_id, kind, amount)
			 SELECT user_id, round_id, $2, -amount FROM bets
			 WHERE round_id = $1 AND cashed_out = false`,
			roundID, StatementLoss,
		); err != nil {
			return nil, fmt.Errorf("insert loss statements: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if len(losses) > 0 {
		log.Printf("[LEDGER] Settled %d losses for round %s at %.2fx", len(losses), roundID, crashPoint)
	}
	return losses, nil
}

// Balance returns the user's current balance.
func (s *Store) Balance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM users WHERE id = $1`, userID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUnknownUser
	}
	return balance, err
}

// SetBalance upserts a user with the given balance. Admin/test faucet.
func (s *Store) SetBalance(ctx context.Context, userID string, balance float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, balance) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance`,
		userID, balance,
	)
	return err
}

// Bet is the durable record of one user's bet in one round.
type Bet struct {
	ID          string     `json:"bet_id"`
	UserID      string     `json:"user_id"`
	RoundID     string     `json:"round_id"`
	Amount      float64    `json:"amount"`
	CashedOut   bool       `json:"cashed_out"`
	CashedOutAt *time.Time `json:"cashed_out_at,omitempty"`
	Multiplier  *float64   `json:"multiplier,omitempty"`
	Payout      *float64   `json:"payout,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// GetBet fetches the bet for (userID, roundID), if any.
func (s *Store) GetBet(ctx context.Context, userID, roundID string) (*Bet, error) {
	var b Bet
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, round_id, amount, cashed_out, cashed_out_at,
		        multiplier, payout, created_at
		 FROM bets WHERE user_id = $1 AND round_id = $2`,
		userID, roundID,
	).Scan(&b.ID, &b.UserID, &b.RoundID, &b.Amount, &b.CashedOut,
		&b.CashedOutAt, &b.Multiplier, &b.Payout, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveBet
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}
