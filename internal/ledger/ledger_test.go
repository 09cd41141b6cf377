package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	// Skip integration tests if SKIP_INTEGRATION env var is set
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}

	// Skip if Docker is not available
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(
		ctx,
		"postgres:latest",
		postgres.WithDatabase("crashdb"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		postgres.WithInitScripts(filepath.Join("..", "..", "migrations", "000001_init.up.sql")),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		// Don't fail, just skip tests if container can't start
		os.Exit(0)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(context.Background())
		os.Exit(0)
	}

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(context.Background())
		os.Exit(0)
	}

	code := m.Run()

	testPool.Close()
	container.Terminate(context.Background())
	os.Exit(code)
}

func isDockerAvailable() (available bool) {
	// testcontainers panics instead of returning an error when no Docker
	// socket can be found; treat that as "not available".
	defer func() {
		if recover() != nil {
			available = false
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

// newRound inserts a round the bets under test can reference.
func newRound(t *testing.T, s *Store, number int64) string {
	t.Helper()
	id := uuid.NewString()
	err := s.InsertRound(context.Background(), RoundRecord{
		ID:           id,
		Number:       number,
		ServerSeed:   "server_seed",
		ClientSeed:   "client_seed",
		Nonce:        number,
		CrashPoint:   1.45,
		FairnessHash: "hash",
		Mode:         "normal",
		CreatedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("insert round: %v", err)
	}
	return id
}

func newUser(t *testing.T, s *Store, balance float64) string {
	t.Helper()
	id := "user-" + uuid.NewString()
	if err := s.SetBalance(context.Background(), id, balance); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	return id
}

var roundSeq int64 = 1000

func nextRoundNumber() int64 {
	roundSeq++
	return roundSeq
}

func TestPlaceBet(t *testing.T) {
	ctx := context.Background()
	s := NewStore(testPool)

	t.Run("debits balance and records the bet", func(t *testing.T) {
		user := newUser(t, s, 1000)
		round := newRound(t, s, nextRoundNumber())

		balance, err := s.PlaceBet(ctx, user, round, 300)
		if err != nil {
			t.Fatalf("PlaceBet: %v", err)
		}
		if balance != 700 {
			t.Errorf("balance = %v, want 700", balance)
		}

		bet, err := s.GetBet(ctx, user, round)
		if err != nil {
			t.Fatalf("GetBet: %v", err)
		}
		if bet.Amount != 300 {
			t.Errorf("bet amount = %v, want 300", bet.Amount)
		}
		if bet.CashedOut {
			t.Error("fresh bet marked cashed out")
		}
	})

	t.Run("duplicate bet rejected without balance change", func(t *testing.T) {
		user := newUser(t, s, 1000)
		round := newRound(t, s, nextRoundNumber())

		if _, err := s.PlaceBet(ctx, user, round, 300); err != nil {
			t.Fatalf("first PlaceBet: %v", err)
		}
		_, err := s.PlaceBet(ctx, user, round, 100)
		if !errors.Is(err, ErrDuplicateBet) {
			t.Fatalf("second PlaceBet error = %v, want ErrDuplicateBet", err)
		}

		balance, err := s.Balance(ctx, user)
		if err != nil {
			t.Fatalf("Balance: %v", err)
		}
		if balance != 700 {
			t.Errorf("balance after rejected bet = %v, want 700", balance)
		}
	})

	t.Run("insufficient balance rejected with no debit", func(t *testing.T) {
		user := newUser(t, s, 50)
		round := newRound(t, s, nextRoundNumber())

		_, err := s.PlaceBet(ctx, user, round, 100)
		if !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("error = %v, want ErrInsufficientBalance", err)
		}

		balance, _ := s.Balance(ctx, user)
		if balance != 50 {
			t.Errorf("balance = %v, want 50", balance)
		}
	})

	t.Run("unknown user rejected", func(t *testing.T) {
		round := newRound(t, s, nextRoundNumber())
		_, err := s.PlaceBet(ctx, "nobody", round, 100)
		if !errors.Is(err, ErrUnknownUser) {
			t.Fatalf("error = %v, want ErrUnknownUser", err)
		}
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		user := newUser(t, s, 100)
		round := newRound(t, s, nextRoundNumber())

		if _, err := s.PlaceBet(ctx, user, round, 0); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("zero amount error = %v, want ErrInvalidAmount", err)
		}
		if _, err := s.PlaceBet(ctx, user, round, -10); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("negative amount error = %v, want ErrInvalidAmount", err)
		}
	})

	t.Run("concurrent placements settle to exactly one bet", func(t *testing.T) {
		user := newUser(t, s, 1000)
		round := newRound(t, s, nextRoundNumber())

		const attempts = 8
		var wg sync.WaitGroup
		results := make(chan error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.PlaceBet(ctx, user, round, 100)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		successes := 0
		for err := range results {
			if err == nil {
				successes++
			} else if !errors.Is(err, ErrDuplicateBet) {
				t.Errorf("unexpected error: %v", err)
			}
		}
		if successes != 1 {
			t.Errorf("successful placements = %d, want 1", successes)
		}

		balance, _ := s.Balance(ctx, user)
		if balance != 900 {
			t.Errorf("balance = %v, want 900 (exactly one debit)", balance)
		}
	})
}

func TestCashout(t *testing.T) {
	ctx := context.Background()
	s := NewStore(testPool)

	t.Run("pays bet times multiplier and credits balance", func(t *testing.T) {
		user := newUser(t, s, 1000)
		round := newRound(t, s, nextRoundNumber())

		if _, err := s.PlaceBet(ctx, user, round, 300); err != nil {
			t.Fatalf("PlaceBet: %v", err)
		}

		payout, balance, err := s.Cashout(ctx, user, round, 2.5)
		if err != nil {
			t.Fatalf("Cashout: %v", err)
		}
		if payout != 750 {
			t.Errorf("payout = %v, want 750", payout)
		}
		if balance != 1450 {
			t.Errorf("balance = %v, want 1450", balance)
		}

		bet, err := s.GetBet(ctx, user, round)
		if err != nil {
			t.Fatalf("GetBet: %v", err)
		}
		if !bet.CashedOut {
			t.Error("bet not marked cashed out")
		}
		if bet.Payout == nil || *bet.Payout != 750 {
			t.Errorf("stored payout = %v, want 750", bet.Payout)
		}
		if bet.Multiplier == nil || *bet.Multiplier != 2.5 {
			t.Errorf("stored multiplier = %v, want 2.5", bet.Multiplier)
		}
	})

	t.Run("second cashout rejected without balance change", func(t *testing.T) {
		user := newUser(t, s, 1000)
		round := newRound(t, s, nextRoundNumber())

		if _, err := s.PlaceBet(ctx, user, round, 200); err != nil {
			t.Fatalf("PlaceBet: %v", err)
		}
		if _, _, err := s.Cashout(ctx, user, round, 3.0); err != nil {
			t.Fatalf("first Cashout: %v", err)
		}

		_, _, err := s.Cashout(ctx, user, round, 5.0)
		if !errors.Is(err, ErrNoActiveBet) {
			t.Fatalf("second Cashout error = %v, want ErrNoActiveBet", err)
		}

		balance, _ := s.Balance(ctx, user)
		if balance != 1400 { // 1000 - 200 + 200*3.0
			t.Errorf("balance = %v, want 1400", balance)
		}
	})

	t.Run("cashout without a bet rejected", func(t *testing.T) {
		user := newUser(t, s, 100)
		round := newRound(t, s, nextRoundNumber())

		_, _, err := s.Cashout(ctx, user, round, 2.0)
		if !errors.Is(err, ErrNoActiveBet) {
			t.Fatalf("error = %v, want ErrNoActiveBet", err)
		}
	})

	t.Run("rounds fractional payouts to 2 decimals", func(t *testing.T) {
		user := newUser(t, s, 1000)
		round := newRound(t, s, nextRoundNumber())

		if _, err := s.PlaceBet(ctx, user, round, 333); err != nil {
			t.Fatalf("PlaceBet: %v", err)
		}
		payout, _, err := s.Cashout(ctx, user, round, 1.07)
		if err != nil {
			t.Fatalf("Cashout: %v", err)
		}
		if payout != 356.31 {
			t.Errorf("payout = %v, want 356.31", payout)
		}
	})
}

func TestSettleLosses(t *testing.T) {
	ctx := context.Background()
	s := NewStore(testPool)

	winner := newUser(t, s, 1000)
	loser := newUser(t, s, 1000)
	round := newRound(t, s, nextRoundNumber())

	if _, err := s.PlaceBet(ctx, winner, round, 100); err != nil {
		t.Fatalf("PlaceBet winner: %v", err)
	}
	if _, err := s.PlaceBet(ctx, loser, round, 300); err != nil {
		t.Fatalf("PlaceBet loser: %v", err)
	}
	if _, _, err := s.Cashout(ctx, winner, round, 1.8); err != nil {
		t.Fatalf("Cashout: %v", err)
	}

	losses, err := s.SettleLosses(ctx, round, 1.45)
	if err != nil {
		t.Fatalf("SettleLosses: %v", err)
	}

	if len(losses) != 1 {
		t.Fatalf("losses = %d, want 1", len(losses))
	}
	if losses[0].UserID != loser || losses[0].Amount != 300 {
		t.Errorf("loss = %+v, want {%s 300}", losses[0], loser)
	}

	// The debit happened at placement; settlement must not touch it.
	balance, _ := s.Balance(ctx, loser)
	if balance != 700 {
		t.Errorf("loser balance = %v, want 700", balance)
	}

	var kind string
	var amount float64
	err = testPool.QueryRow(ctx,
		`SELECT kind, amount FROM statements
		 WHERE user_id = $1 AND round_id = $2 AND kind = 'loss'`,
		loser, round,
	).Scan(&kind, &amount)
	if err != nil {
		t.Fatalf("loss statement missing: %v", err)
	}
	if amount != -300 {
		t.Errorf("loss statement amount = %v, want -300", amount)
	}
}

func TestRoundStore(t *testing.T) {
	ctx := context.Background()
	s := NewStore(testPool)

	t.Run("seed material hidden until reveal", func(t *testing.T) {
		round := newRound(t, s, nextRoundNumber())

		record, err := s.GetRound(ctx, round)
		if err != nil {
			t.Fatalf("GetRound: %v", err)
		}
		if record.Revealed {
			t.Error("fresh round marked revealed")
		}
		if record.ServerSeed != "" {
			t.Error("server seed served before reveal")
		}
		if record.CrashPoint != 0 {
			t.Error("crash point served before reveal")
		}

		if err := s.RevealRound(ctx, round, time.Now()); err != nil {
			t.Fatalf("RevealRound: %v", err)
		}

		record, err = s.GetRound(ctx, round)
		if err != nil {
			t.Fatalf("GetRound after reveal: %v", err)
		}
		if !record.Revealed {
			t.Error("round not marked revealed")
		}
		if record.ServerSeed != "server_seed" {
			t.Errorf("server seed = %q, want %q", record.ServerSeed, "server_seed")
		}
		if record.CrashPoint != 1.45 {
			t.Errorf("crash point = %v, want 1.45", record.CrashPoint)
		}
	})

	t.Run("unknown round", func(t *testing.T) {
		_, err := s.GetRound(ctx, uuid.NewString())
		if !errors.Is(err, ErrRoundNotFound) {
			t.Fatalf("error = %v, want ErrRoundNotFound", err)
		}
		if err := s.RevealRound(ctx, uuid.NewString(), time.Now()); !errors.Is(err, ErrRoundNotFound) {
			t.Fatalf("reveal error = %v, want ErrRoundNotFound", err)
		}
	})

	t.Run("recent rounds newest first", func(t *testing.T) {
		n1 := nextRoundNumber()
		n2 := nextRoundNumber()
		newRound(t, s, n1)
		newRound(t, s, n2)

		records, err := s.RecentRounds(ctx, 2)
		if err != nil {
			t.Fatalf("RecentRounds: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("records = %d, want 2", len(records))
		}
		if records[0].Number != n2 || records[1].Number != n1 {
			t.Errorf("ordering = [%d, %d], want [%d, %d]",
				records[0].Number, records[1].Number, n2, n1)
		}
	})
}
