package game

import (
	"time"
)

// Phase is the lifecycle stage of the single active round.
type Phase string

const (
	PhaseBetting Phase = "betting"
	PhaseFlying  Phase = "flying"
	PhaseCrashed Phase = "crashed"
)

// VolatilityMode shapes the target win-rate distribution of the
// crash point generator. Operator-selected; applies from the next
// round creation onward.
type VolatilityMode string

const (
	ModeNormal VolatilityMode = "normal"
	ModeMild   VolatilityMode = "mild"
	ModeHard   VolatilityMode = "hard"
)

// ParseMode returns the mode for s, or ModeNormal with ok=false when
// s names no known mode.
func ParseMode(s string) (VolatilityMode, bool) {
	switch VolatilityMode(s) {
	case ModeNormal, ModeMild, ModeHard:
		return VolatilityMode(s), true
	}
	return ModeNormal, false
}

// Round is one play cycle of the crash game. CrashPoint is committed
// at creation and never recalculated; ServerSeed stays hidden until
// the round crashes.
type Round struct {
	ID                string         `json:"round_id"`
	Number            int64          `json:"round_number"`
	ServerSeed        string         `json:"-"`
	ClientSeed        string         `json:"client_seed"`
	Nonce             int64          `json:"nonce"`
	CrashPoint        float64        `json:"-"`
	FairnessHash      string         `json:"fairness_hash"`
	Mode              VolatilityMode `json:"volatility_mode"`
	Phase             Phase          `json:"phase"`
	CurrentMultiplier float64        `json:"current_multiplier"`
	CreatedAt         time.Time      `json:"created_at"`
	CrashedAt         time.Time      `json:"crashed_at,omitempty"`
}

type BetRequest struct {
	UserID       string           `json:"user_id"`
	Amount       float64          `json:"amount"`
	RoundID      string           `json:"round_id"`
	ResponseChan chan BetResponse `json:"-"`
}

type BetResponse struct {
	Success   bool    `json:"success"`
	Message   string  `json:"message,omitempty"`
	Balance   float64 `json:"balance,omitempty"`
	BetAmount float64 `json:"bet_amount,omitempty"`
	Retryable bool    `json:"retryable,omitempty"`
}

type CashoutRequest struct {
	UserID       string               `json:"user_id"`
	RoundID      string               `json:"round_id"`
	ResponseChan chan CashoutResponse `json:"-"`
}

type CashoutResponse struct {
	Success    bool    `json:"success"`
	Message    string  `json:"message,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
	Payout     float64 `json:"payout,omitempty"`
	Balance    float64 `json:"balance,omitempty"`
	Retryable  bool    `json:"retryable,omitempty"`
}

// WSMessage is the envelope for every real-time event.
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Broadcast event payloads.

type RoundStartEvent struct {
	RoundID      string         `json:"round_id"`
	RoundNumber  int64          `json:"round_number"`
	FairnessHash string         `json:"fairness_hash"`
	Mode         VolatilityMode `json:"volatility_mode"`
	BettingSecs  float64        `json:"betting_secs"`
	CreatedAt    time.Time      `json:"created_at"`
}

type MultiplierEvent struct {
	RoundID    string  `json:"round_id"`
	Multiplier float64 `json:"multiplier"`
}

type CrashEvent struct {
	RoundID    string  `json:"round_id"`
	CrashPoint float64 `json:"crash_point"`
	ServerSeed string  `json:"server_seed"`
	ClientSeed string  `json:"client_seed"`
	Nonce      int64   `json:"nonce"`
}

type CrashLossEvent struct {
	RoundID    string  `json:"round_id"`
	BetAmount  float64 `json:"bet_amount"`
	CrashPoint float64 `json:"crash_point"`
}

// CashoutBroadcast tells the room a player banked a win.
type CashoutBroadcast struct {
	UserID     string  `json:"user_id"`
	RoundID    string  `json:"round_id"`
	Multiplier float64 `json:"multiplier"`
	Payout     float64 `json:"payout"`
}

// HistoryEntry is the compact settled-round form kept in the cache
// for the history strip.
type HistoryEntry struct {
	RoundID      string         `json:"round_id"`
	RoundNumber  int64          `json:"round_number"`
	CrashPoint   float64        `json:"crash_point"`
	FairnessHash string         `json:"fairness_hash"`
	Mode         VolatilityMode `json:"volatility_mode"`
}
