package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skyhigh-games/crashpit/internal/ledger"
)

// BetLedger is the slice of the bet ledger the round loop drives.
// Implemented by *ledger.Store.
type BetLedger interface {
	PlaceBet(ctx context.Context, userID, roundID string, amount float64) (float64, error)
	Cashout(ctx context.Context, userID, roundID string, multiplier float64) (float64, float64, error)
	SettleLosses(ctx context.Context, roundID string, crashPoint float64) ([]ledger.Loss, error)
}

// RoundStore persists round records for the audit/history surface.
type RoundStore interface {
	InsertRound(ctx context.Context, r ledger.RoundRecord) error
	RevealRound(ctx context.Context, roundID string, crashedAt time.Time) error
	PruneRounds(ctx context.Context, keep int) error
}

// Snapshotter mirrors live round state into the shared cache so
// sibling instances and reconnecting clients can read it.
type Snapshotter interface {
	SaveRoundSnapshot(ctx context.Context, snapshot any) error
	PushRoundHistory(ctx context.Context, entry any, keep int64) error
}

// Config tunes the round clock. Defaults match production; tests
// shrink the windows.
type Config struct {
	BettingWindow time.Duration
	TickInterval  time.Duration
	CrashPause    time.Duration
	FreezePoll    time.Duration
	GrowthK       float64
	HistoryKeep   int
	OpTimeout     time.Duration
	MaxBetAmount  float64
}

func DefaultConfig() Config {
	return Config{
		BettingWindow: 10 * time.Second,
		TickInterval:  50 * time.Millisecond,
		CrashPause:    3 * time.Second,
		FreezePoll:    500 * time.Millisecond,
		GrowthK:       0.08,
		HistoryKeep:   100,
		OpTimeout:     8 * time.Second,
		MaxBetAmount:  10000.0,
	}
}

// Manager owns the single active round and drives the repeating
// betting -> flying -> crashed lifecycle from one goroutine. Player
// messages arrive over channels and are serialized through that
// goroutine; per-user exactly-once guarantees live in the ledger.
type Manager struct {
	hub       *Hub
	ledger    BetLedger
	rounds    RoundStore
	snapshots Snapshotter
	generator *Generator
	cfg       Config

	stateMutex   sync.RWMutex
	currentRound *Round
	roundNumber  int64
	mode         VolatilityMode
	frozen       bool

	betChannel     chan BetRequest
	cashoutChannel chan CashoutRequest
	stopChan       chan struct{}
	stopOnce       sync.Once
}

func NewManager(hub *Hub, betLedger BetLedger, rounds RoundStore, snapshots Snapshotter, cfg Config) *Manager {
	return &Manager{
		hub:            hub,
		ledger:         betLedger,
		rounds:         rounds,
		snapshots:      snapshots,
		generator:      NewGenerator(),
		cfg:            cfg,
		mode:           ModeNormal,
		betChannel:     make(chan BetRequest, 1000),
		cashoutChannel: make(chan CashoutRequest, 1000),
		stopChan:       make(chan struct{}),
	}
}

func (m *Manager) Start() {
	go m.gameLoop()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// GetCurrentRound returns a copy of the active round, or nil between
// rounds.
func (m *Manager) GetCurrentRound() *Round {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()
	if m.currentRound == nil {
		return nil
	}
	roundCopy := *m.currentRound
	return &roundCopy
}

// SetMode switches the volatility mode. Takes effect on the next
// round creation; the in-flight round keeps its committed crash point.
func (m *Manager) SetMode(mode VolatilityMode) {
	m.stateMutex.Lock()
	m.mode = mode
	m.stateMutex.Unlock()
	log.Printf("[ROUND] Volatility mode set to %s (next round)", mode)
}

func (m *Manager) Mode() VolatilityMode {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()
	return m.mode
}

// SetFrozen pauses creation of new rounds. An in-progress round
// always runs to completion.
func (m *Manager) SetFrozen(frozen bool) {
	m.stateMutex.Lock()
	m.frozen = frozen
	m.stateMutex.Unlock()
	log.Printf("[ROUND] Freeze flag set to %v", frozen)
}

func (m *Manager) Frozen() bool {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()
	return m.frozen
}

// PlaceBet queues a bet for the round loop and waits for its verdict.
func (m *Manager) PlaceBet(req BetRequest) BetResponse {
	respChan := make(chan BetResponse, 1)
	req.ResponseChan = respChan

	select {
	case m.betChannel <- req:
		select {
		case resp := <-respChan:
			return resp
		case <-time.After(m.cfg.OpTimeout):
			return BetResponse{Success: false, Message: "Bet timed out, please retry", Retryable: true}
		}
	default:
		return BetResponse{Success: false, Message: "Bet queue full, please retry", Retryable: true}
	}
}

// Cashout queues a cashout for the round loop and waits for its
// verdict. The payout multiplier is the server's, taken at the moment
// the request is handled.
func (m *Manager) Cashout(req CashoutRequest) CashoutResponse {
	respChan := make(chan CashoutResponse, 1)
	req.ResponseChan = respChan

	select {
	case m.cashoutChannel <- req:
		select {
		case resp := <-respChan:
			return resp
		case <-time.After(m.cfg.OpTimeout):
			return CashoutResponse{Success: false, Message: "Cashout timed out, please retry", Retryable: true}
		}
	default:
		return CashoutResponse{Success: false, Message: "Cashout queue full, please retry", Retryable: true}
	}
}

func (m *Manager) gameLoop() {
	for {
		select {
		case <-m.stopChan:
			log.Println("[ROUND] Game loop stopped")
			return
		default:
		}

		if m.Frozen() {
			select {
			case <-time.After(m.cfg.FreezePoll):
			case <-m.stopChan:
				return
			}
			continue
		}

		m.runRound()
	}
}

// runRound drives one complete round. Any panic is contained here so
// a bad round never takes the loop down with it.
func (m *Manager) runRound() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ROUND] Recovered from round failure: %v", r)
			time.Sleep(m.cfg.CrashPause)
		}
	}()

	round := m.createRound()
	if round == nil {
		time.Sleep(m.cfg.CrashPause)
		return
	}

	if !m.bettingPhase(round) {
		return
	}
	if !m.flyingPhase(round) {
		return
	}

	select {
	case <-time.After(m.cfg.CrashPause):
	case <-m.stopChan:
	}
}

// createRound commits a new round: seeds, nonce, crash point from the
// generator, fairness hash. The crash point is fixed here and never
// recalculated.
func (m *Manager) createRound() *Round {
	m.stateMutex.Lock()
	m.roundNumber++
	number := m.roundNumber
	mode := m.mode
	m.stateMutex.Unlock()

	serverSeed := GenerateSeed()
	clientSeed := GenerateSeed()
	nonce := time.Now().UnixMilli()
	crashPoint := m.generator.CrashPoint(mode)
	fairnessHash := CommitmentHash(serverSeed, clientSeed, nonce)

	round := &Round{
		ID:                uuid.NewString(),
		Number:            number,
		ServerSeed:        serverSeed,
		ClientSeed:        clientSeed,
		Nonce:             nonce,
		CrashPoint:        crashPoint,
		FairnessHash:      fairnessHash,
		Mode:              mode,
		Phase:             PhaseBetting,
		CurrentMultiplier: MIN_MULTIPLIER,
		CreatedAt:         time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpTimeout)
	defer cancel()
	if err := m.rounds.InsertRound(ctx, ledger.RoundRecord{
		ID:           round.ID,
		Number:       round.Number,
		ServerSeed:   round.ServerSeed,
		ClientSeed:   round.ClientSeed,
		Nonce:        round.Nonce,
		CrashPoint:   round.CrashPoint,
		FairnessHash: round.FairnessHash,
		Mode:         string(round.Mode),
		CreatedAt:    round.CreatedAt,
	}); err != nil {
		log.Printf("[ROUND] Failed to persist round %s: %v", round.ID, err)
		return nil
	}
	if err := m.rounds.PruneRounds(ctx, m.cfg.HistoryKeep); err != nil {
		log.Printf("[ROUND] Prune failed: %v", err)
	}

	m.stateMutex.Lock()
	m.currentRound = round
	m.stateMutex.Unlock()

	m.saveSnapshot(round)

	log.Printf("[ROUND] #%d %s mode=%s hash=%s... crash=%.2fx (hidden)",
		round.Number, round.ID, round.Mode, round.FairnessHash[:16], round.CrashPoint)

	m.hub.Broadcast(WSMessage{Type: "round:start", Data: RoundStartEvent{
		RoundID:      round.ID,
		RoundNumber:  round.Number,
		FairnessHash: round.FairnessHash,
		Mode:         round.Mode,
		BettingSecs:  m.cfg.BettingWindow.Seconds(),
		CreatedAt:    round.CreatedAt,
	}})

	return round
}

// bettingPhase accepts bets for the configured window. Returns false
// when the loop is shutting down.
func (m *Manager) bettingPhase(round *Round) bool {
	timer := time.NewTimer(m.cfg.BettingWindow)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return true
		case bet := <-m.betChannel:
			m.processBet(bet)
		case cashout := <-m.cashoutChannel:
			m.reply(cashout, CashoutResponse{Success: false, Message: "No round in flight"})
		case <-m.stopChan:
			return false
		}
	}
}

// flyingPhase drives the multiplier clock until the committed crash
// point is reached. Returns false when the loop is shutting down.
func (m *Manager) flyingPhase(round *Round) bool {
	if round.CrashPoint < MIN_MULTIPLIER {
		// Invariant violation: committed crash point missing or bad.
		log.Printf("[ROUND] Invalid crash point %.2f on round %s, skipping", round.CrashPoint, round.ID)
		m.stateMutex.Lock()
		round.Phase = PhaseCrashed
		round.CrashedAt = time.Now()
		m.stateMutex.Unlock()
		m.settleCrash(round)
		return true
	}

	m.stateMutex.Lock()
	round.Phase = PhaseFlying
	m.stateMutex.Unlock()

	m.hub.Broadcast(WSMessage{Type: "round:flying", Data: MultiplierEvent{
		RoundID:    round.ID,
		Multiplier: MIN_MULTIPLIER,
	}})

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	startTime := time.Now()

	for {
		select {
		case <-ticker.C:
			mult := m.multiplierAt(time.Since(startTime))

			if mult >= round.CrashPoint {
				m.stateMutex.Lock()
				round.Phase = PhaseCrashed
				round.CurrentMultiplier = round.CrashPoint
				round.CrashedAt = time.Now()
				m.stateMutex.Unlock()

				m.settleCrash(round)
				return true
			}

			m.stateMutex.Lock()
			round.CurrentMultiplier = mult
			m.stateMutex.Unlock()

			m.hub.Broadcast(WSMessage{Type: "round:multiplier", Data: MultiplierEvent{
				RoundID:    round.ID,
				Multiplier: mult,
			}})

		case bet := <-m.betChannel:
			m.reply(bet, BetResponse{Success: false, Message: "Betting is closed"})

		case cashout := <-m.cashoutChannel:
			m.processCashout(cashout)

		case <-m.stopChan:
			return false
		}
	}
}

// settleCrash reveals the seed material, writes loss statements for
// every uncashed bet, and notifies the losers. A settlement failure
// is logged and must not block the next round.
func (m *Manager) settleCrash(round *Round) {
	m.hub.Broadcast(WSMessage{Type: "round:crash", Data: CrashEvent{
		RoundID:    round.ID,
		CrashPoint: round.CrashPoint,
		ServerSeed: round.ServerSeed,
		ClientSeed: round.ClientSeed,
		Nonce:      round.Nonce,
	}})

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpTimeout)
	defer cancel()

	if err := m.rounds.RevealRound(ctx, round.ID, round.CrashedAt); err != nil {
		log.Printf("[ROUND] Reveal failed for %s: %v", round.ID, err)
	}

	losses, err := m.ledger.SettleLosses(ctx, round.ID, round.CrashPoint)
	if err != nil {
		log.Printf("[ROUND] Loss settlement failed for %s: %v", round.ID, err)
	}
	for _, loss := range losses {
		m.hub.SendToUser(loss.UserID, WSMessage{Type: "bet:crashLoss", Data: CrashLossEvent{
			RoundID:    round.ID,
			BetAmount:  loss.Amount,
			CrashPoint: round.CrashPoint,
		}})
	}

	m.saveSnapshot(round)
	m.pushHistory(round)

	log.Printf("[ROUND] #%d %s crashed at %.2fx (%d losses settled)",
		round.Number, round.ID, round.CrashPoint, len(losses))
}

// multiplierAt computes the server-authoritative multiplier for an
// elapsed flying duration: exponential growth truncated to 2 decimals.
func (m *Manager) multiplierAt(elapsed time.Duration) float64 {
	mult := math.Exp(m.cfg.GrowthK * elapsed.Seconds())
	mult = float64(int(mult*100)) / 100.0
	if mult < MIN_MULTIPLIER {
		mult = MIN_MULTIPLIER
	}
	return mult
}

// processBet validates phase and round, then runs the atomic
// check-and-debit through the ledger.
func (m *Manager) processBet(req BetRequest) {
	resp := BetResponse{}
	defer func() { m.reply(req, resp) }()

	if req.Amount <= 0 {
		resp.Message = "Bet amount must be positive"
		return
	}
	if m.cfg.MaxBetAmount > 0 && req.Amount > m.cfg.MaxBetAmount {
		resp.Message = fmt.Sprintf("Bet must not exceed %.2f", m.cfg.MaxBetAmount)
		return
	}

	m.stateMutex.RLock()
	round := m.currentRound
	var roundID string
	var phase Phase
	if round != nil {
		roundID = round.ID
		phase = round.Phase
	}
	m.stateMutex.RUnlock()

	if round == nil || phase != PhaseBetting {
		resp.Message = "Betting is closed"
		return
	}
	if req.RoundID != "" && req.RoundID != roundID {
		resp.Message = "Round mismatch"
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpTimeout)
	defer cancel()

	balance, err := m.ledger.PlaceBet(ctx, req.UserID, roundID, req.Amount)
	if err != nil {
		resp.Message, resp.Retryable = betFailureMessage(err)
		return
	}

	resp.Success = true
	resp.Balance = balance
	resp.BetAmount = req.Amount
	resp.Message = "Bet placed"

	log.Printf("[BET] User %s placed %.2f on round %s", req.UserID, req.Amount, roundID)
}

// processCashout runs the atomic conditional cashout at the server's
// current multiplier. The client never supplies the multiplier.
func (m *Manager) processCashout(req CashoutRequest) {
	resp := CashoutResponse{}
	defer func() { m.reply(req, resp) }()

	m.stateMutex.RLock()
	round := m.currentRound
	var roundID string
	var phase Phase
	var mult float64
	if round != nil {
		roundID = round.ID
		phase = round.Phase
		mult = round.CurrentMultiplier
	}
	m.stateMutex.RUnlock()

	if round == nil || phase != PhaseFlying {
		resp.Message = "No round in flight"
		return
	}
	if req.RoundID != "" && req.RoundID != roundID {
		resp.Message = "Round mismatch"
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpTimeout)
	defer cancel()

	payout, balance, err := m.ledger.Cashout(ctx, req.UserID, roundID, mult)
	if err != nil {
		resp.Message, resp.Retryable = cashoutFailureMessage(err)
		return
	}

	resp.Success = true
	resp.Multiplier = mult
	resp.Payout = payout
	resp.Balance = balance
	resp.Message = fmt.Sprintf("Cashed out at %.2fx", mult)

	m.hub.Broadcast(WSMessage{Type: "bet:cashedOut", Data: CashoutBroadcast{
		UserID:     req.UserID,
		RoundID:    roundID,
		Multiplier: mult,
		Payout:     payout,
	}})

	log.Printf("[CASHOUT] User %s cashed out round %s at %.2fx (payout %.2f)",
		req.UserID, roundID, mult, payout)
}

func betFailureMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "Bet amount must be positive", false
	case errors.Is(err, ledger.ErrUnknownUser):
		return "Unknown user", false
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "Insufficient balance", false
	case errors.Is(err, ledger.ErrDuplicateBet):
		return "Bet already placed for this round", false
	default:
		log.Printf("[BET] Transient failure: %v", err)
		return "Temporary failure, please retry", true
	}
}

func cashoutFailureMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, ledger.ErrNoActiveBet):
		return "No active bet to cash out", false
	default:
		log.Printf("[CASHOUT] Transient failure: %v", err)
		return "Temporary failure, please retry", true
	}
}

func (m *Manager) reply(req any, resp any) {
	switch r := req.(type) {
	case BetRequest:
		if r.ResponseChan != nil {
			r.ResponseChan <- resp.(BetResponse)
		}
	case CashoutRequest:
		if r.ResponseChan != nil {
			r.ResponseChan <- resp.(CashoutResponse)
		}
	}
}

func (m *Manager) saveSnapshot(round *Round) {
	if m.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.snapshots.SaveRoundSnapshot(ctx, round); err != nil {
		log.Printf("[ROUND] Snapshot save failed: %v", err)
	}
}

func (m *Manager) pushHistory(round *Round) {
	if m.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry := HistoryEntry{
		RoundID:      round.ID,
		RoundNumber:  round.Number,
		CrashPoint:   round.CrashPoint,
		FairnessHash: round.FairnessHash,
		Mode:         round.Mode,
	}
	if err := m.snapshots.PushRoundHistory(ctx, entry, int64(m.cfg.HistoryKeep)); err != nil {
		log.Printf("[ROUND] History push failed: %v", err)
	}
}
