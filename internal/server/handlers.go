package server

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/skyhigh-games/crashpit/internal/game"
	"github.com/skyhigh-games/crashpit/internal/ledger"
)

// getGameStateHandler returns the current round snapshot. Secrets
// (server seed, crash point) are excluded by the Round JSON tags.
func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	state := s.gameManager.GetCurrentRound()
	if state == nil {
		return c.Status(404).JSON(fiber.Map{
			"error": "No active game round",
		})
	}
	return c.JSON(state)
}

// placeBetHandler handles bet placement requests
func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req game.BetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	resp := s.gameManager.PlaceBet(req)
	if !resp.Success {
		return c.Status(400).JSON(resp)
	}
	return c.JSON(resp)
}

// cashoutHandler handles cashout requests. The payout multiplier is
// taken server-side; any multiplier in the body is ignored.
func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req game.CashoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	resp := s.gameManager.Cashout(req)
	if !resp.Success {
		return c.Status(400).JSON(resp)
	}
	return c.JSON(resp)
}

// getHistoryHandler returns the most recent settled rounds. Serves
// from the Redis history list when available, falling back to
// Postgres.
func (s *FiberServer) getHistoryHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	if s.cache != nil {
		raw, err := s.cache.RecentRoundHistory(c.Context(), int64(limit))
		if err == nil && len(raw) > 0 {
			entries := make([]game.HistoryEntry, 0, len(raw))
			for _, item := range raw {
				var entry game.HistoryEntry
				if json.Unmarshal([]byte(item), &entry) == nil {
					entries = append(entries, entry)
				}
			}
			return c.JSON(fiber.Map{"rounds": entries})
		}
	}

	records, err := s.store.RecentRounds(c.Context(), limit)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load history",
		})
	}
	return c.JSON(fiber.Map{"rounds": records})
}

// getRoundHandler returns one round with full seed reveal once it has
// settled. In-flight rounds keep their seed material hidden.
func (s *FiberServer) getRoundHandler(c *fiber.Ctx) error {
	roundID := c.Params("roundId")

	record, err := s.store.GetRound(c.Context(), roundID)
	if errors.Is(err, ledger.ErrRoundNotFound) {
		return c.Status(404).JSON(fiber.Map{
			"error": "Round not found",
		})
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load round",
		})
	}
	return c.JSON(record)
}

// verifyRoundHandler re-runs the fairness computation over submitted
// seed material for independent verification.
func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	var body struct {
		ServerSeed string  `json:"server_seed"`
		ClientSeed string  `json:"client_seed"`
		Nonce      int64   `json:"nonce"`
		CrashPoint float64 `json:"crash_point"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if body.ServerSeed == "" || body.ClientSeed == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "Server seed and client seed are required",
		})
	}

	hash := game.CommitmentHash(body.ServerSeed, body.ClientSeed, body.Nonce)
	return c.JSON(fiber.Map{
		"fairness_hash":   hash,
		"raw_multiplier":  game.HashToMultiplier(hash),
		"claimed":         body.CrashPoint,
		"matches_claimed": game.VerifyRound(body.ServerSeed, body.ClientSeed, body.Nonce, body.CrashPoint),
	})
}

// getUserBalanceHandler returns a user's balance
func (s *FiberServer) getUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")

	balance, err := s.store.Balance(c.Context(), userID)
	if errors.Is(err, ledger.ErrUnknownUser) {
		return c.Status(404).JSON(fiber.Map{
			"error": "Unknown user",
		})
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load balance",
		})
	}
	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": balance,
	})
}

// setUserBalanceHandler sets a user's balance (for testing/admin)
func (s *FiberServer) setUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")

	var body struct {
		Balance float64 `json:"balance"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if body.Balance < 0 {
		return c.Status(400).JSON(fiber.Map{
			"error": "Balance must not be negative",
		})
	}

	if err := s.store.SetBalance(c.Context(), userID, body.Balance); err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to set balance",
		})
	}
	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": body.Balance,
		"message": "Balance updated successfully",
	})
}

// setModeHandler switches the volatility mode for subsequent rounds.
func (s *FiberServer) setModeHandler(c *fiber.Ctx) error {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	mode, ok := game.ParseMode(body.Mode)
	if !ok {
		return c.Status(400).JSON(fiber.Map{
			"error": "Mode must be one of normal, mild, hard",
		})
	}

	s.gameManager.SetMode(mode)
	return c.JSON(fiber.Map{
		"volatility_mode": mode,
		"message":         "Mode applies from the next round",
	})
}

// setFreezeHandler toggles the operator freeze flag. A frozen game
// finishes its in-flight round and then stops creating new ones.
func (s *FiberServer) setFreezeHandler(c *fiber.Ctx) error {
	var body struct {
		Frozen bool `json:"frozen"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	s.gameManager.SetFrozen(body.Frozen)
	return c.JSON(fiber.Map{
		"frozen": body.Frozen,
	})
}
