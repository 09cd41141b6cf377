package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/gofiber/contrib/websocket"

	"github.com/skyhigh-games/crashpit/internal/game"
)

// gameWebSocketHandler handles WebSocket connections for real-time
// round events and bet/cashout messages.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id", "anonymous")

	log.Printf("[WS] New connection from user: %s", userID)

	s.gameHub.RegisterClient(conn, userID)
	if s.cache != nil {
		s.cache.IncrOnline(context.Background())
		defer s.cache.DecrOnline(context.Background())
	}

	// Send initial state
	if current := s.gameManager.GetCurrentRound(); current != nil {
		s.gameHub.SendToConn(conn, game.WSMessage{
			Type: "initial_state",
			Data: current,
		})
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] Read error for user %s: %v", userID, err)
			s.gameHub.UnregisterClient(conn)
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var clientMsg map[string]interface{}
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			continue
		}
		msgType, ok := clientMsg["type"].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "place_bet":
			amount, _ := strconv.ParseFloat(fmt.Sprintf("%v", clientMsg["amount"]), 64)
			roundID, _ := clientMsg["round_id"].(string)

			resp := s.gameManager.PlaceBet(game.BetRequest{
				UserID:  userID,
				Amount:  amount,
				RoundID: roundID,
			})
			s.gameHub.SendToConn(conn, game.WSMessage{Type: "bet:placed", Data: resp})

		case "cashout":
			roundID, _ := clientMsg["round_id"].(string)

			resp := s.gameManager.Cashout(game.CashoutRequest{
				UserID:  userID,
				RoundID: roundID,
			})
			s.gameHub.SendToConn(conn, game.WSMessage{Type: "bet:cashedOut", Data: resp})

		case "ping":
			s.gameHub.SendToConn(conn, game.WSMessage{Type: "pong"})
		}
	}
}
