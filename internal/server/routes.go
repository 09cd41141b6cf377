package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func (s *FiberServer) RegisterFiberRoutes() {
	// Apply CORS middleware
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/game/state", s.getGameStateHandler)
	api.Post("/game/bet", s.placeBetHandler)
	api.Post("/game/cashout", s.cashoutHandler)
	api.Get("/game/history", s.getHistoryHandler)
	api.Get("/game/rounds/:roundId", s.getRoundHandler)
	api.Post("/game/verify", s.verifyRoundHandler)

	api.Get("/user/:userId/balance", s.getUserBalanceHandler)
	api.Post("/user/:userId/balance", s.setUserBalanceHandler)

	admin := api.Group("/admin")
	admin.Post("/mode", s.setModeHandler)
	admin.Post("/freeze", s.setFreezeHandler)

	// WebSocket route
	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	cacheHealth := map[string]string{"status": "disabled"}
	if s.cache != nil {
		cacheHealth = s.cache.Health()
	}
	health := fiber.Map{
		"database": s.db.Health(),
		"cache":    cacheHealth,
		"game": fiber.Map{
			"status":            "running",
			"frozen":            s.gameManager.Frozen(),
			"volatility_mode":   s.gameManager.Mode(),
			"connected_clients": s.gameHub.GetClientCount(),
		},
	}
	return c.JSON(health)
}
