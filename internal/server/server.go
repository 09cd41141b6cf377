package server

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/skyhigh-games/crashpit/internal/cache"
	"github.com/skyhigh-games/crashpit/internal/database"
	"github.com/skyhigh-games/crashpit/internal/game"
	"github.com/skyhigh-games/crashpit/internal/ledger"
)

type FiberServer struct {
	*fiber.App

	db          database.Service
	cache       cache.Service
	store       *ledger.Store
	gameManager *game.Manager
	gameHub     *game.Hub
}

func New() *FiberServer {
	// Initialize database
	db := database.New()
	store := ledger.NewStore(db.Pool())

	// Initialize Redis cache. The game runs without it, but live
	// snapshots and presence counters need it.
	redisService := cache.New()
	if redisService == nil {
		log.Println("[SERVER] Redis unavailable, running without live snapshots")
	}

	// Initialize game components
	hub := game.NewHub()
	var snapshots game.Snapshotter
	if redisService != nil {
		snapshots = redisService
	}
	manager := game.NewManager(hub, store, store, snapshots, game.DefaultConfig())

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashpit",
			AppName:       "crashpit",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		db:          db,
		cache:       redisService,
		store:       store,
		gameManager: manager,
		gameHub:     hub,
	}

	// Apply global middleware
	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	// Start game components
	go hub.Run()
	manager.Start()

	log.Println("[SERVER] Round loop started")

	return server
}

// Shutdown gracefully shuts down the server and game components.
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] Shutting down...")

	if s.gameManager != nil {
		s.gameManager.Stop()
	}

	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	return nil
}
