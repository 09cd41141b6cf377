package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
)

const (
	keyRoundSnapshot = "crash:round:current"
	keyRoundHistory  = "crash:round:history"
	keyOnlineUsers   = "crash:online"

	snapshotTTL = 1 * time.Hour
)

// Service is the live-state cache shared across server instances:
// the current round snapshot, a bounded round history list, and the
// online-presence counter.
type Service interface {
	GetClient() *redis.Client
	SaveRoundSnapshot(ctx context.Context, snapshot any) error
	PushRoundHistory(ctx context.Context, entry any, keep int64) error
	RecentRoundHistory(ctx context.Context, limit int64) ([]string, error)
	IncrOnline(ctx context.Context) (int64, error)
	DecrOnline(ctx context.Context) (int64, error)
	Health() map[string]string
	Close() error
}

type service struct {
	client *redis.Client
}

var (
	redisAddr     = getEnv("REDIS_URL", "localhost:6379")
	redisPassword = getEnv("REDIS_PASSWORD", "")
	redisDB       = getEnvAsInt("REDIS_DB", 0)
	cacheInstance *service
)

func New() Service {
	if cacheInstance != nil {
		return cacheInstance
	}

	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           redisDB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		log.Printf("[CACHE] Redis connection failed: %v", err)
		log.Println("[CACHE] Running without Redis cache")
		return nil
	}

	log.Println("[CACHE] Redis connected successfully")

	cacheInstance = &service{
		client: client,
	}

	return cacheInstance
}

func (s *service) GetClient() *redis.Client {
	return s.client
}

// SaveRoundSnapshot stores the active round so reconnecting clients
// and sibling instances can read it without touching Postgres.
func (s *service) SaveRoundSnapshot(ctx context.Context, snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyRoundSnapshot, data, snapshotTTL).Err()
}

// PushRoundHistory prepends a settled-round entry and trims the list
// to the newest keep entries.
func (s *service) PushRoundHistory(ctx context.Context, entry any, keep int64) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, keyRoundHistory, data)
	pipe.LTrim(ctx, keyRoundHistory, 0, keep-1)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentRoundHistory returns up to limit raw history entries, newest
// first.
func (s *service) RecentRoundHistory(ctx context.Context, limit int64) ([]string, error) {
	return s.client.LRange(ctx, keyRoundHistory, 0, limit-1).Result()
}

func (s *service) IncrOnline(ctx context.Context) (int64, error) {
	return s.client.Incr(ctx, keyOnlineUsers).Result()
}

func (s *service) DecrOnline(ctx context.Context) (int64, error) {
	n, err := s.client.Decr(ctx, keyOnlineUsers).Result()
	if err == nil && n < 0 {
		s.client.Set(ctx, keyOnlineUsers, 0, 0)
		n = 0
	}
	return n, err
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	_, err := s.client.Ping(ctx).Result()
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "Redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)

	return stats
}

func (s *service) Close() error {
	log.Println("[CACHE] Disconnecting from Redis")
	return s.client.Close()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
