// Package redisstore implements store.Repository on top of Redis: every
// record is one Hash keyed by pk+sk, with the bucket write paths (Create,
// Normal, Retry, Adjust) each driven by an embedded Lua script so the
// refill-then-consume arithmetic and its optimistic-lock check run as one
// atomic round trip. Adapted from the teacher's backends/redis.go
// (CheckAndConsumeTokenScript: embedded Lua doing bucket math server-side)
// and backends/redis/conn_errors.go's connectivity-string classification.
package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeroae/limiter/store"
)

// Config configures a redisstore.Store.
type Config struct {
	Address  string
	Password string
	DB       int
	// PoolSize defaults to 10 when zero.
	PoolSize int
	// ConnErrorStrings overrides the default connectivity-error patterns
	// used to classify a driver error as store.ClassTransient.
	ConnErrorStrings []string
}

// Store is a Redis-backed Repository.
type Store struct {
	client           *redis.Client
	connErrorStrings []string
}

// New connects to Redis and verifies reachability with a Ping.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("redisstore: address cannot be empty")
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 10
	}
	patterns := config.ConnErrorStrings
	if patterns == nil {
		patterns = connErrorStrings
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		DialTimeout:  5 * time.Second,
	})

	s := &Store{client: client, connErrorStrings: patterns}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, s.maybeConnError("redisstore:New", err)
	}
	return s, nil
}

// NewWithClient wraps an already-connected client.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client, connErrorStrings: connErrorStrings}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.maybeConnError("redisstore:Ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// redisKey builds the flat Redis key for one (pk, sk) single-table row.
func redisKey(pk, sk string) string {
	return pk + "|" + sk
}

// maybeConnError classifies a go-redis error as store.ErrUnavailable when
// its message matches one of the known connectivity patterns, following
// the teacher's connErrorStrings idiom (backends/redis/conn_errors.go).
// redis.Nil (key-not-found) and script errors are never classified as
// connectivity failures.
func (s *Store) maybeConnError(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return err
	}
	lower := strings.ToLower(err.Error())
	for _, p := range s.connErrorStrings {
		if strings.Contains(lower, p) {
			return store.NewUnavailableError(fmt.Errorf("%s: %w", op, err))
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// connErrorStrings mirrors backends/redis/conn_errors.go, minus the bare
// "timeout" pattern (too broad once bucket scripts carry their own
// deadlines) and plus a couple of go-redis-specific pool messages.
var connErrorStrings = []string{
	"connection refused",
	"connection timeout",
	"connection reset",
	"network is unreachable",
	"no such host",
	"i/o timeout",
	"broken pipe",
	"connection pool exhausted",
	"context deadline exceeded",
}
