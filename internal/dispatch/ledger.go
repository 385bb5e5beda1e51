package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"emergency-orchestrator/internal/emergency"
)

// Ledger remembers acknowledgments by idempotency key so a re-issued leg
// returns the original acknowledgment instead of contacting the sink again.
type Ledger interface {
	Lookup(ctx context.Context, key string) (emergency.Acknowledgment, bool, error)
	Record(ctx context.Context, key string, ack emergency.Acknowledgment) error
}

const ledgerPrefix = "dispatch:ack:"

// redisKV is the part of *redis.Client the ledger uses.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

type redisLedger struct {
	rdb redisKV
	ttl time.Duration
}

// NewRedisLedger keeps acknowledgments in Redis so every orchestrator
// instance sees the same ledger.
func NewRedisLedger(rdb *redis.Client, ttl time.Duration) Ledger {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &redisLedger{rdb: rdb, ttl: ttl}
}

func (l *redisLedger) Lookup(ctx context.Context, key string) (emergency.Acknowledgment, bool, error) {
	data, err := l.rdb.Get(ctx, ledgerPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return emergency.Acknowledgment{}, false, nil
	}
	if err != nil {
		return emergency.Acknowledgment{}, false, fmt.Errorf("ledger lookup %s: %w", key, err)
	}
	var ack emergency.Acknowledgment
	if err := json.Unmarshal(data, &ack); err != nil {
		return emergency.Acknowledgment{}, false, fmt.Errorf("ledger decode %s: %w", key, err)
	}
	return ack, true, nil
}

// Record keeps the first acknowledgment written for a key.
func (l *redisLedger) Record(ctx context.Context, key string, ack emergency.Acknowledgment) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	if err := l.rdb.SetNX(ctx, ledgerPrefix+key, data, l.ttl).Err(); err != nil {
		return fmt.Errorf("ledger record %s: %w", key, err)
	}
	return nil
}

type memoryLedger struct {
	mu   sync.RWMutex
	acks map[string]emergency.Acknowledgment
}

func NewMemoryLedger() Ledger {
	return &memoryLedger{acks: make(map[string]emergency.Acknowledgment)}
}

func (l *memoryLedger) Lookup(_ context.Context, key string) (emergency.Acknowledgment, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ack, ok := l.acks[key]
	return ack, ok, nil
}

func (l *memoryLedger) Record(_ context.Context, key string, ack emergency.Acknowledgment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.acks[key]; !ok {
		l.acks[key] = ack
	}
	return nil
}
