package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrijs2005/scanreport/internal/common"
	"github.com/dmitrijs2005/scanreport/internal/server/models"
)

const (
	sessionKeyPrefix = "scanreport:session:"
	ledgerKeyPrefix  = "scanreport:wf:"
	expiryIndexKey   = "scanreport:expiry"
	pendingSetKey    = "scanreport:wf:pending"
)

// RedisStore implements Store on top of a single Redis instance. Records
// are stored as JSON blobs; the expiry index is a sorted set scored by the
// teardown instant in unix milliseconds.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore parses a redis:// URL, connects and verifies the
// connection with a ping.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) SaveSession(ctx context.Context, s *models.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return r.client.Set(ctx, sessionKeyPrefix+s.ID, data, 0).Err()
}

func (r *RedisStore) LoadSession(ctx context.Context, id string) (*models.Session, error) {
	data, err := r.client.Get(ctx, sessionKeyPrefix+id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) DeleteSession(ctx context.Context, id string) error {
	return r.client.Del(ctx, sessionKeyPrefix+id).Err()
}

func (r *RedisStore) AddExpiry(ctx context.Context, id string, at time.Time) error {
	return r.client.ZAdd(ctx, expiryIndexKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: id,
	}).Err()
}

func (r *RedisStore) RemoveExpiry(ctx context.Context, id string) error {
	return r.client.ZRem(ctx, expiryIndexKey, id).Err()
}

func (r *RedisStore) DueExpiries(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query expiry index: %w", err)
	}
	return ids, nil
}

func (r *RedisStore) SaveLedger(ctx context.Context, l *Ledger) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}
	return r.client.Set(ctx, ledgerKeyPrefix+l.SessionID, data, 0).Err()
}

func (r *RedisStore) LoadLedger(ctx context.Context, id string) (*Ledger, error) {
	data, err := r.client.Get(ctx, ledgerKeyPrefix+id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	var l Ledger
	if err := json.Unmarshal([]byte(data), &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger: %w", err)
	}
	return &l, nil
}

func (r *RedisStore) DeleteLedger(ctx context.Context, id string) error {
	return r.client.Del(ctx, ledgerKeyPrefix+id).Err()
}

func (r *RedisStore) AddPending(ctx context.Context, id string) error {
	return r.client.SAdd(ctx, pendingSetKey, id).Err()
}

func (r *RedisStore) RemovePending(ctx context.Context, id string) error {
	return r.client.SRem(ctx, pendingSetKey, id).Err()
}

func (r *RedisStore) PendingWorkflows(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, pendingSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending workflows: %w", err)
	}
	return ids, nil
}
