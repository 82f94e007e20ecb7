package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/algomatic/strat-service/internal/dedup"
	"github.com/algomatic/strat-service/internal/types"
)

// Default lifetimes of Redis alert keys.
const (
	DefaultLeaseTTL  = 2 * time.Minute
	DefaultRecordTTL = 72 * time.Hour
	leasePoll        = 50 * time.Millisecond
)

// releaseScript deletes the lease key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AlertStore is a dedup.Store on Redis. A lease is a SET NX key carrying a
// random token; the record is a separate key that expires after RecordTTL,
// long enough to outlive the trading day it guards.
type AlertStore struct {
	bus       *Bus
	leaseTTL  time.Duration
	recordTTL time.Duration
}

// NewAlertStore creates a Redis alert store. Zero TTLs use the defaults.
func NewAlertStore(bus *Bus, leaseTTL, recordTTL time.Duration) *AlertStore {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	if recordTTL <= 0 {
		recordTTL = DefaultRecordTTL
	}
	return &AlertStore{bus: bus, leaseTTL: leaseTTL, recordTTL: recordTTL}
}

func (s *AlertStore) leaseKey(key types.AlertKey) string {
	return s.bus.keyFor("alert", "lease", key.String())
}

func (s *AlertStore) recordKey(key types.AlertKey) string {
	return s.bus.keyFor("alert", "sent", key.String())
}

// Acquire polls for the lease until it is free or ctx is done, then checks
// for an existing record.
func (s *AlertStore) Acquire(ctx context.Context, key types.AlertKey) (dedup.Lease, error) {
	rdb := s.bus.Redis()
	token := uuid.NewString()
	lk := s.leaseKey(key)

	for {
		ok, err := rdb.SetNX(ctx, lk, token, s.leaseTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("taking alert lease %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(leasePoll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	lease := &redisLease{store: s, key: key, token: token}
	n, err := rdb.Exists(ctx, s.recordKey(key)).Result()
	if err != nil {
		lease.Release(context.WithoutCancel(ctx)) //nolint:errcheck
		return nil, fmt.Errorf("checking alert %s: %w", key, err)
	}
	if n > 0 {
		lease.Release(context.WithoutCancel(ctx)) //nolint:errcheck
		return nil, fmt.Errorf("%s: %w", key, types.ErrDuplicateAlert)
	}
	return lease, nil
}

// CountAlerts returns 1 when a record exists for key.
func (s *AlertStore) CountAlerts(ctx context.Context, key types.AlertKey) (int, error) {
	n, err := s.bus.Redis().Exists(ctx, s.recordKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("checking alert %s: %w", key, err)
	}
	return int(n), nil
}

type redisLease struct {
	store *AlertStore
	key   types.AlertKey
	token string
}

type alertRecord struct {
	SignalID string    `json:"signal_id"`
	SentAt   time.Time `json:"sent_at"`
}

func (l *redisLease) Commit(ctx context.Context, rec types.AlertRecord) error {
	defer l.Release(ctx) //nolint:errcheck

	data, err := json.Marshal(alertRecord{SignalID: rec.SignalID, SentAt: rec.SentAt})
	if err != nil {
		return fmt.Errorf("marshalling alert record: %w", err)
	}
	ok, err := l.store.bus.Redis().SetNX(ctx, l.store.recordKey(l.key), data, l.store.recordTTL).Result()
	if err != nil {
		return fmt.Errorf("recording alert %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.key, types.ErrDuplicateAlert)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.store.bus.Redis(), []string{l.store.leaseKey(l.key)}, l.token).Err(); err != nil {
		return fmt.Errorf("releasing alert lease %s: %w", l.key, err)
	}
	return nil
}
