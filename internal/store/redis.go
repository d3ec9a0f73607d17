package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ft2801/progetto-PA/internal/metrics"
	"github.com/Ft2801/progetto-PA/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache of producer profiles. Profiles are read on every reservation and
// listing but change rarely. Slots, reservations and balances always go to
// the primary because they are read under locks.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetProducer(ctx context.Context, id int64) (*model.Producer, error) {
	data, err := s.rdb.Get(ctx, producerKey(id)).Bytes()
	if err == nil {
		var p model.Producer
		if json.Unmarshal(data, &p) == nil {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return &p, nil
		}
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	p, err := s.Store.GetProducer(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheProducer(ctx, p)
	return p, nil
}

func (s *CachedStore) GetProducerByUser(ctx context.Context, userID int64) (*model.Producer, error) {
	// Try cache via user→producer mapping.
	idStr, err := s.rdb.Get(ctx, producerUserKey(userID)).Result()
	if err == nil {
		if id, perr := strconv.ParseInt(idStr, 10, 64); perr == nil {
			return s.GetProducer(ctx, id)
		}
	}

	p, err := s.Store.GetProducerByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheProducer(ctx, p)
	return p, nil
}

// --- Write path (primary, then invalidate) ---

// RunInTx delegates to the primary and drops cached profiles saved by fn
// once the transaction has committed.
func (s *CachedStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var touched []*model.Producer
	err := s.Store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		touched = touched[:0]
		return fn(ctx, &cachedTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	for _, p := range touched {
		s.rdb.Del(ctx, producerKey(p.ID), producerUserKey(p.UserID))
	}
	return nil
}

// cachedTx records every producer written through it.
type cachedTx struct {
	Tx
	touched *[]*model.Producer
}

func (t *cachedTx) SaveProducer(ctx context.Context, p *model.Producer) error {
	if err := t.Tx.SaveProducer(ctx, p); err != nil {
		return err
	}
	saved := *p
	*t.touched = append(*t.touched, &saved)
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheProducer(ctx context.Context, p *model.Producer) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, producerKey(p.ID), data, s.ttl)
		s.rdb.Set(ctx, producerUserKey(p.UserID), p.ID, s.ttl)
	}
}

func producerKey(id int64) string         { return fmt.Sprintf("producer:%d", id) }
func producerUserKey(userID int64) string { return fmt.Sprintf("producer:user:%d", userID) }
