package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"nearlink/internal/errs"
	"nearlink/internal/hybrid"
)

const (
	eventKeyPrefix = "nearlink:event:" // nearlink:event:{id} - encoded event with TTL
	recentKey      = "nearlink:events:recent"
)

type RedisOptions struct {
	TTL       time.Duration
	MaxRecent int
	// Prefix namespaces keys, e.g. per test.
	Prefix string
}

type Redis struct {
	rdb       redis.UniversalClient
	ttl       time.Duration
	maxRecent int
	prefix    string
}

func NewRedis(rdb redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxRecent <= 0 {
		opts.MaxRecent = DefaultMaxRecent
	}
	return &Redis{rdb: rdb, ttl: opts.TTL, maxRecent: opts.MaxRecent, prefix: opts.Prefix}
}

// DialRedis parses a redis:// URL and checks the server answers.
func DialRedis(ctx context.Context, url string, opts RedisOptions) (*Redis, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(o)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(rdb, opts), nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) eventKey(id string) string { return r.prefix + eventKeyPrefix + id }
func (r *Redis) recentKey() string         { return r.prefix + recentKey }

func (r *Redis) Publish(ctx context.Context, ev *hybrid.EncryptedEvent) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.eventKey(ev.ID), data, r.ttl)
		p.LPush(ctx, r.recentKey(), ev.ID)
		p.LTrim(ctx, r.recentKey(), 0, int64(r.maxRecent-1))
		p.Expire(ctx, r.recentKey(), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*hybrid.EncryptedEvent, error) {
	data, err := r.rdb.Get(ctx, r.eventKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("relay event %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("relay get: %w", err)
	}
	return Decode(data)
}

// List walks the recent list. Expired ids are dropped from the list as they
// are found.
func (r *Redis) List(ctx context.Context, limit int) ([]*hybrid.EncryptedEvent, error) {
	ids, err := r.rdb.LRange(ctx, r.recentKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("relay list: %w", err)
	}
	out, err := collect(ctx, r, ids, limit)
	if err != nil {
		return nil, err
	}
	if len(out) < len(ids) {
		live := make(map[string]bool, len(out))
		for _, ev := range out {
			live[ev.ID] = true
		}
		for _, id := range ids {
			if live[id] {
				continue
			}
			if n, _ := r.rdb.Exists(ctx, r.eventKey(id)).Result(); n == 0 {
				r.rdb.LRem(ctx, r.recentKey(), 0, id)
			}
		}
	}
	return out, nil
}
