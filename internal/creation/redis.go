package creation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/iplimit/internal/xerrors"
)

// RedisBackend keeps one sorted set of creation times per address and a
// hash of exemptions.
//
//	<prefix>creations:<address>  zset   "<unix nanos>:<identity>" scored by unix nanos
//	<prefix>exemptions           hash   address -> JSON Exemption
type RedisBackend struct {
	rdb       redis.UniversalClient
	prefix    string
	retention time.Duration
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend returns a backend that expires creation logs after
// retention. Zero means DefaultTimeframe.
func NewRedisBackend(rdb redis.UniversalClient, prefix string, retention time.Duration) *RedisBackend {
	if retention <= 0 {
		retention = DefaultTimeframe
	}
	return &RedisBackend{rdb: rdb, prefix: prefix, retention: retention}
}

func (b *RedisBackend) creationsKey(address string) string { return b.prefix + "creations:" + address }
func (b *RedisBackend) exemptionsKey() string             { return b.prefix + "exemptions" }

func (b *RedisBackend) CountSince(ctx context.Context, address string, since time.Time) (uint32, error) {
	n, err := b.rdb.ZCount(ctx, b.creationsKey(address), strconv.FormatInt(since.UnixNano(), 10), "+inf").Result()
	if err != nil {
		return 0, xerrors.Wrap(err, "redis zcount creations")
	}
	return uint32(n), nil
}

func (b *RedisBackend) AppendCreation(ctx context.Context, r Record) error {
	key := b.creationsKey(r.Address)
	score := r.At.UnixNano()
	cutoff := r.At.Add(-b.retention).UnixNano()

	pipe := b.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: fmt.Sprintf("%d:%s", score, r.Identity)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, b.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(err, "redis append creation")
	}
	return nil
}

func (b *RedisBackend) Exemption(ctx context.Context, address string) (Exemption, bool, error) {
	v, err := b.rdb.HGet(ctx, b.exemptionsKey(), address).Result()
	if errors.Is(err, redis.Nil) {
		return Exemption{}, false, nil
	}
	if err != nil {
		return Exemption{}, false, xerrors.Wrap(err, "redis hget exemption")
	}
	var e Exemption
	if err := json.Unmarshal([]byte(v), &e); err != nil {
		return Exemption{}, false, xerrors.Wrapf(err, "decode exemption %s", address)
	}
	e.Address = address
	return e, true, nil
}

func (b *RedisBackend) InsertExemption(ctx context.Context, e Exemption) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return xerrors.Wrap(err, "encode exemption")
	}
	ok, err := b.rdb.HSetNX(ctx, b.exemptionsKey(), e.Address, payload).Result()
	if err != nil {
		return xerrors.Wrap(err, "redis hsetnx exemption")
	}
	if !ok {
		return ErrDuplicateAddress
	}
	return nil
}

func (b *RedisBackend) DeleteExemption(ctx context.Context, address string) error {
	n, err := b.rdb.HDel(ctx, b.exemptionsKey(), address).Result()
	if err != nil {
		return xerrors.Wrap(err, "redis hdel exemption")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExemptions returns exemptions oldest first.
func (b *RedisBackend) ListExemptions(ctx context.Context) ([]Exemption, error) {
	raw, err := b.rdb.HGetAll(ctx, b.exemptionsKey()).Result()
	if err != nil {
		return nil, xerrors.Wrap(err, "redis hgetall exemptions")
	}
	out := make([]Exemption, 0, len(raw))
	for addr, v := range raw {
		var e Exemption
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, xerrors.Wrapf(err, "decode exemption %s", addr)
		}
		e.Address = addr
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}
