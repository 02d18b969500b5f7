package policy

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/iplimit/internal/xerrors"
)

// RedisBackend stores overrides in a hash keyed by address, with a sorted
// set scored by insertion time to preserve listing order.
//
//	<prefix>overrides        hash   address -> JSON Override
//	<prefix>overrides:order  zset   address scored by created_at unix nanos
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend returns a backend using rdb. prefix namespaces every key,
// e.g. "iplimit:".
func NewRedisBackend(rdb redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{rdb: rdb, prefix: prefix}
}

func (b *RedisBackend) hashKey() string  { return b.prefix + "overrides" }
func (b *RedisBackend) orderKey() string { return b.prefix + "overrides:order" }

func (b *RedisBackend) LoadOverrides(ctx context.Context) ([]Override, error) {
	order, err := b.rdb.ZRange(ctx, b.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(err, "redis zrange overrides order")
	}
	raw, err := b.rdb.HGetAll(ctx, b.hashKey()).Result()
	if err != nil {
		return nil, xerrors.Wrap(err, "redis hgetall overrides")
	}

	out := make([]Override, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	add := func(addr string) error {
		v, ok := raw[addr]
		if !ok {
			return nil
		}
		var o Override
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			return xerrors.Wrapf(err, "decode override %s", addr)
		}
		o.Address = addr
		out = append(out, o)
		seen[addr] = struct{}{}
		return nil
	}
	for _, addr := range order {
		if err := add(addr); err != nil {
			return nil, err
		}
	}

	// rows written without an order entry go last, in a stable order
	var rest []string
	for addr := range raw {
		if _, ok := seen[addr]; !ok {
			rest = append(rest, addr)
		}
	}
	sort.Strings(rest)
	for _, addr := range rest {
		if err := add(addr); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *RedisBackend) InsertOverride(ctx context.Context, o Override) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return xerrors.Wrap(err, "encode override")
	}

	pipe := b.rdb.TxPipeline()
	set := pipe.HSetNX(ctx, b.hashKey(), o.Address, payload)
	pipe.ZAddNX(ctx, b.orderKey(), redis.Z{Score: float64(o.CreatedAt.UnixNano()), Member: o.Address})
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(err, "redis insert override")
	}
	if !set.Val() {
		return ErrDuplicateAddress
	}
	return nil
}

func (b *RedisBackend) DeleteOverride(ctx context.Context, address string) error {
	pipe := b.rdb.TxPipeline()
	del := pipe.HDel(ctx, b.hashKey(), address)
	pipe.ZRem(ctx, b.orderKey(), address)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(err, "redis delete override")
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}
