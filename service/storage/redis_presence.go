package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: meower:presence:<username>
// zset member = node name, score = unix seconds the entry stays valid until
func presenceKey(username string) string { return "meower:presence:" + username }

// RedisPresence mirrors this node's presence view into Redis so other
// processes can ask which gateway nodes hold a user.
type RedisPresence struct {
	rdb  redis.Cmdable
	node string
	ttl  time.Duration
	now  func() time.Time
}

func NewRedisPresence(rdb redis.Cmdable, node string, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisPresence{rdb: rdb, node: node, ttl: ttl, now: time.Now}
}

func (p *RedisPresence) TTL() time.Duration { return p.ttl }

// Online marks username as held by this node and renews the TTL.
func (p *RedisPresence) Online(ctx context.Context, username string) error {
	return p.Refresh(ctx, []string{username})
}

// Refresh renews every username in one pipeline.
func (p *RedisPresence) Refresh(ctx context.Context, usernames []string) error {
	if len(usernames) == 0 {
		return nil
	}
	until := float64(p.now().Add(p.ttl).Unix())
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, u := range usernames {
			key := presenceKey(u)
			pipe.ZAdd(ctx, key, redis.Z{Score: until, Member: p.node})
			pipe.Expire(ctx, key, p.ttl)
		}
		return nil
	})
	return errors.Wrap(err, "presence refresh")
}

// Offline removes this node from username's entry.
func (p *RedisPresence) Offline(ctx context.Context, username string) error {
	return errors.Wrap(p.rdb.ZRem(ctx, presenceKey(username), p.node).Err(), "presence offline")
}

// Lookup returns the nodes currently holding username, dropping expired ones.
func (p *RedisPresence) Lookup(ctx context.Context, username string) ([]string, error) {
	key := presenceKey(username)
	now := strconv.FormatInt(p.now().Unix(), 10)
	if err := p.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+now).Err(); err != nil {
		return nil, errors.Wrap(err, "presence prune")
	}
	nodes, err := p.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: now, Max: "+inf"}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "presence lookup")
	}
	return nodes, nil
}
