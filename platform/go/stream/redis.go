package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis client used for streams.
type RedisConfig struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient parses the URL, applies overrides and pings the server.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url is required")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout != 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisPublisher appends to a Redis stream with XADD.
type RedisPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisPublisher panics on a nil client. maxLen <= 0 disables trimming.
func NewRedisPublisher(client redis.UniversalClient, stream string, maxLen int64) *RedisPublisher {
	if client == nil {
		panic("redis publisher: client is required")
	}
	if stream == "" {
		stream = LifecycleStream
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, key string, payload []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{fieldKey: key, fieldPayload: payload},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return id, nil
}

// RedisGroup is one member of a Redis stream consumer group.
type RedisGroup struct {
	client redis.UniversalClient
	cfg    GroupConfig
}

// NewRedisGroup panics on a nil client or missing group/consumer names.
func NewRedisGroup(client redis.UniversalClient, cfg GroupConfig) *RedisGroup {
	if client == nil {
		panic("redis group: client is required")
	}
	if cfg.Group == "" || cfg.Consumer == "" {
		panic("redis group: group and consumer are required")
	}
	return &RedisGroup{client: client, cfg: cfg.withDefaults()}
}

// EnsureGroup creates the stream and the group reading from its beginning.
// An existing group is left untouched.
func (g *RedisGroup) EnsureGroup(ctx context.Context) error {
	err := g.client.XGroupCreateMkStream(ctx, g.cfg.Stream, g.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s/%s: %w", g.cfg.Stream, g.cfg.Group, err)
	}
	return nil
}

func (g *RedisGroup) Fetch(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = defaultFetchCount
	}

	claimed, _, err := g.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   g.cfg.Stream,
		Group:    g.cfg.Group,
		Consumer: g.cfg.Consumer,
		MinIdle:  g.cfg.MinIdle,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", g.cfg.Stream, g.cfg.Group, err)
	}

	out := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		msg := toMessage(m)
		msg.Redelivered = true
		out = append(out, msg)
	}
	if len(out) >= max {
		return out, nil
	}

	block := g.cfg.Block
	if len(out) > 0 {
		// reclaimed work is waiting; a negative Block omits BLOCK from XREADGROUP
		block = -1
	}
	streams, err := g.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g.cfg.Group,
		Consumer: g.cfg.Consumer,
		Streams:  []string{g.cfg.Stream, ">"},
		Count:    int64(max - len(out)),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		return out, fmt.Errorf("xreadgroup %s/%s: %w", g.cfg.Stream, g.cfg.Group, err)
	}
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, toMessage(m))
		}
	}
	return out, nil
}

func (g *RedisGroup) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := g.client.XAck(ctx, g.cfg.Stream, g.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", g.cfg.Stream, g.cfg.Group, err)
	}
	return nil
}

func toMessage(m redis.XMessage) Message {
	msg := Message{ID: m.ID}
	if v, ok := m.Values[fieldKey].(string); ok {
		msg.Key = v
	}
	if v, ok := m.Values[fieldPayload].(string); ok {
		msg.Payload = []byte(v)
	}
	return msg
}
