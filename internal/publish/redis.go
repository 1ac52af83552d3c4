package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NodePath81/netprobe/internal/probe"
)

const (
	DefaultRedisChannel   = "netprobe"
	DefaultRedisKeyPrefix = "netprobe:"
	DefaultRedisTTL       = time.Minute
)

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	// Channel receives every snapshot as a JSON Record.
	Channel string
	// KeyPrefix namespaces the per-probe latest keys and the probe hash.
	KeyPrefix string
	// TTL expires latest keys of probes that stopped reporting.
	TTL time.Duration
}

// Redis publishes each snapshot on a channel and keeps the latest one per
// probe under "<prefix>latest:<kind>/<name>".
type Redis struct {
	cfg    RedisConfig
	client *redis.Client
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr must not be empty")
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultRedisTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Redis{cfg: cfg, client: client}, nil
}

func (r *Redis) LatestKey(id probe.Identity) string {
	return r.cfg.KeyPrefix + "latest:" + id.String()
}

func (r *Redis) ProbesKey() string {
	return r.cfg.KeyPrefix + "probes"
}

// Announce replaces the probe hash with the current descriptors.
func (r *Redis) Announce(ctx context.Context, descriptors []probe.Descriptor) error {
	fields := make(map[string]any, len(descriptors))
	for _, d := range descriptors {
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal descriptor %s: %w", d.Identity, err)
		}
		fields[d.Identity.String()] = data
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.ProbesKey())
		if len(fields) > 0 {
			pipe.HSet(ctx, r.ProbesKey(), fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store probe descriptors: %w", err)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, snap probe.Snapshot) error {
	data, err := json.Marshal(NewRecord(snap))
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, r.cfg.Channel, data)
		pipe.Set(ctx, r.LatestKey(snap.Identity), data, r.cfg.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

// Latest returns the stored record of id, or redis.Nil when none exists.
func (r *Redis) Latest(ctx context.Context, id probe.Identity) (Record, error) {
	var rec Record
	data, err := r.client.Get(ctx, r.LatestKey(id)).Bytes()
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
