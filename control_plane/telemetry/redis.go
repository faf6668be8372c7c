package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache using Redis, so hot snapshots survive control
// plane restarts and can be shared by read replicas.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(addr string, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) PutHost(ctx context.Context, snap *HostSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal host snapshot: %w", err)
	}
	return c.client.Set(ctx, HostKey(snap.AgentID), data, c.ttl).Err()
}

func (c *RedisCache) PutWorkload(ctx context.Context, snap *WorkloadSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal workload snapshot: %w", err)
	}
	return c.client.Set(ctx, WorkloadKey(snap.AgentID, snap.WorkloadID), data, c.ttl).Err()
}

func (c *RedisCache) Host(ctx context.Context, agentID string) (*HostSnapshot, error) {
	data, err := c.client.Get(ctx, HostKey(agentID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Not found or expired
		}
		return nil, err
	}
	var snap HostSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal host snapshot: %w", err)
	}
	return &snap, nil
}

func (c *RedisCache) Workload(ctx context.Context, agentID string, workloadID int64) (*WorkloadSnapshot, error) {
	data, err := c.client.Get(ctx, WorkloadKey(agentID, workloadID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var snap WorkloadSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workload snapshot: %w", err)
	}
	return &snap, nil
}

func (c *RedisCache) Workloads(ctx context.Context, agentID string) ([]*WorkloadSnapshot, error) {
	iter := c.client.Scan(ctx, 0, WorkloadPattern(agentID), 0).Iterator()
	var snaps []*WorkloadSnapshot
	for iter.Next(ctx) {
		data, err := c.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue // key may have expired between SCAN and GET
		}
		var snap WorkloadSnapshot
		if err := json.Unmarshal(data, &snap); err == nil {
			snaps = append(snaps, &snap)
		}
	}
	return snaps, iter.Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
