package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lexflow/lexflow/internal/store/model"
	"github.com/redis/go-redis/v9"
)

const (
	stagePrefix    = "lexflow:stage:"
	artifactPrefix = "lexflow:artifact:"
)

// Cache holds non-authoritative snapshots of stage records and
// assembled intermediate artifacts for fast resumption. It is always
// rebuildable from the durable store; a miss is never an error.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(addr, password string, db int, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Cache{client: client, ttl: ttl}, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// SnapshotStage mirrors the durable stage record. Implements the stage
// machine's Snapshotter.
func (c *Cache) SnapshotStage(ctx context.Context, record *model.StageRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal stage record: %w", err)
	}

	if err := c.client.Set(ctx, stagePrefix+record.DocumentID.String(), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("snapshot stage record: %w", err)
	}
	return nil
}

// GetStageSnapshot returns the cached stage record, or nil on a miss.
// Callers fall back to the durable store.
func (c *Cache) GetStageSnapshot(ctx context.Context, documentID uuid.UUID) (*model.StageRecord, error) {
	data, err := c.client.Get(ctx, stagePrefix+documentID.String()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get stage snapshot: %w", err)
	}

	var record model.StageRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshal stage snapshot: %w", err)
	}
	return &record, nil
}

// PutArtifact stores an assembled intermediate artifact (e.g. OCR text)
// keyed by document and stage.
func (c *Cache) PutArtifact(ctx context.Context, documentID uuid.UUID, stage string, content []byte) error {
	key := artifactPrefix + documentID.String() + ":" + stage
	if err := c.client.Set(ctx, key, content, c.ttl).Err(); err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	return nil
}

// GetArtifact returns the cached artifact, or nil on a miss.
func (c *Cache) GetArtifact(ctx context.Context, documentID uuid.UUID, stage string) ([]byte, error) {
	key := artifactPrefix + documentID.String() + ":" + stage
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return data, nil
}

// Invalidate drops the stage snapshot and all artifacts for a document.
func (c *Cache) Invalidate(ctx context.Context, documentID uuid.UUID) error {
	keys, err := c.client.Keys(ctx, artifactPrefix+documentID.String()+":*").Result()
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}
	keys = append(keys, stagePrefix+documentID.String())

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate document: %w", err)
	}
	return nil
}
