package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/utils"
	"github.com/redis/go-redis/v9"
)

const (
	checkpointPrefix = "searchexport:checkpoint:"
	checkpointTTL    = 24 * time.Hour
)

// Checkpoint is the last durable cursor of an export that ran out of budget
type Checkpoint struct {
	Index     string        `json:"index"`
	Cursor    models.Cursor `json:"cursor"`
	Count     int64         `json:"count"`
	JobID     string        `json:"job_id"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type Redis struct {
	Client *redis.Client
}

func NewRedis(opt *redis.Options) (*Redis, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}

	return &Redis{
		Client: client,
	}, nil
}

func (s *Redis) Close() error {
	return s.Client.Close()
}

func checkpointKey(index string) string {
	return checkpointPrefix + index
}

// SaveCheckpoint stores the checkpoint of an index, replacing any earlier one
func (s *Redis) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	if checkpoint.UpdatedAt.IsZero() {
		checkpoint.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("error encoding checkpoint: %w", err)
	}

	if err := s.Client.Set(ctx, checkpointKey(checkpoint.Index), data, checkpointTTL).Err(); err != nil {
		return fmt.Errorf("error storing checkpoint for %s: %w", checkpoint.Index, err)
	}

	return nil
}

// LoadCheckpoint returns the stored checkpoint of an index or ErrCheckpointNotFound
func (s *Redis) LoadCheckpoint(ctx context.Context, index string) (*Checkpoint, error) {
	data, err := s.Client.Get(ctx, checkpointKey(index)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, utils.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("error loading checkpoint for %s: %w", index, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var checkpoint Checkpoint
	if err := dec.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("error decoding checkpoint for %s: %w", index, err)
	}

	return &checkpoint, nil
}

// ClearCheckpoint forgets the checkpoint of an index
func (s *Redis) ClearCheckpoint(ctx context.Context, index string) error {
	if err := s.Client.Del(ctx, checkpointKey(index)).Err(); err != nil {
		return fmt.Errorf("error clearing checkpoint for %s: %w", index, err)
	}
	return nil
}
