package autonomy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// WorkItem is one unit of agent-initiated work awaiting a run. Subject and
// SubjectType feed the gate; Workflow and Input feed the engine.
type WorkItem struct {
	Workflow    string         `json:"workflow"`
	Subject     string         `json:"subject"`
	SubjectType string         `json:"subject_type"`
	Input       map[string]any `json:"input,omitempty"`
}

// Queue is the Redis-backed buffer of not-yet-started autonomous work.
// Items are consumed FIFO; Clear drops everything queued without touching
// runs already in flight.
type Queue struct {
	rdb *redis.Client
	key string
}

// NewQueue wraps a Redis list at the given key.
func NewQueue(rdb *redis.Client, key string) *Queue {
	if key == "" {
		key = "regent:autonomy:queue"
	}
	return &Queue{rdb: rdb, key: key}
}

// Push appends a work item to the queue.
func (q *Queue) Push(ctx context.Context, item WorkItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("autonomy: marshal work item: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("autonomy: push work item: %w", err)
	}
	return nil
}

// Pop removes and returns the oldest work item, or nil when the queue is empty.
func (q *Queue) Pop(ctx context.Context) (*WorkItem, error) {
	raw, err := q.rdb.LPop(ctx, q.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("autonomy: pop work item: %w", err)
	}
	var item WorkItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("autonomy: decode work item: %w", err)
	}
	return &item, nil
}

// Depth returns the number of queued items.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("autonomy: queue depth: %w", err)
	}
	return n, nil
}

// Clear drops every queued item and returns how many were removed.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("autonomy: queue depth: %w", err)
	}
	if err := q.rdb.Del(ctx, q.key).Err(); err != nil {
		return 0, fmt.Errorf("autonomy: clear queue: %w", err)
	}
	return n, nil
}
