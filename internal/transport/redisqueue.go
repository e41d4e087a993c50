package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue persists envelopes queued for offline recipients in Redis
// instead of the Hub's in-memory pending map, so a backlog survives a
// server restart and is visible to whichever node the recipient reconnects
// to next.
type RedisQueue struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisQueue builds a queue whose entries expire after ttl if never
// drained (mirrors the sealed envelope's own TTL so nothing outlives the
// certificate it arrived under).
func NewRedisQueue(client *redis.Client, ttl time.Duration) *RedisQueue {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisQueue{client: client, ttl: ttl}
}

func pendingKey(recipientID string) string { return "transport:pending:" + recipientID }

type pendingRecord struct {
	MessageID   string    `json:"messageId"`
	Envelope    []byte    `json:"envelope"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// Enqueue appends rec to recipientID's backlog and refreshes the key's TTL.
func (q *RedisQueue) Enqueue(ctx context.Context, recipientID string, rec Inbound) error {
	blob, err := json.Marshal(pendingRecord{MessageID: rec.MessageID, Envelope: rec.Envelope, DeliveredAt: rec.DeliveredAt})
	if err != nil {
		return fmt.Errorf("transport: marshal pending record: %w", err)
	}
	key := pendingKey(recipientID)
	pipe := q.client.Pipeline()
	pipe.RPush(ctx, key, blob)
	pipe.Expire(ctx, key, q.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("transport: enqueue pending for %s: %w", recipientID, err)
	}
	return nil
}

// Drain atomically pops and returns every backlogged record for
// recipientID, in FIFO order.
func (q *RedisQueue) Drain(ctx context.Context, recipientID string) ([]Inbound, error) {
	key := pendingKey(recipientID)
	var out []Inbound
	for {
		raw, err := q.client.LPop(ctx, key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("transport: drain pending for %s: %w", recipientID, err)
		}
		var rec pendingRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, Inbound{MessageID: rec.MessageID, Envelope: rec.Envelope, DeliveredAt: rec.DeliveredAt})
	}
	return out, nil
}
