package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qbrix/qbrix/internal/domain/feedback"
)

// StreamPublisher appends feedback events to a capped Redis stream.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamPublisher builds a publisher for the named stream, capped to
// an approximate maxLen (0 = unbounded).
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish implements feedback.Publisher.
func (p *StreamPublisher) Publish(ctx context.Context, event *feedback.Event) (string, error) {
	values, err := event.Values()
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
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

// StreamConsumer reads the feedback stream through a consumer group.
// One active consumer per consumer name.
type StreamConsumer struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
}

// NewStreamConsumer creates the consumer group at stream position 0 if it
// does not exist (an already-existing group is fine) and returns a
// consumer bound to the given name.
func NewStreamConsumer(ctx context.Context, client *redis.Client, stream, group, consumer string) (*StreamConsumer, error) {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s: %w", group, err)
	}
	return &StreamConsumer{client: client, stream: stream, group: group, consumer: consumer}, nil
}

// Consume implements feedback.Consumer.
func (c *StreamConsumer) Consume(ctx context.Context, batch int, blockMs int64) ([]feedback.Message, error) {
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    int64(batch),
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", c.stream, err)
	}

	var msgs []feedback.Message
	for _, stream := range res {
		for _, m := range stream.Messages {
			event, err := feedback.EventFromValues(m.Values)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, feedback.Message{ID: m.ID, Event: event})
		}
	}
	return msgs, nil
}

// PendingCount implements feedback.Consumer.
func (c *StreamConsumer) PendingCount(ctx context.Context) (int64, error) {
	pending, err := c.client.XPending(ctx, c.stream, c.group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", c.stream, err)
	}
	return pending.Count, nil
}

// ClaimPending implements feedback.Consumer using XAUTOCLAIM from the
// start of the pending entries list.
func (c *StreamConsumer) ClaimPending(ctx context.Context, count int, minIdleMs int64) ([]feedback.Message, error) {
	claimed, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  time.Duration(minIdleMs) * time.Millisecond,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", c.stream, err)
	}

	var msgs []feedback.Message
	for _, m := range claimed {
		event, err := feedback.EventFromValues(m.Values)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, feedback.Message{ID: m.ID, Event: event})
	}
	return msgs, nil
}

// Ack implements feedback.Consumer: acknowledged ids are also deleted to
// bound stream storage.
func (c *StreamConsumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", c.stream, err)
	}
	if err := c.client.XDel(ctx, c.stream, ids...).Err(); err != nil {
		return fmt.Errorf("xdel %s: %w", c.stream, err)
	}
	return nil
}
