// Package redisstream implements internal/bus on top of Redis Streams
// consumer groups (XADD / XREADGROUP / XACK), the only message-queue
// shaped client library available to this codebase.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ireznice/travis-worker/internal/bus"
)

const payloadField = "payload"

// Consumer reads from a stream's consumer group, deriving
// bus.Delivery.Redelivered from XPENDING's delivery counter.
type Consumer struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string

	blockFor time.Duration
	claimIdle time.Duration
}

// NewConsumer builds a Consumer against an already-connected client. It
// creates the consumer group if it does not already exist (MKSTREAM),
// starting from the beginning of the stream's history — unread entries
// at process start should still be claimed rather than skipped.
func NewConsumer(ctx context.Context, client *redis.Client, stream, group, consumerName string) (*Consumer, error) {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("create consumer group %q on stream %q: %w", group, stream, err)
	}
	return &Consumer{
		client:    client,
		stream:    stream,
		group:     group,
		consumer:  consumerName,
		blockFor:  5 * time.Second,
		claimIdle: time.Minute,
	}, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && containsBusyGroup(err.Error())
}

func containsBusyGroup(s string) bool {
	return len(s) >= len("BUSYGROUP") && (s[:9] == "BUSYGROUP")
}

// Subscribe implements bus.Consumer.
func (c *Consumer) Subscribe(ctx context.Context) (<-chan bus.Delivery, error) {
	out := make(chan bus.Delivery)
	go c.pump(ctx, out)
	return out, nil
}

func (c *Consumer) pump(ctx context.Context, out chan<- bus.Delivery) {
	defer close(out)
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    1,
			Block:    c.blockFor,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			// Transient read error: back off briefly and retry. The
			// stream's own durability means nothing is lost here.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				delivery, ok := c.toDelivery(ctx, msg)
				if !ok {
					continue
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (c *Consumer) toDelivery(ctx context.Context, msg redis.XMessage) (bus.Delivery, bool) {
	raw, ok := msg.Values[payloadField]
	if !ok {
		return bus.Delivery{}, false
	}
	payload, ok := raw.(string)
	if !ok {
		return bus.Delivery{}, false
	}

	redelivered := c.deliveryCount(ctx, msg.ID) > 1

	id := msg.ID
	ack := func(ctx context.Context) error {
		return c.client.XAck(ctx, c.stream, c.group, id).Err()
	}
	nack := func(ctx context.Context) error {
		// The entry stays in the group's pending list. This Consumer
		// reads only new entries (">") and does not reclaim pending ones.
		return nil
	}
	return bus.NewDelivery(id, []byte(payload), redelivered, ack, nack), true
}

func (c *Consumer) deliveryCount(ctx context.Context, id string) int64 {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return pending[0].RetryCount
}

// Close implements bus.Consumer.
func (c *Consumer) Close() error {
	return nil
}

// Publisher appends payloads to a stream via XADD. Each Publisher owns
// its own *redis.Client so a stall publishing to one stream (e.g. logs)
// can never block another (e.g. builds).
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewPublisher builds a Publisher bound to stream. maxLen, if positive,
// caps the stream with an approximate MAXLEN trim on every append.
func NewPublisher(client *redis.Client, stream string, maxLen int64) *Publisher {
	return &Publisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish implements bus.Publisher.
func (p *Publisher) Publish(ctx context.Context, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{payloadField: payload},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish to stream %q: %w", p.stream, err)
	}
	return nil
}

// Close implements bus.Publisher.
func (p *Publisher) Close() error {
	return p.client.Close()
}
