package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultBlock = 5 * time.Second
	defaultBatch = 16
)

// ConsumerConfig names the stream and the group member a Consumer reads as.
type ConsumerConfig struct {
	Stream string
	Group  string
	Name   string
	Block  time.Duration // longest wait of one Read; 5s when zero
	Batch  int64         // entries per Read or Reclaim; 16 when zero
}

// Consumer reads envelopes from one stream as a member of a consumer group.
// Entries that fail decoding or schema validation are acked and dropped.
type Consumer struct {
	client   *redis.Client
	registry *SchemaRegistry
	cfg      ConsumerConfig
}

// Message is a decoded stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

func NewConsumer(client *redis.Client, registry *SchemaRegistry, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Stream == "" || cfg.Group == "" || cfg.Name == "" {
		return nil, fmt.Errorf("consumer: stream, group and name are required")
	}
	if cfg.Block <= 0 {
		cfg.Block = defaultBlock
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	return &Consumer{client: client, registry: registry, cfg: cfg}, nil
}

// EnsureGroup creates the consumer group, and the stream with it, when
// missing. New groups start at the end of the stream.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", c.cfg.Stream, c.cfg.Group, err)
	}
	return nil
}

// Read returns new entries, waiting up to the configured block duration.
func (c *Consumer) Read(ctx context.Context) ([]Message, error) {
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Batch,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Message
	for _, st := range res {
		out = append(out, c.decodeAll(ctx, st.Messages)...)
	}
	return out, nil
}

func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// Reclaim takes over entries idle for at least minIdle, starting at start.
// Callers continue from the returned id until it is "0-0".
func (c *Consumer) Reclaim(ctx context.Context, minIdle time.Duration, start string) ([]Message, string, error) {
	msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		MinIdle:  minIdle,
		Start:    start,
		Count:    c.cfg.Batch,
	}).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim: %w", err)
	}
	return c.decodeAll(ctx, msgs), next, nil
}

// Pending counts entries delivered to the group but not yet acked.
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	p, err := c.client.XPending(ctx, c.cfg.Stream, c.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}
	return p.Count, nil
}

func (c *Consumer) decodeAll(ctx context.Context, msgs []redis.XMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		env, reason := c.decode(msg)
		if reason != "" {
			recordRejected(ctx, c.cfg.Stream, reason)
			_ = c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err()
			continue
		}
		out = append(out, Message{ID: msg.ID, Envelope: env})
	}
	return out
}

// decode returns the envelope of msg, or the reason it was rejected.
func (c *Consumer) decode(msg redis.XMessage) (Envelope, string) {
	var raw []byte
	switch v := msg.Values["envelope"].(type) {
	case nil:
		return Envelope{}, "missing_envelope"
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Envelope{}, "encoding"
		}
		raw = b
	}
	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		return Envelope{}, "envelope"
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return Envelope{}, "schema"
		}
	}
	return env, ""
}
