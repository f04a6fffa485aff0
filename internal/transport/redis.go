package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/rueidis"

	"github.com/provenancedb/provenance/internal/event"
)

// RedisPublisher publishes events to a Redis stream with XADD.
//
// Redelivered events land as duplicate entries; consumers dedupe by the
// event_id field.
type RedisPublisher struct {
	client    rueidis.Client
	streamKey string
}

// NewRedisPublisher connects to Redis and publishes to streamKey.
func NewRedisPublisher(addr, streamKey string) (*RedisPublisher, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if strings.TrimSpace(streamKey) == "" {
		return nil, fmt.Errorf("redis stream key is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisPublisher{client: client, streamKey: streamKey}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := p.client.B().Xadd().Key(p.streamKey).Id("*").
		FieldValue().
		FieldValue("event_id", evt.EventID).
		FieldValue("stream_id", evt.StreamID).
		FieldValue("seq", strconv.FormatUint(evt.Seq, 10)).
		FieldValue("global_pos", strconv.FormatInt(evt.GlobalPos, 10)).
		FieldValue("cid", evt.CID).
		FieldValue("prev_cid", evt.PrevCID).
		FieldValue("event_type", string(evt.Type)).
		FieldValue("message_id", evt.Meta.Identity.MessageID()).
		FieldValue("correlation_id", evt.Meta.Identity.CorrelationID()).
		FieldValue("causation_id", evt.Meta.Identity.CausationID()).
		FieldValue("timestamp", strconv.FormatInt(evt.Meta.Timestamp.UTC().UnixMilli(), 10)).
		FieldValue("actor", evt.Meta.Actor).
		FieldValue("payload", string(evt.Payload)).
		Build()

	if err := p.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.streamKey, err)
	}
	return nil
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() {
	if p != nil && p.client != nil {
		p.client.Close()
	}
}
