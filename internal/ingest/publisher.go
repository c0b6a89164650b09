package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/traffic"
)

// Publisher emits intake envelopes onto the channel. Proxies use it to
// report errors and request counts to an out-of-process routing core.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher connects to Redis and returns a publisher for the
// configured channel. Unlike the consumer it fails fast: publishers
// sit on the data path and must not block startup on a dead broker.
func NewPublisher(cfg config.IngestConfig) (*Publisher, error) {
	channel := cfg.Channel
	if channel == "" {
		channel = config.DefaultIngestChannel
	}
	client := newClient(cfg.Redis)

	dial := cfg.Redis.DialTimeout.Duration()
	if dial <= 0 {
		dial = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), dial)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Address, err)
	}
	return &Publisher{client: client, channel: channel}, nil
}

// PublishError emits one error event.
func (p *Publisher) PublishError(ctx context.Context, ev traffic.ErrorEvent) error {
	payload, err := json.Marshal(errorEnvelope{Type: TypeError, ErrorEvent: ev})
	if err != nil {
		return fmt.Errorf("marshal error envelope: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish error event: %w", err)
	}
	return nil
}

// PublishRequests emits a request count for a rule.
func (p *Publisher) PublishRequests(ctx context.Context, ruleID string, n int64, at time.Time) error {
	payload, err := json.Marshal(trafficEnvelope{
		Type:     TypeTraffic,
		RuleID:   ruleID,
		Requests: n,
		At:       at,
	})
	if err != nil {
		return fmt.Errorf("marshal traffic envelope: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish traffic event: %w", err)
	}
	return nil
}

// PublishAcquire marks a request entering a target.
func (p *Publisher) PublishAcquire(ctx context.Context, ruleID, targetKey string) error {
	return p.publishInflight(ctx, ruleID, targetKey, 1)
}

// PublishRelease marks a request leaving a target.
func (p *Publisher) PublishRelease(ctx context.Context, ruleID, targetKey string) error {
	return p.publishInflight(ctx, ruleID, targetKey, -1)
}

func (p *Publisher) publishInflight(ctx context.Context, ruleID, targetKey string, delta int) error {
	payload, err := json.Marshal(inflightEnvelope{
		Type:   TypeInflight,
		RuleID: ruleID,
		Target: targetKey,
		Delta:  delta,
	})
	if err != nil {
		return fmt.Errorf("marshal inflight envelope: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish inflight event: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
