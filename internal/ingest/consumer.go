// Package ingest consumes error, traffic and in-flight events
// published by Kontainers proxies over Redis pub/sub and feeds them
// into the traffic aggregator and the load-balancing in-flight
// counters. In-process embedders can record on the aggregator
// directly; this package is the out-of-process path.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	ingestmetrics "github.com/ataiva-software/kontainers-sub000/internal/metrics/ingest"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/traffic"
)

// Envelope types on the wire.
const (
	TypeError    = "error"
	TypeTraffic  = "traffic"
	TypeInflight = "inflight"
	typeUnknown  = "unknown"
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultConnectRetries = 5
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second

	// dropLogEvery samples malformed-payload logging: the first drop
	// and every hundredth after it.
	dropLogEvery = 100

	maxLoggedPayload = 256
)

// errorEnvelope carries one error event. The event fields sit flat
// beside the type discriminator.
type errorEnvelope struct {
	Type string `json:"type"`
	traffic.ErrorEvent
}

// trafficEnvelope carries a request count for a rule. A zero At means
// the receive time.
type trafficEnvelope struct {
	Type     string    `json:"type"`
	RuleID   string    `json:"ruleId"`
	Requests int64     `json:"requests"`
	At       time.Time `json:"at"`
}

// inflightEnvelope marks a request entering (+1) or leaving (-1) a
// target, feeding least-connections selection.
type inflightEnvelope struct {
	Type   string `json:"type"`
	RuleID string `json:"ruleId"`
	Target string `json:"target"`
	Delta  int    `json:"delta"`
}

// InFlightTracker receives request start/finish hooks per target.
// balance.Selector satisfies it.
type InFlightTracker interface {
	Acquire(ruleID, targetKey string)
	Release(ruleID, targetKey string)
}

// Consumer subscribes to the intake channel and records decoded
// envelopes on the aggregator. Malformed payloads are dropped and
// counted, never retried.
type Consumer struct {
	client     *redis.Client
	aggregator *traffic.Aggregator
	inflight   InFlightTracker
	channel    string
	logger     observability.Logger
	metrics    *ingestmetrics.IngestMetrics

	dropped atomic.Uint64

	mu        sync.Mutex
	sub       *redis.PubSub
	running   bool
	stoppedCh chan struct{}
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger observability.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// WithInFlightTracker routes inflight envelopes to a tracker. Without
// one they are counted and discarded.
func WithInFlightTracker(tracker InFlightTracker) ConsumerOption {
	return func(c *Consumer) { c.inflight = tracker }
}

// NewConsumer connects to Redis and returns a consumer for the
// configured channel. The connection is verified with a ping before
// use, retrying with decorrelated jitter backoff.
func NewConsumer(
	cfg config.IngestConfig,
	aggregator *traffic.Aggregator,
	opts ...ConsumerOption,
) (*Consumer, error) {
	channel := cfg.Channel
	if channel == "" {
		channel = config.DefaultIngestChannel
	}

	c := &Consumer{
		client:     newClient(cfg.Redis),
		aggregator: aggregator,
		channel:    channel,
		logger:     observability.L(),
		metrics:    ingestmetrics.GetIngestMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(observability.String("component", "ingest"))

	if err := connectWithRetry(c.client, cfg.Redis, c.logger, c.metrics); err != nil {
		_ = c.client.Close()
		return nil, err
	}
	c.metrics.SetConnected(true)
	return c, nil
}

// Start subscribes and launches the consume loop. It returns once the
// server has confirmed the subscription, so events published after
// Start cannot be missed.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	sub := c.client.Subscribe(context.Background(), c.channel)
	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe to %s: %w", c.channel, err)
	}

	c.running = true
	c.sub = sub
	c.stoppedCh = make(chan struct{})
	go c.run(sub, c.stoppedCh)
	return nil
}

// Stop closes the subscription and waits for the consume loop to
// drain. The Redis client stays open for a later Start.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	sub, stopped := c.sub, c.stoppedCh
	c.mu.Unlock()

	_ = sub.Close()
	<-stopped
	c.metrics.SetConnected(false)
}

// Close stops the consumer and releases the Redis client.
func (c *Consumer) Close() error {
	c.Stop()
	return c.client.Close()
}

// Ping verifies the Redis connection. Readiness checks use it.
func (c *Consumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Consumer) run(sub *redis.PubSub, stopped chan struct{}) {
	defer close(stopped)
	c.logger.Info("event intake started",
		observability.String("channel", c.channel),
	)
	for msg := range sub.Channel() {
		c.handle(msg.Payload)
	}
	c.logger.Info("event intake stopped")
}

// handle decodes one payload and records it. The type discriminator
// is read first so a malformed body is counted under its claimed type.
func (c *Consumer) handle(payload string) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &head); err != nil {
		c.drop(typeUnknown, payload, err)
		return
	}

	switch head.Type {
	case TypeError:
		var env errorEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			c.drop(TypeError, payload, err)
			return
		}
		if env.RuleID == "" {
			c.drop(TypeError, payload, fmt.Errorf("missing ruleId"))
			return
		}
		if env.Kind != "" && !traffic.ValidKind(env.Kind) {
			c.drop(TypeError, payload, fmt.Errorf("unknown error kind %q", env.Kind))
			return
		}
		c.aggregator.RecordError(env.ErrorEvent)
		c.metrics.RecordMessage(TypeError, ingestmetrics.ResultOK)

	case TypeTraffic:
		var env trafficEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			c.drop(TypeTraffic, payload, err)
			return
		}
		if env.RuleID == "" {
			c.drop(TypeTraffic, payload, fmt.Errorf("missing ruleId"))
			return
		}
		if env.Requests <= 0 {
			c.drop(TypeTraffic, payload, fmt.Errorf("non-positive request count %d", env.Requests))
			return
		}
		c.aggregator.RecordRequests(env.RuleID, env.Requests, env.At)
		c.metrics.RecordMessage(TypeTraffic, ingestmetrics.ResultOK)

	case TypeInflight:
		var env inflightEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			c.drop(TypeInflight, payload, err)
			return
		}
		if env.RuleID == "" || env.Target == "" {
			c.drop(TypeInflight, payload, fmt.Errorf("missing ruleId or target"))
			return
		}
		if env.Delta != 1 && env.Delta != -1 {
			c.drop(TypeInflight, payload, fmt.Errorf("delta %d outside {-1, 1}", env.Delta))
			return
		}
		if c.inflight != nil {
			if env.Delta > 0 {
				c.inflight.Acquire(env.RuleID, env.Target)
			} else {
				c.inflight.Release(env.RuleID, env.Target)
			}
		}
		c.metrics.RecordMessage(TypeInflight, ingestmetrics.ResultOK)

	default:
		c.drop(typeUnknown, payload, fmt.Errorf("unknown envelope type %q", head.Type))
	}
}

// drop counts a malformed payload and logs a sample of them.
func (c *Consumer) drop(envelopeType, payload string, err error) {
	c.metrics.RecordMessage(envelopeType, ingestmetrics.ResultMalformed)
	n := c.dropped.Add(1)
	if n != 1 && n%dropLogEvery != 0 {
		return
	}
	c.logger.Warn("dropping malformed event",
		observability.String("type", envelopeType),
		observability.Uint64("dropped", n),
		observability.String("payload", truncate(payload, maxLoggedPayload)),
		observability.Error(err),
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// newClient builds a Redis client from the intake settings.
func newClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout.Duration(),
		ReadTimeout:  cfg.ReadTimeout.Duration(),
		WriteTimeout: cfg.WriteTimeout.Duration(),
	})
}

// connectWithRetry pings Redis until it answers, backing off with
// decorrelated jitter between attempts so restarting consumers do not
// stampede the broker.
func connectWithRetry(
	client *redis.Client,
	cfg config.RedisConfig,
	logger observability.Logger,
	metrics *ingestmetrics.IngestMetrics,
) error {
	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = defaultConnectRetries
	}
	initial := cfg.InitialBackoff.Duration()
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	maxWait := cfg.MaxBackoff.Duration()
	if maxWait <= 0 {
		maxWait = defaultMaxBackoff
	}
	dial := cfg.DialTimeout.Duration()
	if dial <= 0 {
		dial = defaultDialTimeout
	}

	total := time.Duration(retries+1) * dial
	if total > 2*time.Minute {
		total = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), total)
	defer cancel()

	backoff := newJitterBackoff(initial, maxWait)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		pingCtx, pingCancel := context.WithTimeout(ctx, dial)
		lastErr = client.Ping(pingCtx).Err()
		pingCancel()
		if lastErr == nil {
			if attempt > 0 {
				logger.Info("redis connection established after retry",
					observability.String("address", cfg.Address),
					observability.Int("attempt", attempt+1),
				)
			}
			return nil
		}
		metrics.RecordConnectError()

		if attempt >= retries {
			break
		}
		wait := backoff.next(attempt)
		logger.Debug("redis connection failed, retrying",
			observability.String("address", cfg.Address),
			observability.Int("attempt", attempt+1),
			observability.Int("max_retries", retries),
			observability.Duration("backoff", wait),
			observability.Error(lastErr),
		)
		metrics.RecordConnectRetry()

		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout exceeded during backoff: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("connect to redis at %s after %d attempts: %w", cfg.Address, retries+1, lastErr)
}

// jitterBackoff implements AWS-style decorrelated jitter:
// sleep = min(cap, random_between(base, sleep * 3)).
type jitterBackoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newJitterBackoff(initial, maxDuration time.Duration) *jitterBackoff {
	return &jitterBackoff{
		initial: initial,
		max:     maxDuration,
		current: initial,
	}
}

func (b *jitterBackoff) next(attempt int) time.Duration {
	if attempt == 0 {
		b.current = b.initial
		return b.current
	}

	lo := float64(b.initial)
	hi := float64(b.current) * 3

	//nolint:gosec // weak random is acceptable for jitter
	wait := lo + float64(time.Now().UnixNano()%1000)/1000.0*(hi-lo)

	if wait > float64(b.max) {
		wait = float64(b.max)
	}
	b.current = time.Duration(wait)
	return b.current
}
