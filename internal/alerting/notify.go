package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	alertingmetrics "github.com/ataiva-software/kontainers-sub000/internal/metrics/alerting"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
)

// Notification is emitted on every alert lifecycle transition.
type Notification struct {
	AlertID  string      `json:"alertId"`
	ConfigID string      `json:"configId"`
	RuleID   string      `json:"ruleId,omitempty"`
	Status   AlertStatus `json:"status"`
	Message  string      `json:"message"`
	Channels []string    `json:"channels,omitempty"`
	At       time.Time   `json:"at"`
}

// Sink receives notifications. Delivery is at most once per lifecycle
// transition; the sink owns durability and retries.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the log. It is the default sink.
type LogSink struct {
	logger observability.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger observability.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (s *LogSink) Notify(_ context.Context, n Notification) error {
	s.logger.Info("alert notification",
		observability.String("alert", n.AlertID),
		observability.String("config", n.ConfigID),
		observability.String("status", string(n.Status)),
		observability.String("message", n.Message),
		observability.Strings("channels", n.Channels),
	)
	return nil
}

// ChannelSink forwards notifications to a buffered channel for
// embedders that fan out themselves. A full channel fails the delivery.
type ChannelSink struct {
	ch chan Notification
}

// NewChannelSink creates a ChannelSink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{ch: make(chan Notification, size)}
}

// Notify implements Sink.
func (s *ChannelSink) Notify(_ context.Context, n Notification) error {
	select {
	case s.ch <- n:
		return nil
	default:
		return fmt.Errorf("notification channel full")
	}
}

// Notifications returns the outbound channel.
func (s *ChannelSink) Notifications() <-chan Notification {
	return s.ch
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*ChannelSink)(nil)
)

// Notifier delivers notifications through a sink with a token-bucket
// throttle per channel name. Throttled channels are dropped from the
// notification and counted, never queued.
type Notifier struct {
	sink    Sink
	logger  observability.Logger
	metrics *alertingmetrics.AlertingMetrics
	rps     rate.Limit
	burst   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithNotifierLogger sets the logger.
func WithNotifierLogger(logger observability.Logger) NotifierOption {
	return func(n *Notifier) { n.logger = logger }
}

// NewNotifier creates a notifier with per-channel rate limits from the
// alerting config.
func NewNotifier(sink Sink, cfg config.AlertingConfig, opts ...NotifierOption) *Notifier {
	rps := cfg.ChannelRate
	if rps <= 0 {
		rps = config.DefaultChannelRate
	}
	burst := cfg.ChannelBurst
	if burst <= 0 {
		burst = config.DefaultChannelBurst
	}

	n := &Notifier{
		sink:     sink,
		logger:   observability.L(),
		metrics:  alertingmetrics.GetAlertingMetrics(),
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(observability.String("component", "alerting"))
	return n
}

// Send delivers one notification. Channels that are over their rate
// are dropped; if every channel is throttled nothing is delivered.
// Delivery failures are logged and counted, never retried.
func (n *Notifier) Send(ctx context.Context, notification Notification) {
	if len(notification.Channels) > 0 {
		allowed := make([]string, 0, len(notification.Channels))
		for _, ch := range notification.Channels {
			if n.limiter(ch).Allow() {
				allowed = append(allowed, ch)
				continue
			}
			n.metrics.RecordNotification(ch, alertingmetrics.NotifyThrottled)
			n.logger.Debug("notification throttled",
				observability.String("channel", ch),
				observability.String("alert", notification.AlertID),
			)
		}
		if len(allowed) == 0 {
			return
		}
		notification.Channels = allowed
	}

	if err := n.sink.Notify(ctx, notification); err != nil {
		for _, ch := range notification.Channels {
			n.metrics.RecordNotification(ch, alertingmetrics.NotifyFailed)
		}
		n.logger.Error("notification delivery failed",
			observability.String("alert", notification.AlertID),
			observability.String("status", string(notification.Status)),
			observability.Error(err),
		)
		return
	}
	for _, ch := range notification.Channels {
		n.metrics.RecordNotification(ch, alertingmetrics.NotifySent)
	}
}

// limiter returns the channel's rate limiter, creating it on first use.
func (n *Notifier) limiter(channel string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[channel]
	if !ok {
		l = rate.NewLimiter(n.rps, n.burst)
		n.limiters[channel] = l
	}
	return l
}
