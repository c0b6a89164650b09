package alerting

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
)

type failingSink struct {
	calls int
}

func (s *failingSink) Notify(context.Context, Notification) error {
	s.calls++
	return errors.New("webhook unreachable")
}

func testNotification(channels ...string) Notification {
	return Notification{
		AlertID:  "a1",
		ConfigID: "c1",
		RuleID:   "r1",
		Status:   StatusActive,
		Message:  "error rate over threshold",
		Channels: channels,
	}
}

func TestNotifier_DeliversThroughSink(t *testing.T) {
	t.Parallel()

	sink := NewChannelSink(4)
	n := NewNotifier(sink,
		config.AlertingConfig{ChannelRate: 100, ChannelBurst: 10},
		WithNotifierLogger(observability.NopLogger()),
	)

	n.Send(context.Background(), testNotification("slack", "pagerduty"))

	select {
	case got := <-sink.Notifications():
		assert.Equal(t, "a1", got.AlertID)
		assert.Equal(t, []string{"slack", "pagerduty"}, got.Channels)
	default:
		t.Fatal("expected a delivered notification")
	}
}

func TestNotifier_ThrottleDropsChannel(t *testing.T) {
	t.Parallel()

	sink := NewChannelSink(4)
	// Burst of one and a refill far slower than the test.
	n := NewNotifier(sink,
		config.AlertingConfig{ChannelRate: 0.0001, ChannelBurst: 1},
		WithNotifierLogger(observability.NopLogger()),
	)

	n.Send(context.Background(), testNotification("slack"))
	n.Send(context.Background(), testNotification("slack"))

	first := <-sink.Notifications()
	assert.Equal(t, []string{"slack"}, first.Channels)
	select {
	case second := <-sink.Notifications():
		t.Fatalf("throttled notification was delivered: %+v", second)
	default:
	}
}

func TestNotifier_ThrottleIsPerChannel(t *testing.T) {
	t.Parallel()

	sink := NewChannelSink(4)
	n := NewNotifier(sink,
		config.AlertingConfig{ChannelRate: 0.0001, ChannelBurst: 1},
		WithNotifierLogger(observability.NopLogger()),
	)

	n.Send(context.Background(), testNotification("slack"))
	<-sink.Notifications()

	// slack is out of tokens, email is fresh.
	n.Send(context.Background(), testNotification("slack", "email"))

	got := <-sink.Notifications()
	assert.Equal(t, []string{"email"}, got.Channels)
}

func TestNotifier_EmptyChannelsBypassThrottle(t *testing.T) {
	t.Parallel()

	sink := NewChannelSink(8)
	n := NewNotifier(sink,
		config.AlertingConfig{ChannelRate: 0.0001, ChannelBurst: 1},
		WithNotifierLogger(observability.NopLogger()),
	)

	for i := 0; i < 3; i++ {
		n.Send(context.Background(), testNotification())
	}
	assert.Len(t, sink.ch, 3)
}

func TestNotifier_SinkFailureDoesNotPanic(t *testing.T) {
	t.Parallel()

	sink := &failingSink{}
	n := NewNotifier(sink,
		config.AlertingConfig{ChannelRate: 100, ChannelBurst: 10},
		WithNotifierLogger(observability.NopLogger()),
	)

	n.Send(context.Background(), testNotification("slack"))
	assert.Equal(t, 1, sink.calls)
}

func TestNotifier_Defaults(t *testing.T) {
	t.Parallel()

	n := NewNotifier(NewChannelSink(1), config.AlertingConfig{},
		WithNotifierLogger(observability.NopLogger()),
	)
	assert.InDelta(t, config.DefaultChannelRate, float64(n.rps), 0.0001)
	assert.Equal(t, config.DefaultChannelBurst, n.burst)
}

func TestChannelSink_FullFailsDelivery(t *testing.T) {
	t.Parallel()

	sink := NewChannelSink(1)
	require.NoError(t, sink.Notify(context.Background(), testNotification("slack")))

	err := sink.Notify(context.Background(), testNotification("slack"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full")
}

func TestLogSink_Notify(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(observability.NopLogger())
	assert.NoError(t, sink.Notify(context.Background(), testNotification("slack")))
}
