package traffic

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	alertingmetrics "github.com/ataiva-software/kontainers-sub000/internal/metrics/alerting"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

const (
	// defaultRetention applies until the alert evaluator pushes the
	// longest configured window.
	defaultRetention = 15 * time.Minute

	// retentionSlack keeps events slightly past retention so a window
	// evaluated just after eviction still sees its full span.
	retentionSlack = time.Minute

	// summaryTopN bounds the TopPaths and TopClients lists.
	summaryTopN = 5
)

// requestBucket counts requests observed within one second.
type requestBucket struct {
	sec int64
	n   int64
}

// Count pairs a summary dimension value with its occurrence count.
type Count struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Summary is a windowed view over one rule's errors and traffic.
type Summary struct {
	RuleID        string            `json:"ruleId"`
	WindowStart   time.Time         `json:"windowStart"`
	WindowEnd     time.Time         `json:"windowEnd"`
	TotalErrors   int               `json:"totalErrors"`
	TotalRequests int64             `json:"totalRequests"`
	ErrorRate     float64           `json:"errorRate"`
	ByKind        map[ErrorKind]int `json:"byKind"`
	ByStatus      map[int]int       `json:"byStatus"`
	TopPaths      []Count           `json:"topPaths"`
	TopClients    []Count           `json:"topClients"`
}

// Aggregator keeps a rolling buffer of error events and per-second
// request counts per rule. Buffers are bounded by the retention pushed
// from the alert evaluator; eviction is lazy, on write and on read.
type Aggregator struct {
	logger  observability.Logger
	metrics *alertingmetrics.AlertingMetrics
	clock   util.Clock

	mu        sync.Mutex
	retention time.Duration
	events    map[string][]*ErrorEvent
	byID      map[string]*ErrorEvent
	requests  map[string][]requestBucket
	onError   []func(ErrorEvent)
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithAggregatorLogger sets the logger.
func WithAggregatorLogger(logger observability.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = logger }
}

// WithAggregatorClock sets the time source driving windows.
func WithAggregatorClock(clock util.Clock) AggregatorOption {
	return func(a *Aggregator) { a.clock = clock }
}

// NewAggregator creates an empty aggregator.
func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		logger:    observability.L(),
		metrics:   alertingmetrics.GetAlertingMetrics(),
		clock:     util.RealClock{},
		retention: defaultRetention,
		events:    make(map[string][]*ErrorEvent),
		byID:      make(map[string]*ErrorEvent),
		requests:  make(map[string][]requestBucket),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(observability.String("component", "traffic"))
	return a
}

// OnError registers a listener invoked synchronously for every
// recorded event, after the event is stored.
func (a *Aggregator) OnError(fn func(ErrorEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onError = append(a.onError, fn)
}

// RecordError stores one error event, assigning an ID and timestamp
// when absent, and returns the stored event.
func (a *Aggregator) RecordError(event ErrorEvent) ErrorEvent {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Kind == "" {
		event.Kind = KindUnknown
	}

	a.mu.Lock()
	now := a.clock.Now()
	if event.At.IsZero() {
		event.At = now
	}
	stored := event
	a.events[event.RuleID] = append(a.events[event.RuleID], &stored)
	a.byID[stored.ID] = &stored
	a.evictLocked(event.RuleID, now)

	listeners := make([]func(ErrorEvent), len(a.onError))
	copy(listeners, a.onError)
	a.mu.Unlock()

	a.metrics.RecordError(string(event.Kind))
	for _, fn := range listeners {
		fn(event)
	}
	return event
}

// RecordRequests adds n requests to the rule's traffic count, bucketed
// by second. A zero timestamp means now.
func (a *Aggregator) RecordRequests(ruleID string, n int64, at time.Time) {
	if n <= 0 {
		return
	}

	a.mu.Lock()
	now := a.clock.Now()
	if at.IsZero() {
		at = now
	}
	sec := at.Unix()
	buckets := a.requests[ruleID]
	if len(buckets) > 0 && buckets[len(buckets)-1].sec == sec {
		buckets[len(buckets)-1].n += n
	} else {
		buckets = append(buckets, requestBucket{sec: sec, n: n})
	}
	a.requests[ruleID] = buckets
	a.evictLocked(ruleID, now)
	a.mu.Unlock()

	a.metrics.RequestsRecordedTotal.Add(float64(n))
}

// MarkResolved flips the event's resolved flag. Resolution is operator
// bookkeeping: the event keeps counting in summaries and evaluation.
func (a *Aggregator) MarkResolved(errorID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ev, ok := a.byID[errorID]
	if !ok {
		return fmt.Errorf("error event %s: %w", errorID, util.ErrNotFound)
	}
	if ev.Resolved {
		return nil
	}
	ev.Resolved = true
	ev.ResolvedAt = a.clock.Now()
	return nil
}

// SetRetention bounds the rolling buffers. The alert evaluator pushes
// the longest enabled window here whenever configs change; a slack
// margin is added internally.
func (a *Aggregator) SetRetention(d time.Duration) {
	if d <= 0 {
		d = defaultRetention
	}
	a.mu.Lock()
	a.retention = d
	a.mu.Unlock()
}

// Summarize reports the rule's errors and traffic within the window
// ending now.
func (a *Aggregator) Summarize(ruleID string, window time.Duration) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	start := now.Add(-window)
	a.evictLocked(ruleID, now)

	s := Summary{
		RuleID:      ruleID,
		WindowStart: start,
		WindowEnd:   now,
		ByKind:      make(map[ErrorKind]int),
		ByStatus:    make(map[int]int),
	}

	paths := make(map[string]int)
	clients := make(map[string]int)
	for _, ev := range a.events[ruleID] {
		if ev.At.Before(start) {
			continue
		}
		s.TotalErrors++
		s.ByKind[ev.Kind]++
		if ev.StatusCode != 0 {
			s.ByStatus[ev.StatusCode]++
		}
		if ev.Path != "" {
			paths[ev.Path]++
		}
		if ev.ClientIP != "" {
			clients[ev.ClientIP]++
		}
	}

	s.TotalRequests = a.requestsSinceLocked(ruleID, start)
	if s.TotalRequests > 0 {
		s.ErrorRate = float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	s.TopPaths = topCounts(paths, summaryTopN)
	s.TopClients = topCounts(clients, summaryTopN)
	return s
}

// EventsSince returns copies of the events recorded at or after since.
// An empty rule ID spans all rules.
func (a *Aggregator) EventsSince(ruleID string, since time.Time) []ErrorEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	ids := []string{ruleID}
	if ruleID == "" {
		ids = ids[:0]
		for rid := range a.events {
			ids = append(ids, rid)
		}
		sort.Strings(ids)
	}

	var out []ErrorEvent
	for _, rid := range ids {
		a.evictLocked(rid, now)
		for _, ev := range a.events[rid] {
			if !ev.At.Before(since) {
				out = append(out, *ev)
			}
		}
	}
	return out
}

// RequestsSince returns the request count observed at or after since.
// An empty rule ID spans all rules.
func (a *Aggregator) RequestsSince(ruleID string, since time.Time) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ruleID != "" {
		return a.requestsSinceLocked(ruleID, since)
	}
	var total int64
	for rid := range a.requests {
		total += a.requestsSinceLocked(rid, since)
	}
	return total
}

func (a *Aggregator) requestsSinceLocked(ruleID string, since time.Time) int64 {
	sinceSec := since.Unix()
	var total int64
	for _, b := range a.requests[ruleID] {
		if b.sec >= sinceSec {
			total += b.n
		}
	}
	return total
}

// evictLocked drops events and buckets older than retention plus
// slack. Only the buffer's aged head is scanned, so a stray
// out-of-order event deeper in the buffer is dropped on a later pass.
func (a *Aggregator) evictLocked(ruleID string, now time.Time) {
	cutoff := now.Add(-(a.retention + retentionSlack))

	evs := a.events[ruleID]
	i := 0
	for i < len(evs) && evs[i].At.Before(cutoff) {
		delete(a.byID, evs[i].ID)
		i++
	}
	if i > 0 {
		rest := evs[i:]
		if len(rest) == 0 {
			delete(a.events, ruleID)
		} else {
			a.events[ruleID] = append([]*ErrorEvent(nil), rest...)
		}
	}

	buckets := a.requests[ruleID]
	j := 0
	cutoffSec := cutoff.Unix()
	for j < len(buckets) && buckets[j].sec < cutoffSec {
		j++
	}
	if j > 0 {
		rest := buckets[j:]
		if len(rest) == 0 {
			delete(a.requests, ruleID)
		} else {
			a.requests[ruleID] = append([]requestBucket(nil), rest...)
		}
	}
}

// topCounts returns the n highest counts, ordered by count descending
// then value ascending for determinism.
func topCounts(m map[string]int, n int) []Count {
	if len(m) == 0 {
		return nil
	}
	out := make([]Count, 0, len(m))
	for v, c := range m {
		out = append(out, Count{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
