// Package notify fans entity-change events out to tenant subscribers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"intelvault/core"
	"intelvault/metrics"
	"intelvault/util/goroutine"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize       = 256
	DefaultDeliveryTimeout = 5 * time.Second
)

var (
	// ErrHubClosed is returned by Subscribe after Close.
	ErrHubClosed = errors.New("notification hub is closed")
	// ErrDeliveryTimeout is the cause recorded when a callback exceeds the delivery timeout.
	ErrDeliveryTimeout = errors.New("delivery timed out")
	// ErrDeliveryPanic is the cause recorded when a callback panics.
	ErrDeliveryPanic = errors.New("delivery callback panicked")
)

// DeliverFunc delivers one event to a subscriber. ctx expires after the hub's
// delivery timeout.
type DeliverFunc func(ctx context.Context, ev core.Event) error

// Predicate filters events for a subscriber. A nil predicate accepts everything.
type Predicate func(ev core.Event) bool

// Disconnect reasons.
const (
	ReasonUnsubscribed = "unsubscribed"
	ReasonTimeout      = "delivery_timeout"
	ReasonHubClosed    = "hub_closed"
)

// Config configures a Hub.
type Config struct {
	QueueSize       int           `mapstructure:"queue_size"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	Breaker         BreakerConfig `mapstructure:"breaker"`
}

// DefaultConfig returns the hub defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:       DefaultQueueSize,
		DeliveryTimeout: DefaultDeliveryTimeout,
		Breaker:         DefaultBreakerConfig(),
	}
}

// SubscriberStats is a point-in-time view of one subscription.
type SubscriberStats struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Channels  []core.Channel `json:"channels"`
	Queued    int            `json:"queued"`
	Delivered uint64         `json:"delivered"`
	Dropped   uint64         `json:"dropped"`
	Failures  uint64         `json:"failures"`
	Breaker   BreakerState   `json:"breaker"`
}

type subscriber struct {
	id        string
	tenantID  string
	channels  map[core.Channel]struct{}
	predicate Predicate
	deliver   DeliverFunc
	queue     *ring
	breaker   *Breaker

	signal chan struct{}
	done   chan struct{}
	once   sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failures  atomic.Uint64
}

func (s *subscriber) wants(ev core.Event) bool {
	if ev.TenantID != s.tenantID {
		return false
	}
	if len(s.channels) > 0 {
		if _, ok := s.channels[ev.Channel]; !ok {
			return false
		}
	}
	return true
}

// Hub is an in-process publish/subscribe fan-out. Each subscriber owns a
// bounded queue drained by its own worker goroutine, so Publish never blocks
// and a slow or failing subscriber cannot delay the others.
type Hub struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	closed   bool
	byID     map[string]*subscriber
	byTenant map[string]map[string]*subscriber

	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewHub creates a hub. Zero config fields fall back to DefaultConfig values.
func NewHub(cfg Config, logger *zap.SugaredLogger) (*Hub, error) {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.Breaker == (BreakerConfig{}) {
		cfg.Breaker = def.Breaker
	}
	if err := cfg.Breaker.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		byID:     make(map[string]*subscriber),
		byTenant: make(map[string]map[string]*subscriber),
	}, nil
}

// Subscribe registers deliver for the tenant's events on channels (all channels
// when empty) that pass predicate, and returns the subscription id.
func (h *Hub) Subscribe(tenantID string, channels []core.Channel, predicate Predicate, deliver DeliverFunc) (string, error) {
	if tenantID == "" {
		return "", core.NewValidationError("tenant_id", "is required")
	}
	if deliver == nil {
		return "", core.NewValidationError("deliver", "is required")
	}
	breaker, err := NewBreaker(h.cfg.Breaker, nil)
	if err != nil {
		return "", err
	}

	s := &subscriber{
		id:        uuid.New().String(),
		tenantID:  tenantID,
		channels:  make(map[core.Channel]struct{}, len(channels)),
		predicate: predicate,
		deliver:   deliver,
		queue:     newRing(h.cfg.QueueSize),
		breaker:   breaker,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrHubClosed
	}
	h.byID[s.id] = s
	if h.byTenant[tenantID] == nil {
		h.byTenant[tenantID] = make(map[string]*subscriber)
	}
	h.byTenant[tenantID][s.id] = s
	h.wg.Add(1)
	h.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	go h.run(s)

	h.logger.Infow("Subscriber registered", "subscription", s.id, "tenant", tenantID, "channels", channels)
	return s.id, nil
}

// Unsubscribe removes a subscription. It returns false if the id is unknown.
func (h *Hub) Unsubscribe(id string) bool {
	return h.disconnect(id, ReasonUnsubscribed)
}

// Done returns a channel closed when the subscription ends, for any reason.
func (h *Hub) Done(id string) (<-chan struct{}, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.byID[id]
	if !ok {
		return nil, false
	}
	return s.done, true
}

func (h *Hub) disconnect(id, reason string) bool {
	h.mu.Lock()
	s, ok := h.byID[id]
	if ok {
		delete(h.byID, id)
		if subs := h.byTenant[s.tenantID]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.byTenant, s.tenantID)
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	s.once.Do(func() { close(s.done) })
	metrics.ActiveSubscriptions.Dec()
	h.logger.Infow("Subscriber disconnected", "subscription", id, "tenant", s.tenantID, "reason", reason)
	return true
}

// Publish enqueues ev for every subscriber of ev.TenantID on ev.Channel and
// returns how many subscribers it was queued for. Predicates run later on each
// subscriber's worker, so Publish never runs or waits on subscriber code.
func (h *Hub) Publish(ev core.Event) int {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.byTenant[ev.TenantID]))
	for _, s := range h.byTenant[ev.TenantID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	queued := 0
	for _, s := range targets {
		if !s.wants(ev) {
			continue
		}
		if s.queue.push(ev) {
			s.dropped.Add(1)
			h.dropped.Add(1)
			metrics.DroppedEvents.Inc()
		}
		select {
		case s.signal <- struct{}{}:
		default:
		}
		queued++
	}
	return queued
}

func (h *Hub) run(s *subscriber) {
	defer h.wg.Done()
	defer goroutine.Recover("notify-subscriber-"+s.id, h.logger)

	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			ev, ok := s.queue.pop()
			if !ok {
				break
			}
			if !h.deliver(s, ev) {
				h.disconnect(s.id, ReasonTimeout)
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
		}
	}
}

// deliver filters ev through the subscriber's predicate and calls the
// subscriber, both within one delivery timeout. It returns false when the
// subscriber must be disconnected.
func (h *Hub) deliver(s *subscriber, ev core.Event) bool {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DeliveryTimeout)
	defer cancel()

	if s.predicate != nil {
		accepted, err := h.accepts(ctx, s, ev)
		if err != nil {
			s.failures.Add(1)
			metrics.DeliveryFailures.WithLabelValues("timeout").Inc()
			h.logger.Warnw("Subscriber predicate timed out",
				"subscription", s.id, "tenant", s.tenantID, "event", ev.ID)
			return false
		}
		if !accepted {
			return true
		}
	}

	if err := s.breaker.Allow(); err != nil {
		s.dropped.Add(1)
		h.dropped.Add(1)
		metrics.DroppedEvents.Inc()
		metrics.DeliveryFailures.WithLabelValues("breaker_open").Inc()
		return true
	}

	start := time.Now()
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("%w: %v", ErrDeliveryPanic, r)
			}
		}()
		result <- s.deliver(ctx, ev)
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ErrDeliveryTimeout
	}
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		s.delivered.Add(1)
		s.breaker.RecordSuccess()
		return true
	}

	derr := &core.SubscriptionDeliveryError{SubscriptionID: s.id, EventID: ev.ID, Err: err}
	s.failures.Add(1)
	reason := "callback_error"
	switch {
	case errors.Is(err, ErrDeliveryTimeout):
		reason = "timeout"
	case errors.Is(err, ErrDeliveryPanic):
		reason = "panic"
	}
	metrics.DeliveryFailures.WithLabelValues(reason).Inc()
	h.logger.Warnw("Notification delivery failed",
		"subscription", s.id, "tenant", s.tenantID, "event", ev.ID, "error", derr)

	if reason == "timeout" {
		return false
	}
	if old, now := s.breaker.RecordFailure(); old != now && now == BreakerOpen {
		h.logger.Warnw("Subscriber circuit breaker opened", "subscription", s.id, "failures", s.breaker.Failures())
	}
	return true
}

// accepts runs the subscriber's predicate on its own goroutine. A panic counts
// as a rejection; a predicate still running when ctx expires yields
// ErrDeliveryTimeout.
func (h *Hub) accepts(ctx context.Context, s *subscriber, ev core.Event) (bool, error) {
	result := make(chan bool, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Warnw("Subscriber predicate panicked", "subscription", s.id, "panic", r)
				result <- false
			}
		}()
		result <- s.predicate(ev)
	}()

	select {
	case ok := <-result:
		return ok, nil
	case <-ctx.Done():
		return false, ErrDeliveryTimeout
	}
}

// Stats returns the statistics of one subscription.
func (h *Hub) Stats(id string) (SubscriberStats, bool) {
	h.mu.RLock()
	s, ok := h.byID[id]
	h.mu.RUnlock()
	if !ok {
		return SubscriberStats{}, false
	}
	return s.stats(), true
}

// AllStats returns the statistics of every subscription of a tenant, or of all
// tenants when tenantID is empty, ordered by id.
func (h *Hub) AllStats(tenantID string) []SubscriberStats {
	h.mu.RLock()
	out := make([]SubscriberStats, 0, len(h.byID))
	for _, s := range h.byID {
		if tenantID == "" || s.tenantID == tenantID {
			out = append(out, s.stats())
		}
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *subscriber) stats() SubscriberStats {
	channels := make([]core.Channel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	return SubscriberStats{
		ID:        s.id,
		TenantID:  s.tenantID,
		Channels:  channels,
		Queued:    s.queue.len(),
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Failures:  s.failures.Load(),
		Breaker:   s.breaker.State(),
	}
}

// DroppedEvents returns the number of events dropped across all subscribers.
func (h *Hub) DroppedEvents() uint64 {
	return h.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// Close disconnects every subscriber and waits for their workers to exit or
// for ctx to expire. Queued events are discarded.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	ids := make([]string, 0, len(h.byID))
	for id := range h.byID {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.disconnect(id, ReasonHubClosed)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for subscriber workers: %w", ctx.Err())
	}
}
