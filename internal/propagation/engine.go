// Package propagation routes typed events through the room hierarchy to the
// live connections joined along the way.
package propagation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ericfitz/sessioncore/internal/connections"
	"github.com/ericfitz/sessioncore/internal/hierarchy"
	"github.com/ericfitz/sessioncore/internal/protocol"
	"github.com/ericfitz/sessioncore/internal/retry"
	"github.com/ericfitz/sessioncore/internal/slogging"
	"github.com/ericfitz/sessioncore/internal/uuidgen"
)

var (
	// ErrPropagationFailed reports a persistence failure; live delivery was still attempted
	ErrPropagationFailed = errors.New("propagation failed")
	// ErrInvalidEvent rejects a malformed emission before anything is sent
	ErrInvalidEvent = errors.New("invalid event")
)

// Config tunes scheduling, throttling and delivery
type Config struct {
	CriticalDelay time.Duration `yaml:"critical_delay" env:"PROPAGATION_CRITICAL_DELAY"`
	HighDelay     time.Duration `yaml:"high_delay" env:"PROPAGATION_HIGH_DELAY"`
	MediumDelay   time.Duration `yaml:"medium_delay" env:"PROPAGATION_MEDIUM_DELAY"`
	LowDelay      time.Duration `yaml:"low_delay" env:"PROPAGATION_LOW_DELAY"`

	// ThrottleWindow allows one event per (type, origin) of ThrottledTypes
	ThrottleWindow time.Duration `yaml:"throttle_window" env:"PROPAGATION_THROTTLE_WINDOW"`
	ThrottledTypes []string      `yaml:"throttled_types" env:"PROPAGATION_THROTTLED_TYPES"`

	// RateLimit caps non-critical events per second across the process
	RateLimit float64 `yaml:"rate_limit" env:"PROPAGATION_RATE_LIMIT"`
	Burst     int     `yaml:"burst" env:"PROPAGATION_BURST"`

	MaxDepth            int          `yaml:"max_depth" env:"PROPAGATION_MAX_DEPTH"`
	DeliveryConcurrency int          `yaml:"delivery_concurrency" env:"PROPAGATION_DELIVERY_CONCURRENCY"`
	Retry               retry.Config `yaml:"retry"`
}

// DefaultConfig returns the standard priority table and limits
func DefaultConfig() Config {
	return Config{
		CriticalDelay:       0,
		HighDelay:           100 * time.Millisecond,
		MediumDelay:         500 * time.Millisecond,
		LowDelay:            2 * time.Second,
		ThrottleWindow:      time.Second,
		ThrottledTypes:      []string{string(protocol.MessageTypeActivity)},
		RateLimit:           200,
		Burst:               400,
		DeliveryConcurrency: 16,
		Retry: retry.Config{
			MaxRetries: 2,
			BaseDelay:  20 * time.Millisecond,
			MaxDelay:   200 * time.Millisecond,
			Multiplier: 2,
		},
	}
}

// Hierarchy is the part of the room registry the engine traverses
type Hierarchy interface {
	TraverseUp(ctx context.Context, origin hierarchy.RoomID, opts hierarchy.TraverseOptions) ([]hierarchy.RoomID, error)
	TraverseDown(ctx context.Context, origin hierarchy.RoomID, opts hierarchy.TraverseOptions) ([]hierarchy.RoomID, error)
	Members(ctx context.Context, id hierarchy.RoomID) ([]string, error)
}

// Sender delivers an encoded frame to one connection
type Sender interface {
	Send(connID string, data []byte) error
}

// Auditor persists security events
type Auditor interface {
	RecordSecurityEvent(ctx context.Context, eventID, eventType, origin string, payload []byte, at time.Time) error
}

// Metrics receives per-event outcomes
type Metrics interface {
	EventEmitted(ctx context.Context, eventType, priority, outcome string)
	EventDelivered(ctx context.Context, eventType, result string)
}

// Emission outcomes reported to Metrics
const (
	OutcomeDelivered = "delivered"
	OutcomeThrottled = "throttled"
	OutcomeDropped   = "dropped"
	OutcomeFailed    = "failed"
)

// Handler is called after an event of a subscribed type was delivered
type Handler func(ctx context.Context, ev Event)

// Stats are process-lifetime counters
type Stats struct {
	Emitted       uint64
	Throttled     uint64
	Dropped       uint64
	Delivered     uint64
	Failed        uint64
	PersistFailed uint64
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces the wall clock
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithAuditor records security:* events through a
func WithAuditor(a Auditor) Option {
	return func(e *Engine) { e.auditor = a }
}

// WithMetrics reports outcomes to m
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

type noopMetrics struct{}

func (noopMetrics) EventEmitted(context.Context, string, string, string) {}
func (noopMetrics) EventDelivered(context.Context, string, string)       {}

// Engine schedules, throttles and delivers events
type Engine struct {
	hier    Hierarchy
	sender  Sender
	auditor Auditor
	metrics Metrics
	cfg     Config
	clock   clockwork.Clock
	logger  *slogging.Logger

	throttleMu sync.Mutex
	throttle   *ttlcache.Cache[string, time.Time]
	throttled  map[string]bool
	limiter    *rate.Limiter

	subMu       sync.RWMutex
	subscribers map[string][]Handler

	inflight sync.WaitGroup

	emitted, throttledN, dropped, delivered, failed, persistFailed atomic.Uint64
}

// New creates an engine delivering through sender
func New(hier Hierarchy, sender Sender, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.ThrottleWindow <= 0 {
		cfg.ThrottleWindow = def.ThrottleWindow
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.DeliveryConcurrency <= 0 {
		cfg.DeliveryConcurrency = def.DeliveryConcurrency
	}

	e := &Engine{
		hier:    hier,
		sender:  sender,
		metrics: noopMetrics{},
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		logger:  slogging.Get(),
		throttle: ttlcache.New[string, time.Time](
			ttlcache.WithTTL[string, time.Time](cfg.ThrottleWindow),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		),
		throttled:   make(map[string]bool, len(cfg.ThrottledTypes)),
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		subscribers: make(map[string][]Handler),
	}
	for _, t := range cfg.ThrottledTypes {
		e.throttled[t] = true
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start expires throttle entries until ctx is done
func (e *Engine) Start(ctx context.Context) {
	go e.throttle.Start()
	<-ctx.Done()
	e.throttle.Stop()
}

// Subscribe registers fn for events of eventType
func (e *Engine) Subscribe(eventType string, fn Handler) {
	e.subMu.Lock()
	e.subscribers[eventType] = append(e.subscribers[eventType], fn)
	e.subMu.Unlock()
}

// Stats returns the engine counters
func (e *Engine) Stats() Stats {
	return Stats{
		Emitted:       e.emitted.Load(),
		Throttled:     e.throttledN.Load(),
		Dropped:       e.dropped.Load(),
		Delivered:     e.delivered.Load(),
		Failed:        e.failed.Load(),
		PersistFailed: e.persistFailed.Load(),
	}
}

// Delay returns the scheduling delay for a priority
func (e *Engine) Delay(p Priority) time.Duration {
	switch p {
	case Critical:
		return e.cfg.CriticalDelay
	case High:
		return e.cfg.HighDelay
	case Medium:
		return e.cfg.MediumDelay
	default:
		return e.cfg.LowDelay
	}
}

// Emit processes one event and blocks until delivery was attempted. Throttled
// and dropped events return a receipt saying so and no error. A non-nil
// receipt accompanies ErrPropagationFailed.
func (e *Engine) Emit(ctx context.Context, req Request) (*Receipt, error) {
	ev, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{EventID: ev.ID}
	priority := ev.Priority.String()

	if e.isThrottled(ev.Type, ev.Origin, ev.CreatedAt) {
		e.throttledN.Add(1)
		e.metrics.EventEmitted(ctx, ev.Type, priority, OutcomeThrottled)
		receipt.Throttled = true
		return receipt, nil
	}
	if ev.Priority != Critical && !e.limiter.AllowN(ev.CreatedAt, 1) {
		e.dropped.Add(1)
		e.metrics.EventEmitted(ctx, ev.Type, priority, OutcomeDropped)
		e.logger.Debug("Dropped %s event from %s: rate cap reached", ev.Type, ev.Origin)
		receipt.Dropped = true
		return receipt, nil
	}

	if err := e.wait(ctx, e.Delay(ev.Priority)); err != nil {
		return nil, err
	}
	e.emitted.Add(1)

	frame, err := protocol.EncodeEvent(protocol.MessageType(ev.Type), ev.Payload, &protocol.EventMeta{
		ID:        ev.ID,
		Origin:    ev.Origin.String(),
		Direction: string(ev.Direction),
		Priority:  priority,
		CreatedAt: ev.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	var record *hierarchy.EventRecord
	if ev.Persist {
		record = &hierarchy.EventRecord{Type: ev.Type, Payload: frame}
	}
	path, traverseErr := e.resolve(ctx, ev.Origin, ev.Direction, record)
	ev.Path = path
	receipt.Path = path

	e.deliver(ctx, &ev, frame, receipt)

	var errs []error
	if traverseErr != nil {
		errs = append(errs, traverseErr)
	}
	if IsSecurity(ev.Type) && e.auditor != nil {
		err := retry.Do(ctx, e.cfg.Retry, "record security event", func() error {
			return e.auditor.RecordSecurityEvent(ctx, ev.ID, ev.Type, ev.Origin.String(), ev.Payload, ev.CreatedAt)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	ev.Processed = true
	e.notify(ctx, ev)

	if len(errs) > 0 {
		e.persistFailed.Add(1)
		e.metrics.EventEmitted(ctx, ev.Type, priority, OutcomeFailed)
		err := fmt.Errorf("%w: %s from %s: %w", ErrPropagationFailed, ev.Type, ev.Origin, errors.Join(errs...))
		e.logger.Error("%v", err)
		return receipt, err
	}
	e.metrics.EventEmitted(ctx, ev.Type, priority, OutcomeDelivered)
	e.logger.Debug("Propagated %s %s from %s to %d rooms, %d delivered, %d skipped, %d failed",
		ev.Type, ev.Direction, ev.Origin, len(path), receipt.Delivered, receipt.Skipped, receipt.Failed)
	return receipt, nil
}

// EmitAsync runs Emit in the background, detached from ctx cancellation
func (e *Engine) EmitAsync(ctx context.Context, req Request) {
	ctx = context.WithoutCancel(ctx)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		if _, err := e.Emit(ctx, req); err != nil && !errors.Is(err, ErrPropagationFailed) {
			e.logger.Warn("Async %s event from %s failed: %v", req.Type, req.Origin, err)
		}
	}()
}

// Wait blocks until every EmitAsync call has finished
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) prepare(req Request) (Event, error) {
	if req.Type == "" {
		return Event{}, fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}
	if err := req.Origin.Validate(); err != nil {
		return Event{}, fmt.Errorf("%w: origin: %w", ErrInvalidEvent, err)
	}
	if !req.Direction.Valid() {
		return Event{}, fmt.Errorf("%w: direction %q", ErrInvalidEvent, req.Direction)
	}
	if req.Priority < Critical || req.Priority > Low {
		return Event{}, fmt.Errorf("%w: %s", ErrInvalidEvent, req.Priority)
	}

	var payload json.RawMessage
	switch p := req.Payload.(type) {
	case nil:
	case json.RawMessage:
		payload = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return Event{}, fmt.Errorf("%w: payload: %w", ErrInvalidEvent, err)
		}
		payload = b
	}

	return Event{
		ID:        uuidgen.MustNew(uuidgen.KindEvent),
		Type:      req.Type,
		Payload:   payload,
		Origin:    req.Origin,
		Direction: req.Direction,
		Priority:  req.Priority,
		Persist:   req.Persist,
		CreatedAt: e.clock.Now(),
	}, nil
}

func (e *Engine) isThrottled(eventType string, origin hierarchy.RoomID, now time.Time) bool {
	if !e.throttled[eventType] {
		return false
	}
	k := eventType + "|" + origin.String()

	e.throttleMu.Lock()
	defer e.throttleMu.Unlock()
	if item := e.throttle.Get(k); item != nil && now.Sub(item.Value()) < e.cfg.ThrottleWindow {
		return true
	}
	e.throttle.Set(k, now, ttlcache.DefaultTTL)
	return false
}

func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := e.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve returns the rooms the event reaches. Both merges the downward path
// with the ancestors, each room once.
func (e *Engine) resolve(ctx context.Context, origin hierarchy.RoomID, dir Direction, record *hierarchy.EventRecord) ([]hierarchy.RoomID, error) {
	opts := hierarchy.TraverseOptions{MaxDepth: e.cfg.MaxDepth, Record: record}
	switch dir {
	case Up:
		return e.hier.TraverseUp(ctx, origin, opts)
	case Down:
		return e.hier.TraverseDown(ctx, origin, opts)
	}

	down, downErr := e.hier.TraverseDown(ctx, origin, opts)
	opts.ExcludeOrigin = true
	up, upErr := e.hier.TraverseUp(ctx, origin, opts)

	seen := make(map[hierarchy.RoomID]bool, len(down)+len(up))
	path := make([]hierarchy.RoomID, 0, len(down)+len(up))
	for _, id := range append(down, up...) {
		if !seen[id] {
			seen[id] = true
			path = append(path, id)
		}
	}
	return path, errors.Join(downErr, upErr)
}

// deliver sends frame once to every connection joined to a room on the path
func (e *Engine) deliver(ctx context.Context, ev *Event, frame []byte, receipt *Receipt) {
	seen := make(map[string]bool)
	var recipients []string
	for _, room := range ev.Path {
		members, err := e.hier.Members(ctx, room)
		if err != nil {
			e.logger.Warn("Could not list members of %s for %s: %v", room, ev.Type, err)
			continue
		}
		for _, connID := range members {
			if !seen[connID] {
				seen[connID] = true
				recipients = append(recipients, connID)
			}
		}
	}

	var delivered, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(e.cfg.DeliveryConcurrency)
	for _, connID := range recipients {
		g.Go(func() error {
			err := retry.Do(ctx, e.cfg.Retry, "deliver "+ev.Type, func() error {
				err := e.sender.Send(connID, frame)
				if errors.Is(err, connections.ErrConnectionNotFound) || errors.Is(err, connections.ErrConnectionClosed) {
					return retry.Permanent(err)
				}
				return err
			})
			switch {
			case err == nil:
				delivered.Add(1)
				e.metrics.EventDelivered(ctx, ev.Type, "ok")
			case errors.Is(err, connections.ErrConnectionNotFound):
				skipped.Add(1)
			default:
				failed.Add(1)
				e.metrics.EventDelivered(ctx, ev.Type, "failed")
				e.logger.Debug("Delivery of %s to %s failed: %v", ev.Type, connID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	receipt.Delivered = int(delivered.Load())
	receipt.Skipped = int(skipped.Load())
	receipt.Failed = int(failed.Load())
	e.delivered.Add(uint64(receipt.Delivered))
	e.failed.Add(uint64(receipt.Failed))
}

func (e *Engine) notify(ctx context.Context, ev Event) {
	e.subMu.RLock()
	handlers := append([]Handler(nil), e.subscribers[ev.Type]...)
	e.subMu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Subscriber for %s panicked: %v\n%s", ev.Type, r, debug.Stack())
				}
			}()
			fn(ctx, ev)
		}()
	}
}
