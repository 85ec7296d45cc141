// Package live pushes the newest correlated point of each subscribed feed.
//
// Every feed with at least one subscriber has its own goroutine that polls
// a short lookback window on a fixed interval. The goroutine owns the
// feed's subscriber set and its last known point; nothing else touches them.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"vessel-telemetry/internal/domain"
	"vessel-telemetry/internal/observability"
	"vessel-telemetry/internal/protocol"
	"vessel-telemetry/internal/storage"
)

// Defaults for Config.
const (
	DefaultInterval = time.Second
	DefaultLookback = 30 * time.Second
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcaster closed")

// Source returns the newest correlated point of a target in a window.
type Source interface {
	Latest(ctx context.Context, target *domain.Target, startMs, endMs int64) (domain.CorrelatedPoint, bool, error)
}

// Subscriber receives live messages. Push must not block; it returns false
// when the update was dropped.
type Subscriber interface {
	Push(m *protocol.LiveMessage) bool
}

// Config configures a Broadcaster.
type Config struct {
	Interval time.Duration
	Lookback time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// FeedStatus is a snapshot of one polling feed.
type FeedStatus struct {
	Target      string `json:"target"`
	Subscribers int    `json:"subscribers"`
	LastPointMs int64  `json:"last_point_ms,omitempty"`
}

// Broadcaster manages live feeds.
type Broadcaster struct {
	source   Source
	targets  storage.TargetRegistry
	interval time.Duration
	lookback time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	feeds  map[string]*feed
	subs   map[Subscriber]map[string]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewBroadcaster creates a broadcaster. No goroutine runs until the first
// subscription.
func NewBroadcaster(source Source, targets storage.TargetRegistry, cfg Config) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broadcaster{
		source:   source,
		targets:  targets,
		interval: cfg.Interval,
		lookback: cfg.Lookback,
		now:      cfg.Now,
		logger:   cfg.Logger.With("component", "live"),
		feeds:    make(map[string]*feed),
		subs:     make(map[Subscriber]map[string]struct{}),
	}
}

// Subscribe adds sub to the feed of target, starting the feed if it was idle.
// Subscribing twice to the same target is a no-op.
func (b *Broadcaster) Subscribe(ctx context.Context, id string, sub Subscriber) error {
	target, err := b.targets.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", id, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if _, ok := b.subs[sub][id]; ok {
		return nil
	}

	f, ok := b.feeds[id]
	if !ok {
		f = newFeed(target, b)
		b.feeds[id] = f
		b.wg.Add(1)
		go f.run()
		observability.SetLiveFeedsPolling(len(b.feeds))
		b.logger.Info("feed polling", "target", id)
	}
	if b.subs[sub] == nil {
		b.subs[sub] = make(map[string]struct{})
	}
	b.subs[sub][id] = struct{}{}
	f.count++
	f.control <- change{sub: sub, add: true}
	return nil
}

// Unsubscribe removes sub from the feed of target. The feed stops polling
// when its last subscriber leaves.
func (b *Broadcaster) Unsubscribe(id string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(id, sub)
}

// UnsubscribeAll removes sub from every feed, as on disconnect.
func (b *Broadcaster) UnsubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.subs[sub] {
		b.unsubscribeLocked(id, sub)
	}
}

func (b *Broadcaster) unsubscribeLocked(id string, sub Subscriber) {
	if _, ok := b.subs[sub][id]; !ok {
		return
	}
	delete(b.subs[sub], id)
	if len(b.subs[sub]) == 0 {
		delete(b.subs, sub)
	}

	f := b.feeds[id]
	f.count--
	f.control <- change{sub: sub}
	if f.count == 0 {
		delete(b.feeds, id)
		close(f.stop)
		observability.SetLiveFeedsPolling(len(b.feeds))
		b.logger.Info("feed idle", "target", id)
	}
}

// Feeds returns the polling feeds ordered by target.
func (b *Broadcaster) Feeds() []FeedStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FeedStatus, 0, len(b.feeds))
	for id, f := range b.feeds {
		out = append(out, FeedStatus{Target: id, Subscribers: f.count, LastPointMs: f.lastMs.Load()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Close stops every feed and waits for their goroutines, including polls
// still in flight.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, f := range b.feeds {
		close(f.stop)
		delete(b.feeds, id)
	}
	b.subs = make(map[Subscriber]map[string]struct{})
	observability.SetLiveFeedsPolling(0)
	b.mu.Unlock()

	b.wg.Wait()
}

type change struct {
	sub Subscriber
	add bool
}

type pollResult struct {
	point domain.CorrelatedPoint
	ok    bool
	err   error
}

// feed is the per-target polling state. count is guarded by the
// broadcaster mutex; everything else belongs to run.
type feed struct {
	target *domain.Target
	b      *Broadcaster

	count   int
	control chan change
	stop    chan struct{}
	lastMs  atomic.Int64

	subscribers map[Subscriber]struct{}
	last        *protocol.LiveMessage
}

func newFeed(target *domain.Target, b *Broadcaster) *feed {
	return &feed{
		target:      target,
		b:           b,
		control:     make(chan change, 16),
		stop:        make(chan struct{}),
		subscribers: make(map[Subscriber]struct{}),
	}
}

func (f *feed) run() {
	defer f.b.wg.Done()
	logger := f.b.logger.With("target", f.target.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := time.NewTicker(f.b.interval)
	defer ticker.Stop()

	results := make(chan pollResult, 1)
	inFlight := false
	start := func() {
		inFlight = true
		f.b.wg.Add(1)
		go f.poll(ctx, results)
	}
	start()

	for {
		select {
		case <-f.stop:
			return

		case c := <-f.control:
			if !c.add {
				delete(f.subscribers, c.sub)
				continue
			}
			f.subscribers[c.sub] = struct{}{}
			if f.last != nil {
				f.deliver(c.sub, f.last)
			}

		case <-ticker.C:
			if inFlight {
				observability.RecordLiveTick("skipped")
				continue
			}
			start()

		case r := <-results:
			inFlight = false
			switch {
			case r.err != nil:
				observability.RecordLiveTick("error")
				logger.Warn("live poll failed", "error", r.err)
			case !r.ok:
				observability.RecordLiveTick("empty")
			default:
				observability.RecordLiveTick("pushed")
				f.last = &protocol.LiveMessage{Target: f.target.ID, Point: protocol.NewPoint(r.point)}
				f.lastMs.Store(r.point.TimestampMs)
				for sub := range f.subscribers {
					f.deliver(sub, f.last)
				}
			}
		}
	}
}

// poll runs one lookback query bounded by the poll interval. results has
// room for the one poll in flight, so the send never blocks.
func (f *feed) poll(ctx context.Context, results chan<- pollResult) {
	defer f.b.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, f.b.interval)
	defer cancel()

	end := f.b.now()
	point, ok, err := f.b.source.Latest(ctx, f.target, end.Add(-f.b.lookback).UnixMilli(), end.UnixMilli())
	results <- pollResult{point: point, ok: ok, err: err}
}

func (f *feed) deliver(sub Subscriber, m *protocol.LiveMessage) {
	if sub.Push(m) {
		observability.RecordLivePush(1)
		return
	}
	observability.RecordOutboundDropped(protocol.TypeLive)
}
