package activation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	hlog "github.com/straja-ai/hazardfuse/internal/log"
)

// Sink is one destination for hazard events. Deliver is called from emitter
// workers, possibly concurrently when more than one worker runs.
type Sink interface {
	Name() string
	Deliver(context.Context, *Event) error
	Close(context.Context) error
}

// DeliveryObserver sees the outcome of every sink delivery. It runs on the
// worker goroutine and must not block.
type DeliveryObserver func(sink string, err error)

type EmitterConfig struct {
	QueueSize int
	Workers   int
	// ShutdownTimeout bounds how long Close waits for the queue to drain.
	ShutdownTimeout time.Duration
	// DeliveryTimeout bounds a single Deliver call. Zero means 10s.
	DeliveryTimeout time.Duration
	Observe         DeliveryObserver
}

// Stats is a point-in-time copy of the emitter counters.
type Stats struct {
	Enqueued  uint64
	Dropped   uint64
	Delivered map[string]uint64
	Failed    map[string]uint64
}

type sinkCounters struct {
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// Emitter fans hazard events out to sinks on background workers. Emit never
// blocks a fuse request: when the queue is full the event is dropped and
// counted.
type Emitter struct {
	queue    chan *Event
	sinks    []Sink
	counters []*sinkCounters
	observe  DeliveryObserver

	drainTimeout   time.Duration
	deliverTimeout time.Duration

	enqueued atomic.Uint64
	dropped  atomic.Uint64

	// mu guards closed and the queue close against concurrent Emit.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewEmitter(cfg EmitterConfig, sinks []Sink) *Emitter {
	e := &Emitter{
		queue:          make(chan *Event, orDefault(cfg.QueueSize, 1000)),
		sinks:          sinks,
		counters:       make([]*sinkCounters, len(sinks)),
		observe:        cfg.Observe,
		drainTimeout:   orDefault(cfg.ShutdownTimeout, 2*time.Second),
		deliverTimeout: orDefault(cfg.DeliveryTimeout, 10*time.Second),
	}
	for i := range sinks {
		e.counters[i] = &sinkCounters{}
	}
	for range orDefault(cfg.Workers, 1) {
		e.wg.Add(1)
		go e.work()
	}
	return e
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// Emit queues ev for delivery. It is a no-op on a nil emitter or event.
func (e *Emitter) Emit(_ context.Context, ev *Event) {
	if e == nil || ev == nil {
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return
	}
	select {
	case e.queue <- ev:
		e.enqueued.Add(1)
	default:
		e.dropped.Add(1)
		hlog.Warn("hazard event dropped; queue full", "request_id", ev.RequestID)
	}
}

// Close stops intake, waits up to the shutdown timeout for queued events,
// then closes every sink. Events still queued after the timeout are lost.
func (e *Emitter) Close(ctx context.Context) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, e.drainTimeout)
	defer cancel()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		hlog.Warn("event queue not drained before shutdown", "pending", len(e.queue))
	}

	for _, s := range e.sinks {
		if err := s.Close(ctx); err != nil {
			hlog.Warn("event sink close failed", "sink", s.Name(), "error", err)
		}
	}

	st := e.Stats()
	hlog.Info("event emitter closed", "enqueued", st.Enqueued, "dropped", st.Dropped, "delivered", st.Delivered, "failed", st.Failed)
}

// Stats is safe to call at any time, including after Close.
func (e *Emitter) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	st := Stats{
		Enqueued:  e.enqueued.Load(),
		Dropped:   e.dropped.Load(),
		Delivered: make(map[string]uint64, len(e.sinks)),
		Failed:    make(map[string]uint64, len(e.sinks)),
	}
	for i, s := range e.sinks {
		st.Delivered[s.Name()] += e.counters[i].delivered.Load()
		st.Failed[s.Name()] += e.counters[i].failed.Load()
	}
	return st
}

func (e *Emitter) work() {
	defer e.wg.Done()
	for ev := range e.queue {
		for i, s := range e.sinks {
			e.deliverTo(i, s, ev)
		}
	}
}

func (e *Emitter) deliverTo(i int, s Sink, ev *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), e.deliverTimeout)
	err := s.Deliver(ctx, ev)
	cancel()

	if err != nil {
		e.counters[i].failed.Add(1)
		hlog.Warn("event sink delivery failed", "sink", s.Name(), "request_id", ev.RequestID, "error", err)
	} else {
		e.counters[i].delivered.Add(1)
	}
	if e.observe != nil {
		e.observe(s.Name(), err)
	}
}
