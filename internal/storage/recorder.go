package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/event"
)

// Sink is the write side of RecordStore used by the Recorder.
type Sink interface {
	SaveOrder(ctx context.Context, o domain.Order) error
	SaveTrade(ctx context.Context, tr Trade) error
	SaveEvent(ctx context.Context, ev event.Event) error
}

type record struct {
	kind  string
	order domain.Order
	trade Trade
	ev    event.Event
}

// Recorder writes records to a Sink on its own goroutine. Record calls
// never block: when the queue is full the record is dropped and counted.
// Write failures are logged and never reach the caller.
type Recorder struct {
	sink         Sink
	queue        chan record
	writeTimeout time.Duration

	wg        conc.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
	mu        sync.RWMutex // guards send vs close of queue

	dropped atomic.Int64
	failed  atomic.Int64
	metric  metric.Int64Counter
}

// NewRecorder starts a recorder with a queue of size records.
func NewRecorder(sink Sink, size int) *Recorder {
	if size <= 0 {
		size = 4096
	}
	r := &Recorder{
		sink:         sink,
		queue:        make(chan record, size),
		writeTimeout: 5 * time.Second,
	}
	r.metric, _ = otel.Meter("storage").Int64Counter("recorder.records",
		metric.WithDescription("Records handled by the recorder by outcome"))
	r.wg.Go(r.run)
	return r
}

func (r *Recorder) RecordOrder(o domain.Order) { r.enqueue(record{kind: "order", order: o}) }

func (r *Recorder) RecordTrade(tr Trade) { r.enqueue(record{kind: "trade", trade: tr}) }

func (r *Recorder) RecordEvent(ev event.Event) { r.enqueue(record{kind: "event", ev: ev}) }

// Dropped is the number of records lost to a full queue or a closed recorder.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Failed is the number of records the sink refused.
func (r *Recorder) Failed() int64 { return r.failed.Load() }

func (r *Recorder) enqueue(rec record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed.Load() {
		r.drop(rec, "closed")
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.drop(rec, "queue_full")
	}
}

func (r *Recorder) drop(rec record, reason string) {
	r.dropped.Add(1)
	r.count(rec.kind, reason)
	slog.Warn("Recorder dropped record", slog.String("kind", rec.kind), slog.String("reason", reason))
}

func (r *Recorder) run() {
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		var err error
		switch rec.kind {
		case "order":
			err = r.sink.SaveOrder(ctx, rec.order)
		case "trade":
			err = r.sink.SaveTrade(ctx, rec.trade)
		case "event":
			err = r.sink.SaveEvent(ctx, rec.ev)
		}
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.count(rec.kind, "error")
			slog.Error("Failed to record", slog.String("kind", rec.kind), slog.Any("error", err))
			continue
		}
		r.count(rec.kind, "ok")
	}
}

func (r *Recorder) count(kind, outcome string) {
	if r.metric == nil {
		return
	}
	r.metric.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind), attribute.String("outcome", outcome)))
}

// Close stops accepting records and waits for the queue to drain, or for
// ctx to end. It is safe to call more than once.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed.Store(true)
		close(r.queue)
		r.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
