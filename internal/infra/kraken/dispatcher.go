package kraken

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/event"
)

// Handler receives stream events of the kinds it is registered for.
type Handler func(ctx context.Context, ev event.Event)

// dispatcher decouples the read loop from user handlers: one bounded queue
// and one worker per connection, so handlers see events in arrival order.
type dispatcher struct {
	name   string
	queue  chan event.Event
	budget time.Duration
	lookup func(event.Kind) []Handler

	wg       conc.WaitGroup
	stopOnce sync.Once
	done     chan struct{}

	dropped  metric.Int64Counter
	panicked metric.Int64Counter
}

func newDispatcher(name string, size int, budget time.Duration, lookup func(event.Kind) []Handler) *dispatcher {
	if size <= 0 {
		size = 1024
	}
	d := &dispatcher{
		name:   name,
		queue:  make(chan event.Event, size),
		budget: budget,
		lookup: lookup,
		done:   make(chan struct{}),
	}
	meter := otel.Meter("kraken")
	d.dropped, _ = meter.Int64Counter("stream.dispatch.dropped",
		metric.WithDescription("Events dropped because the dispatch queue stayed full"))
	d.panicked, _ = meter.Int64Counter("stream.handler.panics",
		metric.WithDescription("Recovered panics in stream handlers"))
	return d
}

func (d *dispatcher) start(ctx context.Context) {
	d.wg.Go(func() { d.run(ctx) })
}

// offer queues ev, waiting at most the budget. It reports false when the
// event was dropped.
func (d *dispatcher) offer(ctx context.Context, ev event.Event) bool {
	select {
	case d.queue <- ev:
		return true
	default:
	}

	if d.budget > 0 {
		timer := time.NewTimer(d.budget)
		defer timer.Stop()
		select {
		case d.queue <- ev:
			return true
		case <-timer.C:
		case <-ctx.Done():
			return false
		case <-d.done:
			return false
		}
	}

	slog.Warn("Stream dispatch queue full, dropping event",
		slog.String("conn", d.name),
		slog.String("kind", ev.GetKind().String()),
		slog.Uint64("seq", ev.GetSeq()))
	if d.dropped != nil {
		d.dropped.Add(ctx, 1, metric.WithAttributes(
			attribute.String("conn", d.name),
			attribute.String("kind", ev.GetKind().String())))
	}
	return false
}

func (d *dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case ev := <-d.queue:
			for _, h := range d.lookup(ev.GetKind()) {
				d.invoke(ctx, h, ev)
			}
		}
	}
}

func (d *dispatcher) invoke(ctx context.Context, h Handler, ev event.Event) {
	var catcher panics.Catcher
	catcher.Try(func() { h(ctx, ev) })
	if r := catcher.Recovered(); r != nil {
		slog.Error("Stream handler panic recovered",
			slog.String("conn", d.name),
			slog.String("kind", ev.GetKind().String()),
			slog.Any("panic", r.Value),
			slog.String("stack", string(r.Stack)))
		if d.panicked != nil {
			d.panicked.Add(ctx, 1, metric.WithAttributes(attribute.String("conn", d.name)))
		}
	}
}

// stop ends the worker. Events still queued are discarded.
func (d *dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}
