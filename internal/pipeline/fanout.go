package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"geotrack/internal/domain"
	"geotrack/internal/events"
	"geotrack/internal/metrics"
)

// FanoutItem is one accepted batch position awaiting background processing.
type FanoutItem struct {
	Device   *domain.Device
	Position *domain.Position
}

// Fanout runs event emission and alert evaluation off the batch request
// path. Enqueue never blocks: when consumers fall behind, items are dropped
// and counted rather than stalling ingestion.
type Fanout struct {
	log       zerolog.Logger
	bus       events.Publisher
	evaluator *Evaluator

	items   chan *FanoutItem
	workers int
}

func NewFanout(log zerolog.Logger, bus events.Publisher, evaluator *Evaluator, size, workers int) *Fanout {
	if size <= 0 {
		size = 10000
	}
	if workers <= 0 {
		workers = 1
	}
	return &Fanout{
		log:       log.With().Str("component", "fanout").Logger(),
		bus:       bus,
		evaluator: evaluator,
		items:     make(chan *FanoutItem, size),
		workers:   workers,
	}
}

// Enqueue hands an item to the workers, dropping it if the buffer is full.
func (f *Fanout) Enqueue(item *FanoutItem) {
	select {
	case f.items <- item:
	default:
		metrics.FanoutDrops.Add(1)
		f.log.Warn().Int64("deviceId", item.Device.ID).Msg("fanout buffer full, dropping item")
	}
}

// Run consumes the queue until the context is cancelled, then drains what is
// already buffered before returning.
func (f *Fanout) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < f.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					f.drain()
					return nil
				case item := <-f.items:
					f.process(ctx, item)
				}
			}
		})
	}
	return g.Wait()
}

func (f *Fanout) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case item := <-f.items:
			f.process(ctx, item)
		default:
			return
		}
	}
}

func (f *Fanout) process(ctx context.Context, item *FanoutItem) {
	if f.bus != nil {
		if err := f.bus.PublishPosition(ctx, item.Position); err != nil {
			f.log.Warn().Err(err).Int64("deviceId", item.Device.ID).
				Msg("position event publish failed")
		}
	}
	f.evaluator.Evaluate(ctx, item.Device, item.Position)
}
