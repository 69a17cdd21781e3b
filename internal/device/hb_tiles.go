package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("hammerblade-device")

var errBarrierBroken = errors.New("tile group barrier broken")

// Tile is one core of the tile group executing a kernel body.
type Tile struct {
	ID   int // bsg_id, y*DimX + x
	X, Y int
	DimX int
	DimY int

	ctx     context.Context
	barrier *barrier
}

// Count returns the number of tiles in the group.
func (t *Tile) Count() int {
	return t.DimX * t.DimY
}

// Sync blocks until every tile in the group has reached the barrier.
func (t *Tile) Sync() error {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	return t.barrier.wait()
}

// barrier is a reusable generation barrier. abort wakes all waiters and makes
// every later wait fail with the abort cause, so one faulting tile cannot
// strand the others.
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	waiting int
	gen     uint64
	cause   error
}

func newBarrier(parties int) *barrier {
	b := &barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cause != nil {
		return fmt.Errorf("%w: %w", errBarrierBroken, b.cause)
	}
	gen := b.gen
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.gen++
		b.cond.Broadcast()
		return nil
	}
	for gen == b.gen && b.cause == nil {
		b.cond.Wait()
	}
	if gen == b.gen {
		return fmt.Errorf("%w: %w", errBarrierBroken, b.cause)
	}
	return nil
}

// abort breaks the barrier; waiters report cause. Only the first cause sticks.
func (b *barrier) abort(cause error) {
	b.mu.Lock()
	if b.cause == nil {
		b.cause = cause
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

// launch runs body once per tile and waits for the whole group, like a
// kernel invocation on the manycore. Panics inside a tile are reported as
// ErrKernelFault.
func (b *HammerBladeBackend) launch(ctx context.Context, kernel string, body func(t *Tile) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.breaker.Allow() {
		breakerOpen.WithLabelValues(b.dev.String()).Set(1)
		kernelLaunches.WithLabelValues(kernel, "rejected").Inc()
		return fmt.Errorf("%w: circuit open after repeated kernel faults", ErrDeviceUnavailable)
	}
	breakerOpen.WithLabelValues(b.dev.String()).Set(0)

	ctx, span := tracer.Start(ctx, kernel,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("device", b.dev.String()),
			attribute.Int("tiles_x", b.cfg.TilesX),
			attribute.Int("tiles_y", b.cfg.TilesY),
		),
	)
	defer span.End()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	bar := newBarrier(b.cfg.TilesX * b.cfg.TilesY)
	stop := context.AfterFunc(gctx, func() { bar.abort(context.Cause(gctx)) })
	defer stop()

	for y := 0; y < b.cfg.TilesY; y++ {
		for x := 0; x < b.cfg.TilesX; x++ {
			tile := &Tile{
				ID:      y*b.cfg.TilesX + x,
				X:       x,
				Y:       y,
				DimX:    b.cfg.TilesX,
				DimY:    b.cfg.TilesY,
				ctx:     gctx,
				barrier: bar,
			}
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("%w: %s on tile %d: %v", ErrKernelFault, kernel, tile.ID, r)
					}
					if err != nil {
						bar.abort(err)
					}
				}()
				return body(tile)
			})
		}
	}

	err := g.Wait()
	elapsed := time.Since(start)
	kernelDuration.WithLabelValues(kernel).Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		kernelLaunches.WithLabelValues(kernel, "error").Inc()
		if ctx.Err() == nil {
			b.breaker.Failure()
		}
		log.Warn().Err(err).Str("kernel", kernel).Str("device", b.dev.String()).Msg("Kernel launch failed")
		return err
	}

	b.breaker.Success()
	kernelLaunches.WithLabelValues(kernel, "ok").Inc()
	log.Debug().
		Str("kernel", kernel).
		Int("tiles", b.cfg.TilesX*b.cfg.TilesY).
		Dur("elapsed", elapsed).
		Msg("Kernel complete")
	return nil
}
