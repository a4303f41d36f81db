package fanout

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("fanout: bus closed")

// MemoryBus delivers within one process. Several gateway hubs sharing one
// MemoryBus behave like separate processes on a real channel.
type MemoryBus struct {
	d      *dispatcher
	closed atomic.Bool
}

func NewMemoryBus(log *zap.Logger) *MemoryBus {
	return &MemoryBus{d: newDispatcher(log.Named("fanout"))}
}

func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.d.deliver(env)
	return nil
}

func (b *MemoryBus) Subscribe(h Handler) func() {
	return b.d.subscribe(h)
}

func (b *MemoryBus) Close() error {
	if b.closed.CompareAndSwap(false, true) {
		b.d.close()
	}
	return nil
}
