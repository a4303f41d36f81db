package fanout

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"chatsync/errs"
)

// Breaker stops hammering an unavailable channel: after consecutive publish
// failures it fails fast with a retryable error until the cool-down passes.
type Breaker struct {
	Bus
	cb *gobreaker.CircuitBreaker
}

type BreakerConfig struct {
	MaxFailures uint32
	Cooldown    time.Duration
}

func NewBreaker(bus Bus, cfg BreakerConfig, log *zap.Logger) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "fanout",
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// An envelope the bus refuses to carry says nothing about the bus.
		IsSuccessful: func(err error) bool {
			return err == nil || errs.Is(err, errs.KindValidation)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Breaker{Bus: bus, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Publish(ctx context.Context, env Envelope) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Bus.Publish(ctx, env)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errs.Retryable("fanout circuit open", err)
	}
	return err
}

// State reports the breaker state for health checks.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
