package sms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrProviderUnavailable is returned while the breaker is open
var ErrProviderUnavailable = errors.New("sms provider unavailable")

type BreakerSettings struct {
	Name        string
	MaxFailures uint32
	OpenFor     time.Duration
	Timeout     time.Duration
}

// BreakerSender bounds each delivery with a timeout and stops calling a
// failing provider until the breaker half-opens. Deliveries are never retried.
type BreakerSender struct {
	next    Sender
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

func NewBreakerSender(next Sender, s BreakerSettings, logger *zap.Logger) *BreakerSender {
	maxFailures := s.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	st := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("sms circuit breaker state",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerSender{
		next:    next,
		cb:      gobreaker.NewCircuitBreaker(st),
		timeout: s.Timeout,
	}
}

func (b *BreakerSender) Send(ctx context.Context, phone, message string) (*Result, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if b.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		return b.next.Send(callCtx, phone, message)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if err != nil {
		if res, ok := out.(*Result); ok && res != nil {
			return res, err
		}
		return nil, err
	}
	return out.(*Result), nil
}

func (b *BreakerSender) State() gobreaker.State {
	return b.cb.State()
}
