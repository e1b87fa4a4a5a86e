package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Breaker gates calls per provider. Failure reports whether the breaker just opened.
type Breaker interface {
	Allow(key string) bool
	Success(key string)
	Failure(key string) (opened bool)
}

// Dispatcher routes a notification to the provider registered for its token type.
// It reports outcomes only; updating device records on Unregistered is the caller's job.
// Failed sends are not retried here.
type Dispatcher struct {
	providers map[TokenType]Provider
	brk       Breaker
	timeout   time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewDispatcher(log *zap.Logger, timeout time.Duration, brk Breaker, providers map[TokenType]Provider) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		providers: providers,
		brk:       brk,
		timeout:   timeout,
		log:       log,
		now:       time.Now,
	}
}

func (d *Dispatcher) SendNotification(ctx context.Context, n Notification) (Result, error) {
	if n.Token == "" {
		return Result{At: d.now(), ErrorCode: "missing_token"}, ErrInvalidArgument
	}
	p, ok := d.providers[n.TokenType]
	if !ok || p == nil {
		return Result{At: d.now(), ErrorCode: "unsupported_token_type"}, fmt.Errorf("%w: %q", ErrUnsupportedType, n.TokenType)
	}
	if d.brk != nil && !d.brk.Allow(p.Type()) {
		return Result{Provider: p.Type(), At: d.now(), ErrorCode: "circuit_open"}, ErrCircuitOpen
	}

	pctx, cancel := context.WithTimeout(ctx, d.timeout)
	res, err := p.Push(pctx, n)
	cancel()
	if res.At.IsZero() {
		res.At = d.now()
	}
	res.Provider = p.Type()

	switch {
	case res.Unregistered:
		// the platform answered; a dead token says nothing about provider health
		if res.UnregisteredAt.IsZero() {
			res.UnregisteredAt = res.At
		}
		res.Accepted = false
		if d.brk != nil {
			d.brk.Success(p.Type())
		}
	case err == nil:
		if d.brk != nil {
			d.brk.Success(p.Type())
		}
	default:
		res.Accepted = false
		if errors.Is(err, context.DeadlineExceeded) && res.ErrorCode == "" {
			res.ErrorCode = "timeout"
		}
		if d.brk != nil && d.brk.Failure(p.Type()) {
			d.log.Warn("push provider breaker opened", zap.String("provider", p.Type()))
		}
	}
	return res, err
}
