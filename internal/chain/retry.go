package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"RampSettle/internal/metrics"

	"go.uber.org/zap"
)

var (
	ErrRetriesExhausted      = errors.New("settlement call retries exhausted")
	ErrCallTimeout           = errors.New("settlement call timed out")
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	ErrUnconfirmed           = errors.New("broadcast transaction not confirmed")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retrier runs a call with exponential backoff up to a fixed number of
// attempts. Each attempt races a hard timeout; timeouts and failures are both
// retried unless marked Permanent.
type Retrier struct {
	Attempts    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
	Logger      *zap.Logger
}

func (r Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) (string, error)) (string, error) {
	start := time.Now()
	defer func() {
		metrics.GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ref, err := r.attempt(ctx, fn)
		if err == nil {
			metrics.GatewayCalls.WithLabelValues(op, "ok").Inc()
			return ref, nil
		}
		if ctx.Err() != nil {
			metrics.GatewayCalls.WithLabelValues(op, "cancelled").Inc()
			return "", ctx.Err()
		}
		lastErr = err
		if IsPermanent(err) {
			metrics.GatewayCalls.WithLabelValues(op, "permanent").Inc()
			return "", fmt.Errorf("%s: %w", op, err)
		}
		logger.Warn("settlement call failed",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Int("max_attempts", attempts), zap.Error(err))
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(r.backoff(attempt)):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	metrics.GatewayCalls.WithLabelValues(op, "exhausted").Inc()
	return "", fmt.Errorf("%s: %w: %w", op, ErrRetriesExhausted, lastErr)
}

func (r Retrier) attempt(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	callCtx := ctx
	cancel := func() {}
	if r.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.CallTimeout)
	}
	defer cancel()

	type result struct {
		ref string
		err error
	}
	done := make(chan result, 1)
	go func() {
		ref, err := fn(callCtx)
		done <- result{ref: ref, err: err}
	}()

	select {
	case res := <-done:
		return res.ref, res.err
	case <-callCtx.Done():
		return "", fmt.Errorf("%w after %s", ErrCallTimeout, r.CallTimeout)
	}
}

func (r Retrier) backoff(attempt int) time.Duration {
	d := r.BaseDelay << (attempt - 1)
	if r.MaxDelay > 0 && (d > r.MaxDelay || d <= 0) {
		d = r.MaxDelay
	}
	return d
}
