package term

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/deck-driver/internal/logging"
)

var log = logging.ForComponent(logging.CompTerm)

// Gate serializes keystroke-level automation. Only one window can be
// frontmost and receiving keystrokes at a time, so every call that types,
// focuses, or shows a dialog takes the gate; structured queries bypass it
// and only get a timeout bound. Dispatch and monitor loops share one Gate
// so their keystrokes never interleave.
type Gate struct {
	sem              chan struct{}
	limiter          *rate.Limiter
	keystrokeTimeout time.Duration
	queryTimeout     time.Duration
	dialogTimeout    time.Duration
}

// GateConfig bounds and paces automation calls.
type GateConfig struct {
	KeystrokeTimeout time.Duration
	QueryTimeout     time.Duration
	DialogTimeout    time.Duration
	KeystrokesPerSec float64
}

// NewGate builds a gate. Zero values get conservative defaults.
func NewGate(cfg GateConfig) *Gate {
	if cfg.KeystrokeTimeout <= 0 {
		cfg.KeystrokeTimeout = 5 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 3 * time.Second
	}
	if cfg.DialogTimeout <= 0 {
		cfg.DialogTimeout = 60 * time.Second
	}
	if cfg.KeystrokesPerSec <= 0 {
		cfg.KeystrokesPerSec = 4
	}
	return &Gate{
		sem:              make(chan struct{}, 1),
		limiter:          rate.NewLimiter(rate.Limit(cfg.KeystrokesPerSec), 1),
		keystrokeTimeout: cfg.KeystrokeTimeout,
		queryTimeout:     cfg.QueryTimeout,
		dialogTimeout:    cfg.DialogTimeout,
	}
}

// Keystroke runs fn holding the global gate with the keystroke timeout.
// A timed-out call is never retried: re-sending keystrokes risks double
// execution in the target window.
func (g *Gate) Keystroke(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.serialized(ctx, g.keystrokeTimeout, fn)
}

// Dialog runs fn holding the gate with the (longer) dialog timeout.
func (g *Gate) Dialog(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.serialized(ctx, g.dialogTimeout, fn)
}

func (g *Gate) serialized(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.sem }()

	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(callCtx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// Query runs fn with the query timeout, no serialization. Timed-out
// queries are retried once; queries are idempotent by contract.
func (g *Gate) Query(ctx context.Context, fn func(ctx context.Context) error) error {
	run := func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.queryTimeout)
		defer cancel()
		err := fn(callCtx)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	}

	err := run()
	if errors.Is(err, ErrTimeout) {
		logging.Aggregate(logging.CompTerm, "query_retry")
		return run()
	}
	return err
}
