// Package dispatch issues provider calls one row at a time, enforcing
// the jittered inter-call delay and retrying throttled calls with
// exponential backoff.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/foxzi/mergemail/internal/message"
	"github.com/foxzi/mergemail/internal/metrics"
	"github.com/foxzi/mergemail/internal/provider"
)

// Config contains dispatcher tuning.
type Config struct {
	// Delay is the nominal inter-call delay. The actual sleep is
	// jittered to uniform(0.9*Delay, 1.1*Delay) so requests never fall
	// into a lock-step pattern.
	Delay time.Duration

	// BaseBackoff is the first backoff wait after a throttling signal.
	BaseBackoff time.Duration

	// MaxBackoff caps the exponential backoff wait.
	MaxBackoff time.Duration

	// MaxThrottleRetries bounds backoff retries per call.
	MaxThrottleRetries int

	// MaxTransientRetries bounds retries of transient faults per call.
	MaxTransientRetries int
}

func (c *Config) setDefaults() {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.MaxThrottleRetries <= 0 {
		c.MaxThrottleRetries = 5
	}
	if c.MaxTransientRetries <= 0 {
		c.MaxTransientRetries = 2
	}
}

// Dispatcher issues one provider call per row.
type Dispatcher struct {
	provider provider.Provider
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Collector

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error

	// jitter returns a uniform value in [0,1).
	jitter func() float64
}

// New creates a dispatcher for the provider.
func New(p provider.Provider, cfg Config, m *metrics.Collector, logger *slog.Logger) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		provider: p,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		sleep:    sleepCtx,
		jitter:   rand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatch performs the provider call for one payload, routing drafts
// to draft creation. Throttling signals are retried with exponential
// backoff up to the configured ceiling; transient faults get a small
// fixed number of retries. Any terminal failure comes back as *Error
// so the caller can record it and move to the next row. Cancellation
// during a retry wait returns the context's error instead: the call
// was not exhausted, and the caller decides what the interruption
// means for the row.
func (d *Dispatcher) Dispatch(ctx context.Context, p *message.Payload, intent message.Intent) (provider.Result, error) {
	throttleRetries := 0
	transientRetries := 0

	for {
		var res provider.Result
		var err error

		if intent == message.IntentDraft {
			res, err = d.provider.CreateDraft(ctx, p)
		} else {
			res, err = d.provider.Send(ctx, p)
		}
		if err == nil {
			return res, nil
		}

		switch {
		case provider.IsThrottled(err):
			if throttleRetries >= d.cfg.MaxThrottleRetries {
				return provider.Result{}, &Error{Kind: KindThrottled, Err: err}
			}
			wait := d.backoff(throttleRetries)
			throttleRetries++
			d.metrics.IncThrottleRetry()
			d.logger.Warn("provider throttled, backing off",
				"to", p.To,
				"attempt", throttleRetries,
				"wait", wait,
			)
			if serr := d.sleep(ctx, wait); serr != nil {
				return provider.Result{}, serr
			}

		case provider.IsTransient(err):
			if transientRetries >= d.cfg.MaxTransientRetries {
				return provider.Result{}, &Error{Kind: KindTransient, Err: err}
			}
			transientRetries++
			d.metrics.IncTransientRetry()
			d.logger.Warn("transient dispatch failure, retrying",
				"to", p.To,
				"attempt", transientRetries,
				"error", err,
			)
			if serr := d.sleep(ctx, d.cfg.BaseBackoff); serr != nil {
				return provider.Result{}, serr
			}

		default:
			return provider.Result{}, &Error{Kind: KindRejected, Err: err}
		}
	}
}

// backoff computes the exponential wait for the nth throttle retry,
// capped at MaxBackoff.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	wait := d.cfg.BaseBackoff
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	if wait > d.cfg.MaxBackoff {
		return d.cfg.MaxBackoff
	}
	return wait
}

// Wait sleeps the jittered inter-call delay before the next row. Draft
// batches skip it: draft creation carries no delivery cost.
func (d *Dispatcher) Wait(ctx context.Context, intent message.Intent) error {
	if intent == message.IntentDraft || d.cfg.Delay <= 0 {
		return nil
	}
	// uniform(0.9*delay, 1.1*delay)
	f := 0.9 + 0.2*d.jitter()
	return d.sleep(ctx, time.Duration(f*float64(d.cfg.Delay)))
}

// ApplyLabel tags a sent message, best-effort. Failures are logged and
// counted but never returned: a sent row stays sent.
func (d *Dispatcher) ApplyLabel(ctx context.Context, messageID, labelID string) {
	if labelID == "" {
		return
	}
	if err := d.provider.ApplyLabel(ctx, messageID, labelID); err != nil {
		d.metrics.IncLabelFailure()
		d.logger.Warn("label application failed", "message_id", messageID, "error", err)
	}
}
