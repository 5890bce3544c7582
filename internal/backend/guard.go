package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/metrics"
)

// DefaultCallTimeout bounds a single backend call.
const DefaultCallTimeout = 10 * time.Second

// Guarded wraps a Client with a per-call timeout, a circuit breaker and
// latency metrics. Errors that are not already classified come out as
// BackendUnavailable, so callers can rely on IsRetryable and IsRejected.
//
// The timeout holds even for clients that ignore ctx: the caller gets
// ErrCodeBackendTimeout when it fires, while the abandoned call runs to
// completion in the background. Writes are versioned, so a late landing
// or a retry of the same op leaves the index in the same state.
type Guarded struct {
	inner   Client
	timeout time.Duration
	breaker *errs.CircuitBreaker
	metrics *metrics.Metrics
}

// GuardOption configures a Guarded client.
type GuardOption func(*Guarded)

// WithCallTimeout sets the per-call timeout. Zero disables it.
func WithCallTimeout(d time.Duration) GuardOption {
	return func(g *Guarded) {
		g.timeout = d
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *errs.CircuitBreaker) GuardOption {
	return func(g *Guarded) {
		g.breaker = cb
	}
}

// WithMetrics records call latency into m.
func WithMetrics(m *metrics.Metrics) GuardOption {
	return func(g *Guarded) {
		g.metrics = m
	}
}

// NewGuarded wraps inner.
func NewGuarded(inner Client, opts ...GuardOption) *Guarded {
	g := &Guarded{
		inner:   inner,
		timeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = errs.NewCircuitBreaker("search-backend")
	}
	if g.metrics == nil {
		g.metrics = metrics.New(nil)
	}
	return g
}

// Breaker exposes the circuit breaker state for status output.
func (g *Guarded) Breaker() *errs.CircuitBreaker {
	return g.breaker
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	err := g.breaker.Execute(func() error {
		return classify(ctx, op, await(ctx, fn))
	}, errs.IsRetryable)
	if errors.Is(err, errs.ErrCircuitOpen) {
		err = errs.BackendUnavailable("search backend circuit is open", err)
	}

	result := "ok"
	switch {
	case err == nil:
	case errs.IsRejected(err):
		result = "rejected"
	default:
		result = "error"
	}
	g.metrics.BackendLatency.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	return err
}

// await runs fn and returns its error, or ctx's error if ctx ends first.
func await(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify turns raw errors into IndexErrors.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errs.GetCode(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return errs.New(errs.ErrCodeBackendTimeout, fmt.Sprintf("backend %s timed out", op), err)
	}
	return errs.BackendUnavailable(fmt.Sprintf("backend %s failed", op), err)
}

// Upsert implements Client.
func (g *Guarded) Upsert(ctx context.Context, index string, doc Document) error {
	return g.call(ctx, "upsert", func(ctx context.Context) error {
		return g.inner.Upsert(ctx, index, doc)
	})
}

// Delete implements Client.
func (g *Guarded) Delete(ctx context.Context, index, id string, version int64) error {
	return g.call(ctx, "delete", func(ctx context.Context) error {
		return g.inner.Delete(ctx, index, id, version)
	})
}

// Bulk implements Client.
func (g *Guarded) Bulk(ctx context.Context, index string, ops []Op) error {
	return g.call(ctx, "bulk", func(ctx context.Context) error {
		return g.inner.Bulk(ctx, index, ops)
	})
}

// DeleteIndex implements Client.
func (g *Guarded) DeleteIndex(ctx context.Context, index string) error {
	return g.call(ctx, "delete_index", func(ctx context.Context) error {
		return g.inner.DeleteIndex(ctx, index)
	})
}

// Close closes the wrapped client.
func (g *Guarded) Close() error {
	return g.inner.Close()
}
