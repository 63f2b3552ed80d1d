// Package versioning implements revision-tagged read-modify-write for
// individual records. Every mutation of a Location or Transfer goes through an
// Applier, which turns "read, compute, write if unchanged" into a bounded
// compare-and-swap loop.
package versioning

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ehr/locations/pkg/apperrors"
)

// ErrVersionMismatch is returned by a Store when the stored revision is not
// the one the write was conditioned on.
var ErrVersionMismatch = errors.New("versioning: revision mismatch")

// Store is the conditional-write contract a record store must satisfy.
// Get must return a copy the caller may mutate freely. CompareAndSwap writes
// next only if the stored revision equals expected.
type Store[T Versioned] interface {
	Get(ctx context.Context, id uuid.UUID) (T, error)
	CompareAndSwap(ctx context.Context, next T, expected int) error
}

// RetryConfig bounds the compare-and-swap loop.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the production retry bounds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  2 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	return c
}

// MutateFunc computes the next state from the current one. Returning an error
// aborts the Apply without retrying.
type MutateFunc[T Versioned] func(current T) (T, error)

// Applier runs MutateFuncs against one kind of record.
type Applier[T Versioned] struct {
	kind      string
	store     Store[T]
	cfg       RetryConfig
	logger    zerolog.Logger
	attempts  metric.Int64Counter
	conflicts metric.Int64Counter
}

// NewApplier creates an Applier for records of the given kind ("location",
// "transfer"); kind is used in errors, logs and metric attributes.
func NewApplier[T Versioned](kind string, store Store[T], cfg RetryConfig, logger zerolog.Logger) *Applier[T] {
	meter := otel.Meter("github.com/ehr/locations/versioning")
	attempts, _ := meter.Int64Counter("cas.attempts",
		metric.WithDescription("Compare-and-swap write attempts"))
	conflicts, _ := meter.Int64Counter("cas.conflicts",
		metric.WithDescription("Compare-and-swap writes rejected by a concurrent change"))

	return &Applier[T]{
		kind:      kind,
		store:     store,
		cfg:       cfg.normalized(),
		logger:    logger.With().Str("component", "versioning").Str("kind", kind).Logger(),
		attempts:  attempts,
		conflicts: conflicts,
	}
}

// Apply reads the record, computes fn(record) and writes it conditioned on the
// revision that was read. On a revision mismatch the record is re-read and fn
// re-run, up to MaxAttempts times; after that a Conflict error is returned.
func (a *Applier[T]) Apply(ctx context.Context, id uuid.UUID, fn MutateFunc[T]) (T, error) {
	var zero T
	attrs := metric.WithAttributes(attribute.String("kind", a.kind))
	delay := a.cfg.InitialDelay

	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		current, err := a.store.Get(ctx, id)
		if err != nil {
			return zero, err
		}
		expected := current.GetVersionID()

		next, err := fn(current)
		if err != nil {
			return zero, err
		}
		next.SetVersionID(expected + 1)

		if a.attempts != nil {
			a.attempts.Add(ctx, 1, attrs)
		}
		err = a.store.CompareAndSwap(ctx, next, expected)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrVersionMismatch) {
			return zero, err
		}

		if a.conflicts != nil {
			a.conflicts.Add(ctx, 1, attrs)
		}
		a.logger.Debug().
			Str("id", id.String()).
			Int("attempt", attempt).
			Int("expected_version", expected).
			Msg("revision changed during write, retrying")

		if attempt == a.cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, jitter(delay)); err != nil {
			return zero, err
		}
		delay = time.Duration(float64(delay) * a.cfg.BackoffFactor)
		if delay > a.cfg.MaxDelay {
			delay = a.cfg.MaxDelay
		}
	}

	a.logger.Warn().Str("id", id.String()).Int("attempts", a.cfg.MaxAttempts).Msg("compare-and-swap retries exhausted")
	return zero, apperrors.Conflict("%s %s was modified concurrently; retries exhausted after %d attempts, re-fetch and retry",
		a.kind, id, a.cfg.MaxAttempts)
}

// jitter spreads d over [d/2, d) so colliding writers do not retry in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}

func sleep(ctx context.Context, d time.Duration) error {
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
