// Package conflict runs chart mutations under the refresh-and-retry-once protocol:
// a state conflict triggers one recovery step and one retry with the ref the
// recovery returned. Any other failure, or a second failure, reaches the caller
// unchanged.
package conflict

import (
	"context"

	"github.com/jwalitptl/clinical-api/internal/model"
	apperrors "github.com/jwalitptl/clinical-api/pkg/errors"
	"github.com/jwalitptl/clinical-api/pkg/logger"
	"github.com/jwalitptl/clinical-api/pkg/metrics"
)

const (
	OutcomeSucceeded     = "retry_succeeded"
	OutcomeRetryFailed   = "retry_failed"
	OutcomeRecoverFailed = "recover_failed"
)

// Protocol describes one guarded operation.
type Protocol[T any] struct {
	// Operation names the operation in logs and metrics.
	Operation string
	Ref       model.DraftRef
	Attempt   func(ctx context.Context, ref model.DraftRef) (T, error)
	// Recover refreshes the caller's view and returns the ref to retry with.
	Recover func(ctx context.Context) (model.DraftRef, error)
}

// Outcome carries the attempt's value and the ref the caller should hold from
// now on. Ref differs from Protocol.Ref only when Recovered is true.
type Outcome[T any] struct {
	Value     T
	Ref       model.DraftRef
	Recovered bool
}

type runner struct {
	logger  *logger.Logger
	metrics *metrics.Metrics
}

type Option func(*runner)

func WithLogger(l *logger.Logger) Option {
	return func(r *runner) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *runner) { r.metrics = m }
}

// Run executes p. At most two attempts and one recovery are made.
func Run[T any](ctx context.Context, p Protocol[T], opts ...Option) (Outcome[T], error) {
	r := &runner{logger: logger.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	log := r.logger.WithContext(ctx)

	value, err := p.Attempt(ctx, p.Ref)
	if err == nil {
		return Outcome[T]{Value: value, Ref: p.Ref}, nil
	}
	if !apperrors.IsStateConflict(err) || p.Recover == nil {
		return Outcome[T]{Ref: p.Ref}, err
	}

	reason := apperrors.ConflictOf(err)
	log.Debug("state conflict, recovering",
		"operation", p.Operation, "reason", string(reason), "chart_id", p.Ref.ChartID.String())

	ref, rerr := p.Recover(ctx)
	if rerr != nil {
		r.observe(p.Operation, OutcomeRecoverFailed)
		log.Debug("conflict recovery failed", "operation", p.Operation, "error", rerr.Error())
		return Outcome[T]{Ref: p.Ref}, rerr
	}

	value, err = p.Attempt(ctx, ref)
	if err != nil {
		r.observe(p.Operation, OutcomeRetryFailed)
		log.Debug("retry after recovery failed", "operation", p.Operation, "error", err.Error())
		return Outcome[T]{Ref: ref, Recovered: true}, err
	}
	r.observe(p.Operation, OutcomeSucceeded)
	return Outcome[T]{Value: value, Ref: ref, Recovered: true}, nil
}

func (r *runner) observe(operation, outcome string) {
	if r.metrics == nil {
		return
	}
	r.metrics.ConflictRecoveries.WithLabelValues(operation, outcome).Inc()
}
