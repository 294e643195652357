package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/clinical-api/internal/model"
	apperrors "github.com/jwalitptl/clinical-api/pkg/errors"
	"github.com/jwalitptl/clinical-api/pkg/metrics"
)

type script struct {
	attempts []model.DraftRef
	results  []error
	recovers int
	fresh    model.DraftRef
	recErr   error
}

func (s *script) protocol() Protocol[string] {
	return Protocol[string]{
		Operation: "mutate_tooth",
		Ref:       model.DraftRef{ChartID: uuid.New(), Token: "old"},
		Attempt: func(_ context.Context, ref model.DraftRef) (string, error) {
			s.attempts = append(s.attempts, ref)
			err := s.results[len(s.attempts)-1]
			if err != nil {
				return "", err
			}
			return "ok", nil
		},
		Recover: func(context.Context) (model.DraftRef, error) {
			s.recovers++
			return s.fresh, s.recErr
		},
	}
}

func stale() error {
	return apperrors.StateConflict(apperrors.ConflictStaleToken, nil)
}

func TestRunSucceedsFirstTime(t *testing.T) {
	s := &script{results: []error{nil}}
	p := s.protocol()

	out, err := Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Value)
	assert.Equal(t, p.Ref, out.Ref)
	assert.False(t, out.Recovered)
	assert.Zero(t, s.recovers)
}

func TestRunRetriesWithRecoveredRef(t *testing.T) {
	m := metrics.NewNop()
	s := &script{results: []error{stale(), nil}, fresh: model.DraftRef{ChartID: uuid.New(), Token: "fresh"}}

	out, err := Run(context.Background(), s.protocol(), WithMetrics(m))
	require.NoError(t, err)
	assert.True(t, out.Recovered)
	assert.Equal(t, s.fresh, out.Ref)
	require.Len(t, s.attempts, 2)
	assert.Equal(t, s.fresh, s.attempts[1])
	assert.Equal(t, 1, s.recovers)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictRecoveries.WithLabelValues("mutate_tooth", OutcomeSucceeded)))
}

func TestRunPropagatesSecondConflictUnchanged(t *testing.T) {
	second := apperrors.StateConflict(apperrors.ConflictRecordClosed, nil)
	s := &script{results: []error{stale(), second}, fresh: model.DraftRef{ChartID: uuid.New(), Token: "fresh"}}

	out, err := Run(context.Background(), s.protocol())
	assert.Same(t, second, err)
	assert.Equal(t, s.fresh, out.Ref)
	assert.Len(t, s.attempts, 2)
	assert.Equal(t, 1, s.recovers)
}

func TestRunDoesNotRetryOtherErrors(t *testing.T) {
	cases := map[string]error{
		"validation": apperrors.Validation("bad patch", nil),
		"permission": apperrors.Permission("edit dental charts"),
		"not found":  apperrors.NotFound("dental chart", nil),
		"plain":      errors.New("connection reset"),
	}
	for name, cause := range cases {
		t.Run(name, func(t *testing.T) {
			s := &script{results: []error{cause}}
			_, err := Run(context.Background(), s.protocol())
			assert.Same(t, cause, err)
			assert.Len(t, s.attempts, 1)
			assert.Zero(t, s.recovers)
		})
	}
}

func TestRunReturnsRecoveryFailureUnchanged(t *testing.T) {
	recErr := apperrors.StateConflict(apperrors.ConflictRecordClosed, nil)
	s := &script{results: []error{stale()}, recErr: recErr}
	p := s.protocol()

	out, err := Run(context.Background(), p)
	assert.Same(t, recErr, err)
	assert.Equal(t, p.Ref, out.Ref)
	assert.Len(t, s.attempts, 1)
}
