package dentalchart

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/service/conflict"
)

// Session is one editor's view of a draft. Its methods run through the
// conflict protocol: on a state conflict the session refreshes its ref once and
// retries, and it keeps whatever ref the protocol hands back.
type Session struct {
	svc      *Service
	mu       sync.Mutex
	ref      model.DraftRef
	recordID uuid.UUID
}

// NewSession starts a session holding ref.
func (s *Service) NewSession(ref model.DraftRef) *Session {
	return &Session{svc: s, ref: ref}
}

// Ref returns the ref the session currently holds. It is zero after the draft
// was consolidated or discarded.
func (s *Session) Ref() model.DraftRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ref
}

// Consolidate publishes the session's draft. On a conflict it takes over the
// record's live draft, if there is one, and retries once. It never opens a
// draft to consolidate: a fresh draft carries none of the caller's edits, so
// the first conflict is returned instead.
func (s *Session) Consolidate(ctx context.Context) (*model.DentalChart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := &adoption{session: s}
	out, err := conflict.Run(ctx, conflict.Protocol[*model.DentalChart]{
		Operation: opConsolidate,
		Ref:       s.ref,
		Attempt: func(ctx context.Context, ref model.DraftRef) (*model.DentalChart, error) {
			chart, err := s.svc.Consolidate(ctx, ref.ChartID, ref.Token)
			return chart, a.observe(err)
		},
		Recover: a.recover,
	}, s.options()...)
	if err != nil {
		s.ref = a.settle(out.Ref)
		return nil, err
	}
	s.ref = model.DraftRef{}
	return out.Value, nil
}

// Discard drops the session's draft, recovering the same way as Consolidate.
func (s *Session) Discard(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := &adoption{session: s}
	out, err := conflict.Run(ctx, conflict.Protocol[struct{}]{
		Operation: opDiscard,
		Ref:       s.ref,
		Attempt: func(ctx context.Context, ref model.DraftRef) (struct{}, error) {
			return struct{}{}, a.observe(s.svc.Discard(ctx, ref.ChartID, ref.Token))
		},
		Recover: a.recover,
	}, s.options()...)
	if err != nil {
		s.ref = a.settle(out.Ref)
		return err
	}
	s.ref = model.DraftRef{}
	return nil
}

// MutateTooth applies patch against the session's token.
func (s *Session) MutateTooth(ctx context.Context, patch model.ToothPatch) (*model.DentalChart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out, err := conflict.Run(ctx, conflict.Protocol[*model.DentalChart]{
		Operation: opMutateTooth,
		Ref:       s.ref,
		Attempt: func(ctx context.Context, ref model.DraftRef) (*model.DentalChart, error) {
			return s.svc.MutateTooth(ctx, ref.ChartID, patch, ref.Token)
		},
		Recover: s.recover,
	}, s.options()...)
	if err != nil {
		s.ref = out.Ref
		return nil, err
	}
	s.ref = out.Value.Ref()
	return out.Value, nil
}

// recover resolves the record lazily; the ref alone names only the chart.
func (s *Session) recover(ctx context.Context) (model.DraftRef, error) {
	recordID, err := s.record(ctx)
	if err != nil {
		return model.DraftRef{}, err
	}
	return s.svc.Recover(ctx, recordID)
}

func (s *Session) record(ctx context.Context) (uuid.UUID, error) {
	if s.recordID == uuid.Nil {
		recordID, err := s.svc.RecordOf(ctx, s.ref.ChartID)
		if err != nil {
			return uuid.Nil, err
		}
		s.recordID = recordID
	}
	return s.recordID, nil
}

// adoption is the recovery step of Consolidate and Discard. It only takes
// over a live draft; with none left the first conflict stands.
type adoption struct {
	session *Session
	cause   error
	orphan  bool
}

// observe keeps the first attempt's error.
func (a *adoption) observe(err error) error {
	if a.cause == nil {
		a.cause = err
	}
	return err
}

func (a *adoption) recover(ctx context.Context) (model.DraftRef, error) {
	recordID, err := a.session.record(ctx)
	if err != nil {
		return model.DraftRef{}, err
	}
	ref, ok, err := a.session.svc.liveDraft(ctx, recordID)
	if err != nil {
		return model.DraftRef{}, err
	}
	if !ok {
		a.orphan = true
		return model.DraftRef{}, a.cause
	}
	return ref, nil
}

// settle returns the ref a session holds after a failed run: nothing when no
// draft was left to adopt.
func (a *adoption) settle(ref model.DraftRef) model.DraftRef {
	if a.orphan {
		return model.DraftRef{}
	}
	return ref
}

func (s *Session) options() []conflict.Option {
	return []conflict.Option{
		conflict.WithLogger(s.svc.logger),
		conflict.WithMetrics(s.svc.metrics),
	}
}
