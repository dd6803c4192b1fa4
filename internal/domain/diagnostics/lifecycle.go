package diagnostics

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/domain/staff"
	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/events"
	"github.com/ehr/edflow/internal/workflow"
)

const kind = "diagnostic_test"

// API is the slice of the Clinical and Integrity APIs the lifecycle consumes.
type API interface {
	GetDiagnosticTest(ctx context.Context, id uuid.UUID) (DiagnosticTest, error)
	ListDiagnosticTests(ctx context.Context, encounterID uuid.UUID) ([]DiagnosticTest, error)
	UpdateDiagnosticTest(ctx context.Context, id uuid.UUID, req TransitionRequest) (DiagnosticTest, error)
	RetryAnchor(ctx context.Context, id uuid.UUID) (DiagnosticTest, error)
}

// StaffResolver resolves processed_by ids. *staff.Roster implements it.
type StaffResolver interface {
	Resolve(ctx context.Context, id uuid.UUID) (staff.Staff, error)
}

// Extra carries the per-target payload of a transition.
type Extra struct {
	// ProcessedBy is required for IN_PROGRESS.
	ProcessedBy *uuid.UUID
	// Fields and Values are used for COMPLETED. A nil Fields means the
	// preset schema with no custom fields.
	Fields *FieldSet
	Values map[string]string
}

// Lifecycle drives diagnostic test transitions through a workflow store.
type Lifecycle struct {
	store   *workflow.Store[DiagnosticTest]
	api     API
	roster  StaffResolver
	pub     events.Publisher
	metrics *workflow.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

type LifecycleOption func(*Lifecycle)

func WithPublisher(p events.Publisher) LifecycleOption {
	return func(l *Lifecycle) { l.pub = p }
}

func WithMetrics(m *workflow.Metrics) LifecycleOption {
	return func(l *Lifecycle) { l.metrics = m }
}

func WithLogger(logger zerolog.Logger) LifecycleOption {
	return func(l *Lifecycle) { l.logger = logger }
}

func NewLifecycle(store *workflow.Store[DiagnosticTest], api API, roster StaffResolver, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		store:  store,
		api:    api,
		roster: roster,
		pub:    events.Nop{},
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Lifecycle) Store() *workflow.Store[DiagnosticTest] { return l.store }

// Refresh loads the tests of one encounter into the cache.
func (l *Lifecycle) Refresh(ctx context.Context, encounterID uuid.UUID) ([]DiagnosticTest, error) {
	list, err := l.api.ListDiagnosticTests(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	l.store.Load(list)
	return list, nil
}

// Open fetches one test and makes it the open entity.
func (l *Lifecycle) Open(ctx context.Context, id uuid.UUID) (DiagnosticTest, error) {
	t, err := l.api.GetDiagnosticTest(ctx, id)
	if err != nil {
		return DiagnosticTest{}, err
	}
	l.store.Open(t)
	return t, nil
}

// RequestTransition moves test one step forward on behalf of actor.
func (l *Lifecycle) RequestTransition(ctx context.Context, test DiagnosticTest, target Status, actor auth.Actor, extra Extra) (DiagnosticTest, error) {
	if cached, ok := l.cached(test.Key()); ok {
		test = cached
	}
	if !CanMove(test.Status, target) {
		l.metrics.Rejected(kind, "invalid_transition")
		return DiagnosticTest{}, &workflow.TransitionError{Kind: kind, From: string(test.Status), To: string(target)}
	}
	if d := CanTransition(actor, test, target); !d.Allow {
		l.metrics.Rejected(kind, "denied")
		return DiagnosticTest{}, &workflow.DenialError{Reason: d.Reason}
	}

	req, err := l.prepare(ctx, test, target, extra)
	if err != nil {
		l.metrics.Rejected(kind, "validation")
		return DiagnosticTest{}, err
	}

	now := l.now()
	patch := func(t *DiagnosticTest) {
		t.Status = target
		switch target {
		case StatusInProgress:
			id := *req.ProcessedBy
			t.ProcessedBy = &id
			t.ProcessedAt = cloneTime(&now)
		case StatusCompleted:
			t.Results = req.Results.Clone()
			t.CompletedAt = cloneTime(&now)
		case StatusResultVerified:
			t.VerifiedAt = cloneTime(&now)
		}
	}
	persist := func(ctx context.Context) (DiagnosticTest, error) {
		return l.api.UpdateDiagnosticTest(ctx, test.ID, req)
	}
	return l.apply(ctx, test, patch, persist)
}

// prepare runs the per-target pre-flight checks and builds the request body.
func (l *Lifecycle) prepare(ctx context.Context, test DiagnosticTest, target Status, extra Extra) (TransitionRequest, error) {
	req := TransitionRequest{Status: target}
	switch target {
	case StatusInProgress:
		if extra.ProcessedBy == nil || *extra.ProcessedBy == uuid.Nil {
			return req, workflow.NewValidationError("processed_by", "is required")
		}
		st, err := l.roster.Resolve(ctx, *extra.ProcessedBy)
		switch {
		case errors.Is(err, staff.ErrUnknownStaff):
			return req, workflow.NewValidationError("processed_by", "unknown staff member")
		case err != nil:
			return req, err
		case !st.Clinical():
			return req, workflow.NewValidationError("processed_by", "must be an active doctor or nurse")
		}
		id := st.ID
		req.ProcessedBy = &id
	case StatusCompleted:
		fields := extra.Fields
		if fields == nil {
			fs, err := NewFieldSet(test.TestType)
			if err != nil {
				return req, err
			}
			fields = fs
		}
		results, err := fields.BuildResults(extra.Values)
		if err != nil {
			return req, err
		}
		req.Results = results
	}
	return req, nil
}

// Retry asks the Integrity API to re-anchor a completed test whose result
// hash has not reached the ledger.
func (l *Lifecycle) Retry(ctx context.Context, test DiagnosticTest) (DiagnosticTest, error) {
	if cached, ok := l.cached(test.Key()); ok {
		test = cached
	}
	if !test.AwaitingAnchor() {
		return DiagnosticTest{}, workflow.NewValidationError("status", "only completed tests awaiting anchoring can be retried")
	}
	persist := func(ctx context.Context) (DiagnosticTest, error) {
		return l.api.RetryAnchor(ctx, test.ID)
	}
	return l.apply(ctx, test, func(*DiagnosticTest) {}, persist)
}

func (l *Lifecycle) apply(ctx context.Context, test DiagnosticTest, patch func(*DiagnosticTest), persist workflow.PersistFunc[DiagnosticTest]) (DiagnosticTest, error) {
	out, err := l.store.Apply(ctx, test.Key(), patch, persist)
	switch {
	case errors.Is(err, workflow.ErrTransitionInFlight), errors.Is(err, workflow.ErrNotLoaded), errors.Is(err, workflow.ErrStoreClosed):
		return DiagnosticTest{}, err
	case err != nil:
		l.publish(ctx, events.TransitionRolledBack, test.Key(), map[string]string{
			"status": string(test.Status), "error": err.Error(),
		})
		return DiagnosticTest{}, err
	}
	l.publish(ctx, events.TransitionCommitted, out.Key(), map[string]string{
		"from": string(test.Status), "to": string(out.Status),
	})
	return out, nil
}

func (l *Lifecycle) cached(id string) (DiagnosticTest, bool) {
	if t, ok := l.store.Get(id); ok {
		return t, true
	}
	if t, ok := l.store.Current(); ok && t.Key() == id {
		return t, true
	}
	return DiagnosticTest{}, false
}

func (l *Lifecycle) publish(ctx context.Context, typ, id string, data interface{}) {
	if err := l.pub.Publish(ctx, events.New(events.TopicDiagnosticTest, typ, "DiagnosticTest", id, data)); err != nil {
		l.logger.Warn().Err(err).Str("event", typ).Msg("publish failed")
	}
}
