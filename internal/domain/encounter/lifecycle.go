package encounter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/events"
	"github.com/ehr/edflow/internal/workflow"
	"github.com/ehr/edflow/pkg/pagination"
)

const kind = "encounter"

// API is the slice of the Clinical API the lifecycle consumes.
type API interface {
	GetEncounter(ctx context.Context, id uuid.UUID) (Encounter, error)
	ListEncounters(ctx context.Context, f ListFilter, p pagination.Params) ([]Encounter, error)
	UpdateEncounterStatus(ctx context.Context, id uuid.UUID, req StatusRequest) (Encounter, error)
}

// Lifecycle drives encounter transitions through a workflow store. The guard
// and disposition checks here only spare a round trip; the server repeats
// them before committing.
type Lifecycle struct {
	store   *workflow.Store[Encounter]
	api     API
	pub     events.Publisher
	metrics *workflow.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// LifecycleOption configures a Lifecycle.
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

func NewLifecycle(store *workflow.Store[Encounter], api API, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		store:  store,
		api:    api,
		pub:    events.Nop{},
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Store exposes the underlying cache for read access.
func (l *Lifecycle) Store() *workflow.Store[Encounter] { return l.store }

// Refresh reloads the cached list from the server.
func (l *Lifecycle) Refresh(ctx context.Context, f ListFilter, p pagination.Params) ([]Encounter, error) {
	list, err := l.api.ListEncounters(ctx, f, p)
	if err != nil {
		return nil, err
	}
	l.store.Load(list)
	return list, nil
}

// Open fetches one encounter and makes it the open entity.
func (l *Lifecycle) Open(ctx context.Context, id uuid.UUID) (Encounter, error) {
	enc, err := l.api.GetEncounter(ctx, id)
	if err != nil {
		return Encounter{}, err
	}
	l.store.Open(enc)
	return enc, nil
}

// RequestTransition moves enc to target on behalf of actor. disp is required
// for terminal targets and ignored otherwise. Validation failures and guard
// denials return before the store is touched; remote failures leave the
// store exactly as it was.
func (l *Lifecycle) RequestTransition(ctx context.Context, enc Encounter, target Status, actor auth.Actor, disp *Disposition) (Encounter, error) {
	if cached, ok := l.cached(enc.Key()); ok {
		enc = cached
	}

	if !CanMove(enc.Status, target) {
		l.metrics.Rejected(kind, "invalid_transition")
		return Encounter{}, &workflow.TransitionError{Kind: kind, From: string(enc.Status), To: string(target)}
	}
	if d := CanTransition(actor, enc, target); !d.Allow {
		l.metrics.Rejected(kind, "denied")
		l.logger.Info().Str("encounter_id", enc.Key()).Str("actor", actor.String()).
			Str("target", string(target)).Str("reason", d.Reason).Msg("transition denied")
		return Encounter{}, &workflow.DenialError{Reason: d.Reason}
	}

	req := StatusRequest{NewStatus: target}
	if target.IsTerminal() {
		if err := ValidateDisposition(disp); err != nil {
			l.metrics.Rejected(kind, "validation")
			return Encounter{}, err
		}
		req.Disposition = disp.clone()
	}

	predictedEnd := l.now()
	patch := func(e *Encounter) {
		e.Status = target
		if target.IsTerminal() {
			end := predictedEnd
			e.EndTime = &end
			e.Disposition = req.Disposition.clone()
		}
	}
	persist := func(ctx context.Context) (Encounter, error) {
		return l.api.UpdateEncounterStatus(ctx, enc.ID, req)
	}

	out, err := l.store.Apply(ctx, enc.Key(), patch, persist)
	switch {
	case errors.Is(err, workflow.ErrTransitionInFlight), errors.Is(err, workflow.ErrNotLoaded), errors.Is(err, workflow.ErrStoreClosed):
		return Encounter{}, err
	case err != nil:
		l.publish(ctx, events.TransitionRolledBack, enc.Key(), map[string]string{
			"from": string(enc.Status), "to": string(target), "error": err.Error(),
		})
		return Encounter{}, err
	}
	l.publish(ctx, events.TransitionCommitted, out.Key(), map[string]string{
		"from": string(enc.Status), "to": string(out.Status),
	})
	return out, nil
}

func (l *Lifecycle) cached(id string) (Encounter, bool) {
	if e, ok := l.store.Get(id); ok {
		return e, true
	}
	if e, ok := l.store.Current(); ok && e.Key() == id {
		return e, true
	}
	return Encounter{}, false
}

func (l *Lifecycle) publish(ctx context.Context, typ, id string, data interface{}) {
	if err := l.pub.Publish(ctx, events.New(events.TopicEncounter, typ, "Encounter", id, data)); err != nil {
		l.logger.Warn().Err(err).Str("event", typ).Msg("publish failed")
	}
}
