package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskchime/taskchime/internal/backend"
	"github.com/taskchime/taskchime/internal/mapstore"
	"github.com/taskchime/taskchime/internal/model"
	"github.com/taskchime/taskchime/internal/policy"
)

const (
	otelScope        = "taskchime/engine"
	spanReconcile    = "engine.reconcile"
	metricScheduled  = "taskchime.engine.reminders.scheduled"
	metricCancelled  = "taskchime.engine.reminders.cancelled"
	metricSkipped    = "taskchime.engine.reminders.skipped"
	metricErrors     = "taskchime.engine.errors"
	metricReconciles = "taskchime.engine.reconciles"
)

// Engine is the synchronization engine. Create one with [New]; it is safe
// for concurrent use — concurrent calls serialize in arrival order.
type Engine struct {
	policy   policy.Policy
	backend  backend.Backend
	store    *mapstore.Store
	subjects SubjectSource
	userID   string
	log      *slog.Logger

	// mu serializes every engine run. No two cancel/schedule sequences may
	// interleave on the same map.
	mu sync.Mutex

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer        trace.Tracer
	cntScheduled  metric.Int64Counter
	cntCancelled  metric.Int64Counter
	cntSkipped    metric.Int64Counter
	cntErrors     metric.Int64Counter
	cntReconciles metric.Int64Counter
}

// New creates an Engine wired to the given policy, backend, map store, and
// subject source.
func New(pol policy.Policy, be backend.Backend, store *mapstore.Store, subjects SubjectSource, userID string, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		policy:   pol,
		backend:  be,
		store:    store,
		subjects: subjects,
		userID:   userID,
		log:      logger,

		tracer:        tracer,
		cntScheduled:  mustCounter(metricScheduled, "Number of reminders scheduled"),
		cntCancelled:  mustCounter(metricCancelled, "Number of reminders cancelled"),
		cntSkipped:    mustCounter(metricSkipped, "Number of subjects skipped by policy or permission"),
		cntErrors:     mustCounter(metricErrors, "Number of backend or persistence errors"),
		cntReconciles: mustCounter(metricReconciles, "Number of full reconciliation passes"),
	}
}

// OnSubjectChanged runs a targeted update for one subject: any prior
// reminder is cancelled first, then the policy decides whether and when a
// new one is scheduled. The cancel-then-decide-then-schedule order is what
// makes edits replace rather than stack. Returns false when a backend or
// persistence operation failed; the map is left in its last consistent state.
func (e *Engine) OnSubjectChanged(ctx context.Context, subject model.Subject) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applySubject(ctx, subject, false)
}

// OnSubjectRemoved runs a targeted update with "no reminder" forced: used
// when the subject was deleted and no policy input exists anymore.
func (e *Engine) OnSubjectRemoved(ctx context.Context, subjectID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applySubject(ctx, model.Subject{ID: subjectID}, true)
}

// applySubject is the targeted-update state machine. Callers hold e.mu.
func (e *Engine) applySubject(ctx context.Context, subject model.Subject, forceRemove bool) bool {
	// 1–2. Cancel any prior reminder unconditionally. The backend treats a
	// stale id as success, so this is safe even if the reminder already
	// fired. A real cancel failure stops here: scheduling on top of an
	// uncancelled reminder could stack two notifications.
	if prior, ok := e.store.BackendID(subject.ID); ok {
		if err := e.backend.Cancel(ctx, prior); err != nil {
			e.log.Error("cancelling prior reminder failed", "subject", subject.ID, "backend_id", prior, "error", err)
			e.cntErrors.Add(ctx, 1)
			return false
		}
		e.cntCancelled.Add(ctx, 1)
	}

	// 3. Decide. Missing permission means "no reminder" for every subject,
	// not an error.
	trigger, remind := time.Time{}, false
	if !forceRemove {
		trigger, remind = e.policy.Decide(subject, time.Now())
	}
	if remind && !e.permissionGranted(ctx) {
		e.log.Info("notification permission missing, skipping schedule", "subject", subject.ID)
		remind = false
	}

	// 4. No reminder: drop the subject from the map and persist.
	if !remind {
		e.store.Remove(subject.ID)
		e.cntSkipped.Add(ctx, 1)
		return e.saveCommitted(ctx)
	}

	// 5. Schedule and record. A rejected schedule leaves the subject
	// without a reminder — same end state as the policy saying no.
	backendID, err := e.backend.Schedule(ctx, model.OneShot(trigger), subjectPayload(subject))
	if err != nil {
		e.log.Error("scheduling reminder failed", "subject", subject.ID, "error", err)
		e.cntErrors.Add(ctx, 1)
		e.store.Remove(subject.ID)
		_ = e.saveCommitted(ctx)
		return errors.Is(err, backend.ErrPermissionDenied)
	}

	e.store.Set(subject.ID, backendID)
	e.cntScheduled.Add(ctx, 1)
	e.log.Debug("reminder scheduled", "subject", subject.ID, "backend_id", backendID, "at", trigger)
	return e.saveCommitted(ctx)
}

// SetStandingReminder enables or disables a named standing reminder at the
// given time. The existing scheduled instance (if any) is always cancelled
// first; when enabling, a recurring trigger is scheduled in its place.
// Returns false if the kind is unknown or a backend/persistence call failed.
func (e *Engine) SetStandingReminder(ctx context.Context, kind model.StandingKind, enabled bool, at policy.StandingTime) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.store.Standing(kind)
	if !ok {
		e.log.Error("unknown standing reminder kind", "kind", kind)
		return false
	}

	if cur.ID != "" {
		if err := e.backend.Cancel(ctx, cur.ID); err != nil {
			e.log.Error("cancelling standing reminder failed", "kind", kind, "error", err)
			e.cntErrors.Add(ctx, 1)
			return false
		}
		e.cntCancelled.Add(ctx, 1)
	}

	cfg := standingConfig(kind, enabled, at)

	if !enabled {
		e.store.SetStanding(kind, cfg)
		return e.saveCommitted(ctx)
	}

	// Enabling is an explicit user action: request permission (prompting if
	// undetermined) rather than just querying it.
	granted, err := e.backend.RequestPermission(ctx)
	if err != nil {
		e.log.Error("requesting notification permission failed", "error", err)
		e.cntErrors.Add(ctx, 1)
	}
	if !granted {
		// Remember the user's intent; the next reconcile after permission
		// is granted will not resurrect it, but an explicit re-toggle will.
		e.store.SetStanding(kind, cfg)
		_ = e.saveCommitted(ctx)
		return false
	}

	spec := policy.StandingSpec(kind, at)
	backendID, err := e.backend.Schedule(ctx, model.Recurring(spec), standingPayload(kind))
	if err != nil {
		e.log.Error("scheduling standing reminder failed", "kind", kind, "error", err)
		e.cntErrors.Add(ctx, 1)
		e.store.SetStanding(kind, cfg)
		_ = e.saveCommitted(ctx)
		return false
	}

	cfg.ID = backendID
	e.store.SetStanding(kind, cfg)
	e.cntScheduled.Add(ctx, 1)
	e.log.Info("standing reminder updated", "kind", kind, "enabled", enabled, "backend_id", backendID)
	return e.saveCommitted(ctx)
}

// MapSnapshot returns a read-only copy of the reminder map for diagnostics.
func (e *Engine) MapSnapshot() mapstore.Map {
	return e.store.Snapshot()
}

// permissionGranted wraps the backend permission query; a failed query
// counts as "not granted" so the engine errs on the side of not scheduling.
func (e *Engine) permissionGranted(ctx context.Context) bool {
	granted, err := e.backend.Permission(ctx)
	if err != nil {
		e.log.Warn("permission query failed, assuming not granted", "error", err)
		return false
	}
	return granted
}

// saveCommitted persists the map after a committed mutation, retrying once.
// On persistent failure the in-memory map stays authoritative for this
// process; the orphaned backend state self-heals on the next reconciliation.
func (e *Engine) saveCommitted(ctx context.Context) bool {
	err := e.store.Save(ctx)
	if err == nil {
		return true
	}
	e.log.Warn("persisting reminder map failed, retrying once", "error", err)
	if err := e.store.Save(ctx); err != nil {
		e.log.Error("persisting reminder map failed after retry", "error", err)
		e.cntErrors.Add(ctx, 1)
		return false
	}
	return true
}

// subjectPayload builds the notification payload for a subject's reminder.
func subjectPayload(s model.Subject) model.Payload {
	p := model.Payload{
		SubjectID: s.ID,
		Kind:      model.KindOneShot,
		Title:     model.DecorateTitle(s.Priority, s.Title),
	}
	if s.DueAt != nil {
		p.Body = fmt.Sprintf("Due at %s", s.DueAt.Local().Format("15:04"))
	}
	return p
}

// standingPayload builds the notification payload for a standing reminder.
func standingPayload(kind model.StandingKind) model.Payload {
	p := model.Payload{SubjectID: string(kind), Kind: model.KindRecurring}
	switch kind {
	case model.StandingDailyDigest:
		p.Title = "Daily digest"
		p.Body = "Review today's tasks and check-ins"
	case model.StandingWeeklyCheckIn:
		p.Title = "Weekly check-in"
		p.Body = "How did this week go?"
	}
	return p
}

// standingConfig builds the persisted config for a standing reminder with no
// scheduled instance.
func standingConfig(kind model.StandingKind, enabled bool, at policy.StandingTime) mapstore.StandingConfig {
	cfg := mapstore.StandingConfig{Enabled: enabled, Hour: at.Hour, Minute: at.Minute}
	if kind == model.StandingWeeklyCheckIn {
		wd := int(at.Weekday)
		cfg.Weekday = &wd
	}
	return cfg
}
