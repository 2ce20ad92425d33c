package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/taskchime/taskchime/internal/model"
	"github.com/taskchime/taskchime/internal/repository"
)

// Stats summarizes one full reconciliation pass.
type Stats struct {
	Candidates int // subjects fetched from the repository
	Scheduled  int // reminders successfully scheduled
	Cancelled  int // backend reminders cancelled during cleanup
	Failed     int // subjects that could not be scheduled
}

// ReconcileAll rebuilds the one-shot reminder namespace from scratch: fetch
// the candidate subjects, cancel every non-standing reminder the engine owns
// on the backend, schedule fresh reminders per policy, then persist the new
// map in a single save. Subjects that fail to schedule are logged and
// omitted; they do not abort the pass. Running twice in a row converges to
// the same backend state.
func (e *Engine) ReconcileAll(ctx context.Context) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, spanReconcile)
	defer span.End()
	e.cntReconciles.Add(ctx, 1)

	var stats Stats

	// Fetch candidates first: if the repository is unreachable there is
	// nothing sensible to rebuild from and tearing down the backend state
	// would only lose reminders.
	subjects, err := e.subjects.ListDueSubjects(ctx, e.userID)
	if err != nil {
		e.log.Error("listing due subjects failed, skipping reconciliation", "error", err)
		e.cntErrors.Add(ctx, 1)
		return stats
	}
	stats.Candidates = len(subjects)

	granted := e.permissionGranted(ctx)

	stats.Cancelled = e.sweepBackend(ctx)

	// Rebuild in memory. The live map is untouched until the new one is
	// complete, so a crash mid-pass leaves the old (stale but parseable)
	// state for the next run to clean up.
	fresh := make(map[string]string, len(subjects))
	now := time.Now()
	for _, subject := range subjects {
		trigger, remind := e.policy.Decide(subject, now)
		if !remind || !granted {
			e.cntSkipped.Add(ctx, 1)
			continue
		}
		backendID, err := e.backend.Schedule(ctx, model.OneShot(trigger), subjectPayload(subject))
		if err != nil {
			e.log.Error("scheduling during reconciliation failed", "subject", subject.ID, "error", err)
			e.cntErrors.Add(ctx, 1)
			stats.Failed++
			continue
		}
		fresh[subject.ID] = backendID
		stats.Scheduled++
	}

	e.store.ReplaceTasks(fresh)
	if !e.saveCommitted(ctx) {
		e.log.Warn("reconciled map not persisted, in-memory state remains authoritative")
	}

	e.cntScheduled.Add(ctx, int64(stats.Scheduled))
	e.cntCancelled.Add(ctx, int64(stats.Cancelled))
	span.SetAttributes(
		attribute.Int("candidates", stats.Candidates),
		attribute.Int("scheduled", stats.Scheduled),
		attribute.Int("cancelled", stats.Cancelled),
		attribute.Int("failed", stats.Failed),
	)
	e.log.Info("reconciliation complete",
		"candidates", stats.Candidates,
		"scheduled", stats.Scheduled,
		"cancelled", stats.Cancelled,
		"failed", stats.Failed)
	return stats
}

// sweepBackend cancels every reminder the engine owns on the backend except
// standing ones. It merges two views: what the backend reports (source of
// truth) and what the map remembers (catches entries the backend list
// missed). Cancel failures are logged and skipped — a leftover reminder is
// cleaned up by the next pass.
func (e *Engine) sweepBackend(ctx context.Context) int {
	standing := e.store.StandingIDs()
	toCancel := make(map[string]bool)

	scheduled, err := e.backend.List(ctx)
	if err != nil {
		e.log.Warn("listing backend reminders failed, falling back to recorded map", "error", err)
		e.cntErrors.Add(ctx, 1)
	}
	for _, s := range scheduled {
		if s.Payload.Standing() || standing[s.BackendID] {
			continue
		}
		toCancel[s.BackendID] = true
	}
	for _, id := range e.store.Snapshot().TaskNotifications {
		if !standing[id] {
			toCancel[id] = true
		}
	}

	cancelled := 0
	for id := range toCancel {
		if err := e.backend.Cancel(ctx, id); err != nil {
			e.log.Warn("cancelling reminder during cleanup failed", "backend_id", id, "error", err)
			e.cntErrors.Add(ctx, 1)
			continue
		}
		cancelled++
	}
	return cancelled
}

// Run drives the engine until ctx is cancelled: an immediate reconciliation
// on startup, a repository change feed when available, and periodic
// reconciliation as the safety net. Watch events trigger targeted updates;
// a subject missing from the candidate list is treated as removed.
func (e *Engine) Run(ctx context.Context, pollInterval time.Duration) {
	go e.watchLoop(ctx)

	e.ReconcileAll(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopping", "reason", ctx.Err())
			return
		case <-ticker.C:
			e.ReconcileAll(ctx)
		}
	}
}

// watchLoop consumes the repository change feed, restarting it with a short
// delay when it drops. Repositories without a feed degrade to polling only.
func (e *Engine) watchLoop(ctx context.Context) {
	for {
		err := e.subjects.Watch(ctx, e.userID, func(subjectID string) {
			e.onWatchEvent(ctx, subjectID)
		})
		if errors.Is(err, repository.ErrWatchUnsupported) {
			e.log.Info("repository has no change feed, relying on polling")
			return
		}
		if ctx.Err() != nil {
			return
		}
		e.log.Warn("change feed dropped, restarting", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// onWatchEvent resolves a change-feed event to a targeted update. The feed
// only carries the subject id, so the current state is re-read from the
// repository; absence means the subject was removed or completed out of the
// candidate set.
func (e *Engine) onWatchEvent(ctx context.Context, subjectID string) {
	subjects, err := e.subjects.ListDueSubjects(ctx, e.userID)
	if err != nil {
		e.log.Warn("resolving change event failed, next reconciliation will catch up", "subject", subjectID, "error", err)
		e.cntErrors.Add(ctx, 1)
		return
	}
	for _, subject := range subjects {
		if subject.ID == subjectID {
			e.OnSubjectChanged(ctx, subject)
			return
		}
	}
	e.OnSubjectRemoved(ctx, subjectID)
}
