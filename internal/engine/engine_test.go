package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/taskchime/taskchime/internal/mapstore"
	"github.com/taskchime/taskchime/internal/model"
	"github.com/taskchime/taskchime/internal/policy"
)

type testRig struct {
	engine  *Engine
	backend *mockBackend
	source  *mockSource
	prefs   *mockPrefs
	store   *mapstore.Store
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	be := newMockBackend()
	src := &mockSource{}
	prefs := newMockPrefs()
	store := mapstore.New(prefs, "u1", slog.Default())
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	eng := New(policy.New(time.Hour), be, store, src, "u1", slog.Default())
	return &testRig{engine: eng, backend: be, source: src, prefs: prefs, store: store}
}

func dueIn(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}

func TestOnSubjectChanged_SchedulesLeadTimeBeforeDue(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	due := dueIn(2 * time.Hour)

	if !rig.engine.OnSubjectChanged(ctx, model.Subject{ID: "t1", Title: "Pay rent", DueAt: due}) {
		t.Fatal("OnSubjectChanged = false, want true")
	}

	id, ok := rig.store.BackendID("t1")
	if !ok {
		t.Fatal("no backend id recorded for t1")
	}
	trig, ok := rig.backend.trigger(id)
	if !ok {
		t.Fatal("backend has no trigger for scheduled id")
	}
	want := due.Add(-time.Hour)
	if !trig.At.Equal(want) {
		t.Errorf("trigger at %v, want %v", trig.At, want)
	}
	if trig.Kind != model.KindOneShot {
		t.Errorf("trigger kind = %v, want one-shot", trig.Kind)
	}
}

func TestOnSubjectChanged_NoDuplicates(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	subj := model.Subject{ID: "t1", Title: "Pay rent", DueAt: dueIn(3 * time.Hour)}

	rig.engine.OnSubjectChanged(ctx, subj)
	rig.engine.OnSubjectChanged(ctx, subj)

	if n := rig.backend.count(); n != 1 {
		t.Errorf("backend holds %d reminders, want 1", n)
	}
	if n := rig.backend.subjectIDs()["t1"]; n != 1 {
		t.Errorf("subject t1 has %d reminders, want 1", n)
	}
}

func TestOnSubjectChanged_EditReplaces(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.engine.OnSubjectChanged(ctx, model.Subject{ID: "t1", Title: "Call dentist", DueAt: dueIn(2 * time.Hour)})
	oldID, _ := rig.store.BackendID("t1")

	rig.engine.OnSubjectChanged(ctx, model.Subject{ID: "t1", Title: "Call dentist", DueAt: dueIn(5 * time.Hour)})
	newID, ok := rig.store.BackendID("t1")
	if !ok {
		t.Fatal("no backend id after edit")
	}

	if newID == oldID {
		t.Error("edit did not replace the backend reminder")
	}
	if rig.backend.has(oldID) {
		t.Error("old reminder still scheduled after edit")
	}
	if !rig.backend.has(newID) {
		t.Error("new reminder missing after edit")
	}
}

func TestOnSubjectChanged_CompletedRemoves(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	subj := model.Subject{ID: "t1", Title: "Pay rent", DueAt: dueIn(2 * time.Hour)}

	rig.engine.OnSubjectChanged(ctx, subj)
	subj.Completed = true
	if !rig.engine.OnSubjectChanged(ctx, subj) {
		t.Fatal("OnSubjectChanged on completion = false, want true")
	}

	if n := rig.backend.count(); n != 0 {
		t.Errorf("backend holds %d reminders after completion, want 0", n)
	}
	if _, ok := rig.store.BackendID("t1"); ok {
		t.Error("map still holds t1 after completion")
	}
}

func TestOnSubjectRemoved(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.engine.OnSubjectChanged(ctx, model.Subject{ID: "t1", Title: "Pay rent", DueAt: dueIn(2 * time.Hour)})
	if !rig.engine.OnSubjectRemoved(ctx, "t1") {
		t.Fatal("OnSubjectRemoved = false, want true")
	}

	if n := rig.backend.count(); n != 0 {
		t.Errorf("backend holds %d reminders after removal, want 0", n)
	}
}

func TestOnSubjectChanged_PermissionLost(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	subj := model.Subject{ID: "t1", Title: "Pay rent", DueAt: dueIn(2 * time.Hour)}

	rig.engine.OnSubjectChanged(ctx, subj)
	oldID, _ := rig.store.BackendID("t1")

	rig.backend.permission = false
	if !rig.engine.OnSubjectChanged(ctx, subj) {
		t.Error("losing permission must not report an error outcome")
	}

	if rig.backend.has(oldID) {
		t.Error("existing reminder not cancelled after permission loss")
	}
	if n := rig.backend.count(); n != 0 {
		t.Errorf("backend holds %d reminders without permission, want 0", n)
	}
	if _, ok := rig.store.BackendID("t1"); ok {
		t.Error("map still holds t1 without permission")
	}
}

func TestOnSubjectChanged_CancelFailureLeavesMap(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	subj := model.Subject{ID: "t1", Title: "Pay rent", DueAt: dueIn(2 * time.Hour)}

	rig.engine.OnSubjectChanged(ctx, subj)
	oldID, _ := rig.store.BackendID("t1")

	rig.backend.cancelErr = context.DeadlineExceeded
	if rig.engine.OnSubjectChanged(ctx, subj) {
		t.Error("OnSubjectChanged = true despite cancel failure")
	}

	// The map must keep pointing at the old reminder so a later run can
	// retry the cancel.
	if id, _ := rig.store.BackendID("t1"); id != oldID {
		t.Errorf("map id = %q after failed cancel, want %q", id, oldID)
	}
}

func TestOnSubjectChanged_ScheduleFailureDropsSubject(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.backend.failSubjects["t1"] = true

	if rig.engine.OnSubjectChanged(ctx, model.Subject{ID: "t1", Title: "Pay rent", DueAt: dueIn(2 * time.Hour)}) {
		t.Error("OnSubjectChanged = true despite schedule failure")
	}
	if _, ok := rig.store.BackendID("t1"); ok {
		t.Error("map holds t1 despite schedule failure")
	}
}

func TestSaveRetriesOnce(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.prefs.failSaves = 1

	if !rig.engine.OnSubjectChanged(ctx, model.Subject{ID: "t1", Title: "Pay rent", DueAt: dueIn(2 * time.Hour)}) {
		t.Error("single save failure must be absorbed by the retry")
	}
	if rig.prefs.saveCount() != 1 {
		t.Errorf("saves = %d, want 1", rig.prefs.saveCount())
	}
}

func TestSaveFailsAfterRetry(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.prefs.failSaves = 2

	if rig.engine.OnSubjectChanged(ctx, model.Subject{ID: "t1", Title: "Pay rent", DueAt: dueIn(2 * time.Hour)}) {
		t.Error("OnSubjectChanged = true despite both saves failing")
	}
	// The reminder itself was scheduled; persistence is what failed.
	if n := rig.backend.count(); n != 1 {
		t.Errorf("backend holds %d reminders, want 1", n)
	}
}

func TestReconcileAll_BuildsMapWithSingleSave(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.source.set(
		model.Subject{ID: "t1", Title: "One", DueAt: dueIn(2 * time.Hour)},
		model.Subject{ID: "t2", Title: "Two", DueAt: dueIn(3 * time.Hour)},
		model.Subject{ID: "t3", Title: "Three", DueAt: dueIn(4 * time.Hour)},
	)

	stats := rig.engine.ReconcileAll(ctx)

	if stats.Scheduled != 3 {
		t.Errorf("Scheduled = %d, want 3", stats.Scheduled)
	}
	if rig.prefs.saveCount() != 1 {
		t.Errorf("saves = %d, want exactly 1 atomic save", rig.prefs.saveCount())
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		if _, ok := rig.store.BackendID(id); !ok {
			t.Errorf("map missing %s after reconciliation", id)
		}
	}
}

func TestReconcileAll_Idempotent(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.source.set(
		model.Subject{ID: "t1", Title: "One", DueAt: dueIn(2 * time.Hour)},
		model.Subject{ID: "t2", Title: "Two", DueAt: dueIn(3 * time.Hour)},
	)

	rig.engine.ReconcileAll(ctx)
	rig.engine.ReconcileAll(ctx)

	if n := rig.backend.count(); n != 2 {
		t.Errorf("backend holds %d reminders after double reconcile, want 2", n)
	}
	for id, n := range rig.backend.subjectIDs() {
		if n != 1 {
			t.Errorf("subject %s has %d reminders, want 1", id, n)
		}
	}
}

func TestReconcileAll_PartialFailureIsolated(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.backend.failSubjects["t2"] = true
	rig.source.set(
		model.Subject{ID: "t1", Title: "One", DueAt: dueIn(2 * time.Hour)},
		model.Subject{ID: "t2", Title: "Two", DueAt: dueIn(3 * time.Hour)},
		model.Subject{ID: "t3", Title: "Three", DueAt: dueIn(4 * time.Hour)},
	)

	stats := rig.engine.ReconcileAll(ctx)

	if stats.Scheduled != 2 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 2 scheduled and 1 failed", stats)
	}
	if _, ok := rig.store.BackendID("t2"); ok {
		t.Error("failed subject t2 must not appear in the map")
	}
	for _, id := range []string{"t1", "t3"} {
		if _, ok := rig.store.BackendID(id); !ok {
			t.Errorf("subject %s missing despite t2's failure", id)
		}
	}
}

func TestReconcileAll_SweepsOrphans(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// A reminder left behind by a crashed run: on the backend, not in the map.
	orphanID, err := rig.backend.Schedule(ctx, model.OneShot(time.Now().Add(time.Hour)),
		model.Payload{SubjectID: "ghost", Kind: model.KindOneShot, Title: "Ghost"})
	if err != nil {
		t.Fatalf("seeding orphan: %v", err)
	}

	stats := rig.engine.ReconcileAll(ctx)

	if rig.backend.has(orphanID) {
		t.Error("orphaned reminder survived reconciliation")
	}
	if stats.Cancelled != 1 {
		t.Errorf("Cancelled = %d, want 1", stats.Cancelled)
	}
}

func TestReconcileAll_PreservesStandingReminders(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if !rig.engine.SetStandingReminder(ctx, model.StandingDailyDigest, true, policy.StandingTime{Hour: 8}) {
		t.Fatal("enabling daily digest failed")
	}
	cfg, _ := rig.store.Standing(model.StandingDailyDigest)
	digestID := cfg.ID

	rig.source.set(model.Subject{ID: "t1", Title: "One", DueAt: dueIn(2 * time.Hour)})
	rig.engine.ReconcileAll(ctx)

	if !rig.backend.has(digestID) {
		t.Error("reconciliation cancelled the daily digest")
	}
	cfg, _ = rig.store.Standing(model.StandingDailyDigest)
	if !cfg.Enabled || cfg.ID != digestID {
		t.Errorf("digest config = %+v, want enabled with id %s", cfg, digestID)
	}
}

func TestReconcileAll_RepositoryErrorLeavesBackendAlone(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.engine.OnSubjectChanged(ctx, model.Subject{ID: "t1", Title: "One", DueAt: dueIn(2 * time.Hour)})
	rig.source.listErr = context.DeadlineExceeded

	stats := rig.engine.ReconcileAll(ctx)

	if stats.Cancelled != 0 {
		t.Errorf("Cancelled = %d on repository error, want 0", stats.Cancelled)
	}
	if n := rig.backend.count(); n != 1 {
		t.Errorf("backend holds %d reminders, want 1 untouched", n)
	}
}

func TestReconcileAll_WithoutPermissionSchedulesNothing(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.engine.OnSubjectChanged(ctx, model.Subject{ID: "t1", Title: "One", DueAt: dueIn(2 * time.Hour)})
	rig.backend.permission = false
	rig.source.set(model.Subject{ID: "t1", Title: "One", DueAt: dueIn(2 * time.Hour)})

	stats := rig.engine.ReconcileAll(ctx)

	if stats.Scheduled != 0 {
		t.Errorf("Scheduled = %d without permission, want 0", stats.Scheduled)
	}
	// Existing reminders still get cleaned up.
	if n := rig.backend.count(); n != 0 {
		t.Errorf("backend holds %d reminders without permission, want 0", n)
	}
}

func TestSetStandingReminder_EnableThenDisable(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if !rig.engine.SetStandingReminder(ctx, model.StandingWeeklyCheckIn, true, policy.StandingTime{Hour: 18, Minute: 30, Weekday: time.Sunday}) {
		t.Fatal("enabling weekly check-in failed")
	}
	cfg, _ := rig.store.Standing(model.StandingWeeklyCheckIn)
	if !cfg.Enabled || cfg.ID == "" {
		t.Fatalf("config after enable = %+v", cfg)
	}
	if cfg.Weekday == nil || *cfg.Weekday != int(time.Sunday) {
		t.Errorf("weekday = %v, want Sunday", cfg.Weekday)
	}
	trig, ok := rig.backend.trigger(cfg.ID)
	if !ok || trig.Kind != model.KindRecurring {
		t.Errorf("trigger = %+v, want recurring", trig)
	}
	oldID := cfg.ID

	if !rig.engine.SetStandingReminder(ctx, model.StandingWeeklyCheckIn, false, policy.StandingTime{Hour: 18, Minute: 30, Weekday: time.Sunday}) {
		t.Fatal("disabling weekly check-in failed")
	}
	if rig.backend.has(oldID) {
		t.Error("disable left the reminder scheduled")
	}
	cfg, _ = rig.store.Standing(model.StandingWeeklyCheckIn)
	if cfg.Enabled || cfg.ID != "" {
		t.Errorf("config after disable = %+v, want disabled with empty id", cfg)
	}
}

func TestSetStandingReminder_ReEnableReplaces(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	at := policy.StandingTime{Hour: 8}

	rig.engine.SetStandingReminder(ctx, model.StandingDailyDigest, true, at)
	cfg, _ := rig.store.Standing(model.StandingDailyDigest)
	oldID := cfg.ID

	at.Hour = 9
	rig.engine.SetStandingReminder(ctx, model.StandingDailyDigest, true, at)

	if rig.backend.has(oldID) {
		t.Error("old digest instance survived the time change")
	}
	cfg, _ = rig.store.Standing(model.StandingDailyDigest)
	if cfg.Hour != 9 || cfg.ID == "" || cfg.ID == oldID {
		t.Errorf("config after re-enable = %+v", cfg)
	}
	if n := rig.backend.count(); n != 1 {
		t.Errorf("backend holds %d reminders, want 1", n)
	}
}

func TestSetStandingReminder_PermissionDeniedKeepsIntent(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.backend.permission = false

	if rig.engine.SetStandingReminder(ctx, model.StandingDailyDigest, true, policy.StandingTime{Hour: 8}) {
		t.Error("SetStandingReminder = true without permission")
	}

	cfg, _ := rig.store.Standing(model.StandingDailyDigest)
	if !cfg.Enabled {
		t.Error("user intent (enabled) not persisted")
	}
	if cfg.ID != "" {
		t.Errorf("config id = %q, want empty when nothing scheduled", cfg.ID)
	}
	if n := rig.backend.count(); n != 0 {
		t.Errorf("backend holds %d reminders without permission, want 0", n)
	}
}

func TestSetStandingReminder_UnknownKind(t *testing.T) {
	rig := newTestRig(t)
	if rig.engine.SetStandingReminder(context.Background(), model.StandingKind("monthlyReview"), true, policy.StandingTime{Hour: 8}) {
		t.Error("unknown standing kind accepted")
	}
}

// Lifecycle of one subject through the whole engine: create, edit, complete,
// then a reconciliation that finds nothing left to do.
func TestEngine_SubjectLifecycle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	subj := model.Subject{ID: "t1", Title: "Ship the report", DueAt: dueIn(4 * time.Hour), Priority: model.PriorityHigh}
	if !rig.engine.OnSubjectChanged(ctx, subj) {
		t.Fatal("create failed")
	}
	firstID, _ := rig.store.BackendID("t1")

	subj.DueAt = dueIn(6 * time.Hour)
	if !rig.engine.OnSubjectChanged(ctx, subj) {
		t.Fatal("edit failed")
	}
	secondID, _ := rig.store.BackendID("t1")
	if secondID == firstID {
		t.Error("edit reused the old reminder")
	}

	subj.Completed = true
	if !rig.engine.OnSubjectChanged(ctx, subj) {
		t.Fatal("completion failed")
	}
	if n := rig.backend.count(); n != 0 {
		t.Fatalf("backend holds %d reminders after completion, want 0", n)
	}

	stats := rig.engine.ReconcileAll(ctx)
	if stats.Scheduled != 0 || stats.Cancelled != 0 {
		t.Errorf("converged state still produced work: %+v", stats)
	}

	// The persisted record reflects the final state.
	snap := rig.engine.MapSnapshot()
	if len(snap.TaskNotifications) != 0 {
		t.Errorf("map holds %d entries, want 0", len(snap.TaskNotifications))
	}
}
