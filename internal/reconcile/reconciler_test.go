package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printlog/internal/models"
	"printlog/internal/moonraker"
	"printlog/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx   context.Context
	store *store.Store
	rec   *Reconciler
	clock time.Time
}

func newFixture(t *testing.T, printers ...string) (*fixture, []models.Printer) {
	t.Helper()
	ctx := context.Background()
	s, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	f := &fixture{ctx: ctx, store: s, clock: t0}
	s.SetClock(func() time.Time { return f.clock })
	f.rec = New(s)
	f.rec.SetClock(func() time.Time { return f.clock })

	var out []models.Printer
	for _, name := range printers {
		p, err := s.CreatePrinter(ctx, store.CreatePrinterParams{Name: name, MoonrakerURL: "http://" + name})
		require.NoError(t, err)
		out = append(out, p)
	}
	return f, out
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func ptr[T any](v T) *T { return &v }

func statusEvent(state, filename string, counters ...float64) *moonraker.StatusUpdate {
	ps := &moonraker.PrintStats{}
	if state != "" {
		ps.State = ptr(state)
	}
	if filename != "" {
		ps.Filename = ptr(filename)
	}
	if len(counters) > 0 {
		ps.PrintDuration = ptr(counters[0])
	}
	if len(counters) > 1 {
		ps.FilamentUsed = ptr(counters[1])
	}
	return &moonraker.StatusUpdate{PrintStats: ps}
}

func finishedEvent(jobID, filename, status string, start, end time.Time) *moonraker.HistoryChanged {
	return &moonraker.HistoryChanged{
		Action: ActionFinished,
		Job: &moonraker.HistoryJob{
			JobID:         jobID,
			Filename:      filename,
			Status:        status,
			StartTime:     ptr(float64(start.Unix())),
			EndTime:       ptr(float64(end.Unix())),
			PrintDuration: end.Sub(start).Seconds() - 60,
			TotalDuration: ptr(end.Sub(start).Seconds()),
			FilamentUsed:  1234,
		},
	}
}

func (f *fixture) status(t *testing.T, printerID int64, u *moonraker.StatusUpdate) {
	t.Helper()
	require.NoError(t, f.rec.HandleStatus(f.ctx, printerID, u))
}

func (f *fixture) history(t *testing.T, printerID int64, h *moonraker.HistoryChanged) {
	t.Helper()
	require.NoError(t, f.rec.HandleHistory(f.ctx, printerID, h))
}

func (f *fixture) jobs(t *testing.T, printerID int64) []models.PrintJob {
	t.Helper()
	jobs, err := f.store.ListJobs(f.ctx, store.JobFilter{PrinterID: printerID})
	require.NoError(t, err)
	return jobs
}

func (f *fixture) assertAtMostOneOpen(t *testing.T, printerID int64) {
	t.Helper()
	open, err := f.store.ListOpen(f.ctx, printerID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(open), 1, "open jobs: %+v", open)
}

func TestStatus_PrintingThenComplete(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	f.status(t, p, statusEvent(StatePrinting, "a.gcode"))
	jobs := f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StatusPrinting, jobs[0].Status)
	assert.Equal(t, models.SyntheticKey{PrinterID: p, Filename: "a.gcode"}.String(), jobs[0].JobID)
	assert.True(t, jobs[0].Synthetic)

	f.advance(20 * time.Minute)
	f.status(t, p, statusEvent(StateComplete, "a.gcode", 1000, 500))
	jobs = f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StatusCompleted, jobs[0].Status)
	require.NotNil(t, jobs[0].EndTime)
	assert.Equal(t, f.clock, *jobs[0].EndTime)
	assert.Equal(t, 1000.0, jobs[0].PrintDuration)
	assert.Equal(t, 500.0, jobs[0].FilamentUsed)

	totals, err := f.store.GetTotals(f.ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.TotalJobs)
	assert.Equal(t, 1000.0, totals.TotalPrintTime)
}

func TestStatus_StripsCachePrefixAndDefaultsFilename(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	f.status(t, p, statusEvent(StatePrinting, ".cache/a.gcode"))
	f.status(t, p, statusEvent(StatePrinting, "a.gcode", 10))
	jobs := f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a.gcode", jobs[0].Filename)

	f.status(t, p, statusEvent(StateStandby, ""))
	f.status(t, p, statusEvent(StatePaused, ""))
	open, err := f.store.FindOpen(f.ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "unknown", open.Filename)
	assert.Equal(t, models.StatusPaused, open.Status)
}

func TestStatus_Idempotent(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	ev := statusEvent(StatePrinting, "a.gcode", 100, 20)
	f.status(t, p, ev)
	first := f.jobs(t, p)
	f.status(t, p, ev)
	second := f.jobs(t, p)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].PrintDuration, second[0].PrintDuration)
	assert.Equal(t, first[0].FilamentUsed, second[0].FilamentUsed)
	assert.Equal(t, first[0].Status, second[0].Status)

	done := statusEvent(StateComplete, "a.gcode", 1000, 500)
	f.status(t, p, done)
	f.advance(time.Minute)
	f.status(t, p, done)

	jobs := f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StatusCompleted, jobs[0].Status)
	assert.Equal(t, 1000.0, jobs[0].PrintDuration)
	assert.Equal(t, t0, *jobs[0].EndTime, "replay keeps the original end time")

	totals, err := f.store.GetTotals(f.ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.TotalJobs)
}

func TestStatus_PauseResume(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	f.status(t, p, statusEvent(StatePrinting, "a.gcode", 10))
	f.status(t, p, statusEvent(StatePaused, "a.gcode", 20))
	jobs := f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StatusPaused, jobs[0].Status)

	f.status(t, p, statusEvent(StatePrinting, "a.gcode", 30))
	jobs = f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StatusPrinting, jobs[0].Status)
	assert.Equal(t, 30.0, jobs[0].PrintDuration)
}

func TestStatus_DeltaWithoutFilenameTargetsOpenJob(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	f.status(t, p, statusEvent(StatePrinting, "a.gcode", 10))
	f.advance(time.Minute)
	f.status(t, p, statusEvent(StatePaused, ""))
	jobs := f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a.gcode", jobs[0].Filename)
	assert.Equal(t, models.StatusPaused, jobs[0].Status)

	f.advance(time.Minute)
	f.status(t, p, statusEvent(StatePrinting, "", 60))
	jobs = f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StatusPrinting, jobs[0].Status)
	assert.Equal(t, 60.0, jobs[0].PrintDuration)

	f.advance(time.Hour)
	f.status(t, p, statusEvent(StateComplete, "", 3600, 900))
	jobs = f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a.gcode", jobs[0].Filename)
	assert.Equal(t, models.StatusCompleted, jobs[0].Status)
	assert.Equal(t, 3600.0, jobs[0].PrintDuration)
	assert.Equal(t, 900.0, jobs[0].FilamentUsed)
	f.assertAtMostOneOpen(t, p)

	totals, err := f.store.GetTotals(f.ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.TotalJobs)
}

func TestStatus_ErrorWithoutFilenameFinalizesOpenJob(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	f.status(t, p, statusEvent(StatePrinting, "a.gcode"))
	f.advance(10 * time.Minute)
	f.status(t, p, statusEvent(StateError, ""))

	jobs := f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a.gcode", jobs[0].Filename)
	assert.Equal(t, models.StatusError, jobs[0].Status)
	require.NotNil(t, jobs[0].EndTime)
	assert.Equal(t, f.clock, *jobs[0].EndTime)
}

func TestStatus_MetricsTickNeverDecreases(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	f.status(t, p, statusEvent("", "", 50, 5))
	assert.Empty(t, f.jobs(t, p), "tick without an open job creates nothing")

	f.status(t, p, statusEvent(StatePrinting, "a.gcode", 10, 1))
	f.status(t, p, statusEvent("", "", 60, 6))
	f.status(t, p, statusEvent("", "", 40, 4))

	jobs := f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, 60.0, jobs[0].PrintDuration)
	assert.Equal(t, 6.0, jobs[0].FilamentUsed)
}

func TestStatus_SingleOpenJobInvariant(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	events := []*moonraker.StatusUpdate{
		statusEvent(StatePrinting, "a.gcode"),
		statusEvent(StatePrinting, "b.gcode"),
		statusEvent(StatePaused, "c.gcode"),
		statusEvent(StateComplete, "d.gcode", 10, 1),
		statusEvent(StatePrinting, "e.gcode"),
		statusEvent(StateError, "e.gcode"),
		statusEvent(StatePrinting, "f.gcode"),
		statusEvent("bogus", "f.gcode"),
		statusEvent(StateStandby, ""),
	}
	for _, ev := range events {
		f.advance(time.Minute)
		f.status(t, p, ev)
		f.assertAtMostOneOpen(t, p)
	}

	byName := map[string]models.JobStatus{}
	for _, j := range f.jobs(t, p) {
		byName[j.Filename] = j.Status
	}
	assert.Equal(t, models.StatusCancelled, byName["a.gcode"])
	assert.Equal(t, models.StatusCancelled, byName["b.gcode"])
	assert.Equal(t, models.StatusCancelled, byName["c.gcode"])
	assert.Equal(t, models.StatusCompleted, byName["d.gcode"])
	assert.Equal(t, models.StatusError, byName["e.gcode"])
	assert.Equal(t, models.StatusCancelled, byName["f.gcode"])
}

func TestStatus_ReprintCreatesSecondRecord(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	f.status(t, p, statusEvent(StatePrinting, "F.gcode"))
	f.advance(time.Minute)
	f.status(t, p, statusEvent(StateStandby, ""))
	f.advance(time.Minute)
	f.status(t, p, statusEvent(StatePrinting, "F.gcode"))

	jobs := f.jobs(t, p)
	require.Len(t, jobs, 2)
	assert.Equal(t, models.StatusPrinting, jobs[0].Status)
	assert.Equal(t, models.StatusCancelled, jobs[1].Status)
	assert.NotEqual(t, jobs[0].JobID, jobs[1].JobID)
}

func TestStatus_PrintersDoNotInterfere(t *testing.T) {
	f, ps := newFixture(t, "p1", "p2")
	p1, p2 := ps[0].ID, ps[1].ID

	f.status(t, p1, statusEvent(StatePrinting, "a.gcode"))
	f.status(t, p2, statusEvent(StatePrinting, "a.gcode"))
	f.status(t, p1, statusEvent(StatePrinting, "b.gcode"))
	f.status(t, p2, statusEvent(StateComplete, "a.gcode", 100, 1))
	f.status(t, p1, statusEvent(StateStandby, ""))

	j2 := f.jobs(t, p2)
	require.Len(t, j2, 1)
	assert.Equal(t, models.StatusCompleted, j2[0].Status)

	for _, j := range f.jobs(t, p1) {
		assert.Equal(t, models.StatusCancelled, j.Status)
	}
	totals, err := f.store.GetTotals(f.ctx, p1)
	require.NoError(t, err)
	assert.Equal(t, 0, totals.TotalJobs)
}

func TestStatus_TouchesLastSeen(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	f.status(t, p, &moonraker.StatusUpdate{Progress: ptr(0.5)})
	got, err := f.store.GetPrinter(f.ctx, p)
	require.NoError(t, err)
	require.NotNil(t, got.LastSeen)
	assert.Equal(t, t0, *got.LastSeen)
}

func TestHistory_FinishedWithoutPriorRecord(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	start := t0.Add(-2 * time.Hour)
	end := t0.Add(-time.Hour)
	f.history(t, p, finishedEvent("X", "b.gcode", "completed", start, end))

	jobs := f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, "X", jobs[0].JobID)
	assert.Equal(t, models.StatusCompleted, jobs[0].Status)
	assert.Equal(t, start, jobs[0].StartTime)
	assert.Equal(t, end, *jobs[0].EndTime)
	assert.False(t, jobs[0].Synthetic)

	totals, err := f.store.GetTotals(f.ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.TotalJobs)
	assert.Equal(t, 3600.0, totals.LongestJob)
}

func TestHistory_FinishedIdempotent(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	ev := finishedEvent("X", "b.gcode", "completed", t0.Add(-time.Hour), t0)
	f.history(t, p, ev)
	f.history(t, p, ev)

	jobs := f.jobs(t, p)
	require.Len(t, jobs, 1)
	totals, err := f.store.GetTotals(f.ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.TotalJobs)
}

func TestHistory_MergesSyntheticWhileOpen(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	f.status(t, p, statusEvent(StatePrinting, "a.gcode", 100, 10))
	f.advance(30 * time.Minute)
	f.history(t, p, finishedEvent("X", "a.gcode", "completed", t0.Add(-time.Minute), f.clock))

	jobs := f.jobs(t, p)
	require.Len(t, jobs, 1, "synthetic record is adopted, not duplicated")
	assert.Equal(t, "X", jobs[0].JobID)
	assert.Equal(t, models.StatusCompleted, jobs[0].Status)
	assert.False(t, jobs[0].Synthetic)
	f.assertAtMostOneOpen(t, p)

	// the controller keeps reporting the terminal state afterwards
	f.status(t, p, statusEvent(StateComplete, "a.gcode", 1740, 1234))
	jobs = f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, "X", jobs[0].JobID)
}

func TestHistory_MergesSyntheticAfterStatusComplete(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	f.status(t, p, statusEvent(StatePrinting, "a.gcode"))
	f.advance(30 * time.Minute)
	f.status(t, p, statusEvent(StateComplete, "a.gcode", 1700, 1200))
	f.advance(time.Second)
	f.history(t, p, finishedEvent("X", "a.gcode", "completed", t0, f.clock))

	jobs := f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, "X", jobs[0].JobID)
	assert.Equal(t, models.StatusCompleted, jobs[0].Status)

	totals, err := f.store.GetTotals(f.ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.TotalJobs)
}

func TestHistory_CollapsesOpenDuplicateIntoExistingRecord(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	// authoritative row already imported, plus a stray synthetic row still open
	_, _, err := f.store.UpsertJob(f.ctx, p, "X", models.JobFields{Filename: "a.gcode", Status: models.StatusPrinting, StartTime: t0})
	require.NoError(t, err)
	_, _, err = f.store.UpsertJob(f.ctx, p, "active-a.gcode-1", models.JobFields{Filename: "a.gcode", Status: models.StatusPrinting, StartTime: t0.Add(time.Minute), Synthetic: true})
	require.NoError(t, err)

	f.advance(time.Hour)
	f.history(t, p, finishedEvent("X", "a.gcode", "cancelled", t0, f.clock))

	open, err := f.store.ListOpen(f.ctx, p)
	require.NoError(t, err)
	assert.Empty(t, open)

	dup, err := f.store.GetJob(f.ctx, p, "active-a.gcode-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, dup.Status)
	require.NotNil(t, dup.MergedInto)
	assert.Equal(t, "X", *dup.MergedInto)
	assert.Equal(t, 1234.0, dup.FilamentUsed)

	visible := f.jobs(t, p)
	require.Len(t, visible, 1, "merged duplicates are hidden from listings")
	assert.Equal(t, "X", visible[0].JobID)
}

func TestHistory_LateFinishedDoesNotCaptureReprint(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	f.status(t, p, statusEvent(StatePrinting, "F.gcode"))
	f.advance(5 * time.Minute)
	firstEnd := f.clock
	f.status(t, p, statusEvent(StateStandby, ""))
	f.advance(time.Minute)
	f.status(t, p, statusEvent(StatePrinting, "F.gcode"))
	live, err := f.store.FindOpen(f.ctx, p)
	require.NoError(t, err)

	f.history(t, p, finishedEvent("X1", "F.gcode", "cancelled", t0, firstEnd))

	stillLive, err := f.store.GetJobByID(f.ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPrinting, stillLive.Status)
	assert.Equal(t, live.JobID, stillLive.JobID)

	first, err := f.store.GetJob(f.ctx, p, "X1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, first.Status)
	assert.Len(t, f.jobs(t, p), 2)
}

func TestHistory_FinishedAdoptsOutcomeSeenOnConnect(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	// connected after the print ended: only the terminal state is observed
	f.status(t, p, statusEvent(StateComplete, "b.gcode", 5400, 800))
	require.Len(t, f.jobs(t, p), 1)

	f.advance(time.Minute)
	start, end := f.clock.Add(-2*time.Hour), f.clock.Add(-30*time.Minute)
	f.history(t, p, finishedEvent("X", "b.gcode", "completed", start, end))

	jobs := f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, "X", jobs[0].JobID)
	assert.Equal(t, models.StatusCompleted, jobs[0].Status)
	assert.False(t, jobs[0].Synthetic)
	assert.Equal(t, start.Truncate(time.Second), jobs[0].StartTime)

	totals, err := f.store.GetTotals(f.ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.TotalJobs)
}

func TestHistory_OutcomeSeenOnConnectAdoptedOnce(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	f.status(t, p, statusEvent(StateComplete, "b.gcode", 5400, 800))
	f.history(t, p, finishedEvent("X2", "b.gcode", "completed", t0.Add(-2*time.Hour), t0.Add(-30*time.Minute)))
	f.history(t, p, finishedEvent("X1", "b.gcode", "completed", t0.Add(-26*time.Hour), t0.Add(-24*time.Hour)))

	jobs := f.jobs(t, p)
	require.Len(t, jobs, 2)
	assert.Equal(t, "X2", jobs[0].JobID)
	assert.Equal(t, "X1", jobs[1].JobID)
}

func TestHistory_FinishedCancelsLeftoverFromEarlierRun(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	_, _, err := f.store.UpsertJob(f.ctx, p, "active-a.gcode-1", models.JobFields{
		Filename: "a.gcode", Status: models.StatusPaused, StartTime: t0.Add(-3 * time.Hour), Synthetic: true,
	})
	require.NoError(t, err)

	f.history(t, p, finishedEvent("X", "a.gcode", "completed", t0.Add(-time.Hour), t0))

	open, err := f.store.ListOpen(f.ctx, p)
	require.NoError(t, err)
	assert.Empty(t, open)

	leftover, err := f.store.GetJob(f.ctx, p, "active-a.gcode-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, leftover.Status)
	assert.Nil(t, leftover.MergedInto)
	require.NotNil(t, leftover.EndTime)
	assert.Equal(t, f.clock, *leftover.EndTime)
}

func TestHistory_AddedAdoptsAndDemotes(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	f.status(t, p, statusEvent(StatePrinting, "other.gcode"))
	f.advance(time.Minute)
	f.history(t, p, &moonraker.HistoryChanged{
		Action: ActionAdded,
		Job:    &moonraker.HistoryJob{JobID: "Y", Filename: "new.gcode", StartTime: ptr(float64(f.clock.Unix()))},
	})

	y, err := f.store.GetJob(f.ctx, p, "Y")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPrinting, y.Status)
	assert.Equal(t, f.clock, y.StartTime)
	f.assertAtMostOneOpen(t, p)

	// a replayed "added" never reopens a finished job
	f.history(t, p, finishedEvent("Y", "new.gcode", "completed", f.clock, f.clock.Add(time.Hour)))
	f.history(t, p, &moonraker.HistoryChanged{Action: ActionAdded, Job: &moonraker.HistoryJob{JobID: "Y", Filename: "new.gcode"}})
	y, err = f.store.GetJob(f.ctx, p, "Y")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, y.Status)
}

func TestHistory_DeletedAndMalformedAreNoOps(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	f.history(t, p, finishedEvent("X", "a.gcode", "completed", t0.Add(-time.Hour), t0))
	f.history(t, p, &moonraker.HistoryChanged{Action: ActionDeleted, Job: &moonraker.HistoryJob{JobID: "X"}})
	f.history(t, p, &moonraker.HistoryChanged{Action: ActionFinished})
	f.history(t, p, &moonraker.HistoryChanged{Job: &moonraker.HistoryJob{JobID: "Z"}})

	jobs := f.jobs(t, p)
	require.Len(t, jobs, 1)
	assert.Equal(t, "X", jobs[0].JobID)
}

func TestHistory_UnparsableTimestampsFallBackToNow(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	f.history(t, p, &moonraker.HistoryChanged{
		Action: ActionFinished,
		Job:    &moonraker.HistoryJob{JobID: "X", Filename: "a.gcode", Status: "in_progress", StartTime: ptr(-1.0)},
	})
	j, err := f.store.GetJob(f.ctx, p, "X")
	require.NoError(t, err)
	assert.Equal(t, t0, j.StartTime)
	assert.Nil(t, j.EndTime)
	assert.Equal(t, models.StatusPrinting, j.Status)
}

func TestApplyHistoryJob_Outcomes(t *testing.T) {
	f, ps := newFixture(t, "p1")
	p := ps[0].ID

	hj := *finishedEvent("X", "a.gcode", "completed", t0.Add(-time.Hour), t0).Job
	apply := func() Outcome {
		var out Outcome
		require.NoError(t, f.store.WithTx(f.ctx, func(tx *store.Tx) error {
			_, o, err := f.rec.ApplyHistoryJob(f.ctx, tx, p, hj)
			out = o
			return err
		}))
		return out
	}

	assert.Equal(t, OutcomeImported, apply())
	assert.Equal(t, OutcomeSkipped, apply())
	hj.FilamentUsed = 2000
	assert.Equal(t, OutcomeUpdated, apply())

	err := f.store.WithTx(f.ctx, func(tx *store.Tx) error {
		_, _, err := f.rec.ApplyHistoryJob(f.ctx, tx, p, moonraker.HistoryJob{Filename: "x"})
		return err
	})
	assert.Error(t, err)
}

func TestMapHistoryStatus(t *testing.T) {
	assert.Equal(t, models.StatusPrinting, MapHistoryStatus("in_progress"))
	assert.Equal(t, models.StatusCompleted, MapHistoryStatus("completed"))
	assert.Equal(t, models.StatusCompleted, MapHistoryStatus(""))
	assert.Equal(t, models.StatusCancelled, MapHistoryStatus("cancelled"))
	assert.Equal(t, models.StatusError, MapHistoryStatus("klippy_shutdown"))
}
