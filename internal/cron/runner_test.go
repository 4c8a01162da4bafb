package cron

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/commerce-core/pkg/alerts"
	"github.com/angelmondragon/commerce-core/pkg/db/dbtest"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard})
}

type flakyJob struct {
	name     string
	failures int
	runs     int
}

func (f *flakyJob) Name() string { return f.name }

func (f *flakyJob) Run(context.Context) error {
	f.runs++
	if f.runs <= f.failures {
		return errors.New("transient")
	}
	return nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	titles []string
	levels []enums.AlertLevel
	fields []map[string]any
}

func (r *recordingAlerter) Raise(_ context.Context, title string, fields map[string]any, opts alerts.Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.levels = append(r.levels, opts.Level)
	r.fields = append(r.fields, fields)
}

func newTestRunner(t *testing.T, attempts int, alerter alerts.Alerter) (*Runner, *HeartbeatRepository, *[]time.Duration) {
	t.Helper()
	heartbeats := NewHeartbeatRepository(dbtest.Open(t))
	runner, err := NewRunner(RunnerParams{
		Logger:      testLogger(),
		Heartbeats:  heartbeats,
		Alerter:     alerter,
		MaxAttempts: attempts,
		RetryDelay:  time.Second,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	var slept []time.Duration
	runner.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return runner, heartbeats, &slept
}

func TestRunnerRetriesUntilSuccess(t *testing.T) {
	alerter := &recordingAlerter{}
	runner, heartbeats, slept := newTestRunner(t, 3, alerter)
	job := &flakyJob{name: "flaky", failures: 2}

	if err := runner.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.runs != 3 {
		t.Fatalf("expected 3 attempts, got %d", job.runs)
	}
	if len(*slept) != 2 || (*slept)[0] != time.Second {
		t.Fatalf("unexpected delays: %v", *slept)
	}
	if len(alerter.titles) != 0 {
		t.Fatalf("expected no alert, got %v", alerter.titles)
	}
	hb, err := heartbeats.Find(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("Find heartbeat: %v", err)
	}
	if hb.LastSuccessAt == nil || hb.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected heartbeat: %+v", hb)
	}
}

func TestRunnerEscalatesAfterExhaustingAttempts(t *testing.T) {
	alerter := &recordingAlerter{}
	runner, heartbeats, slept := newTestRunner(t, 3, alerter)
	job := &flakyJob{name: "broken", failures: 100}
	ctx := context.Background()

	if err := runner.Run(ctx, job); err != nil {
		t.Fatalf("exhausted run must not return the job error: %v", err)
	}
	if job.runs != 3 {
		t.Fatalf("expected 3 attempts, got %d", job.runs)
	}
	if len(*slept) != 2 {
		t.Fatalf("expected 2 delays, got %d", len(*slept))
	}
	if len(alerter.levels) != 1 || alerter.levels[0] != enums.AlertCritical {
		t.Fatalf("expected one critical alert, got %v", alerter.levels)
	}
	if alerter.fields[0]["job"] != "broken" {
		t.Fatalf("alert missing job name: %v", alerter.fields[0])
	}

	if err := runner.Run(ctx, job); err != nil {
		t.Fatalf("second run: %v", err)
	}
	hb, err := heartbeats.Find(ctx, "broken")
	if err != nil {
		t.Fatalf("Find heartbeat: %v", err)
	}
	if hb.ConsecutiveFailures != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", hb.ConsecutiveFailures)
	}
	if hb.LastSuccessAt != nil || hb.LastError == nil || *hb.LastError != "transient" {
		t.Fatalf("unexpected heartbeat: %+v", hb)
	}
}

func TestRunnerStopsOnCancellation(t *testing.T) {
	alerter := &recordingAlerter{}
	runner, _, _ := newTestRunner(t, 5, alerter)
	ctx, cancel := context.WithCancel(context.Background())
	runner.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	job := &flakyJob{name: "interrupted", failures: 100}

	if err := runner.Run(ctx, job); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if job.runs != 1 {
		t.Fatalf("expected a single attempt, got %d", job.runs)
	}
	if len(alerter.titles) != 0 {
		t.Fatalf("cancellation must not alert")
	}
}

func TestHeartbeatSuccessResetsFailures(t *testing.T) {
	repo := NewHeartbeatRepository(dbtest.Open(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := repo.RecordFailure(ctx, "job", now, errors.New("boom")); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := repo.RecordSuccess(ctx, "job", now.Add(time.Minute)); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	hb, err := repo.Find(ctx, "job")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if hb.ConsecutiveFailures != 0 || hb.LastError != nil {
		t.Fatalf("expected failures cleared, got %+v", hb)
	}
	if hb.LastFailureAt == nil {
		t.Fatalf("last failure time must be kept")
	}

	stale, err := repo.ListStale(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected job to be stale after cutoff, got %d", len(stale))
	}
	fresh, err := repo.ListStale(ctx, now)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("expected no stale jobs before last success, got %d", len(fresh))
	}
}
