package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/secfaro/dlptriage/internal/classify"
	"github.com/secfaro/dlptriage/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeClassifier saves a fixed analysis for every incident unless the id
// is listed in fail.
type fakeClassifier struct {
	st     *store.Store
	fail   map[string]bool
	calls  []string
	tokens int
}

func (f *fakeClassifier) AnalyzeIncident(_ context.Context, inc *store.Incident, _ string) *classify.Outcome {
	f.calls = append(f.calls, inc.ID)
	if f.fail[inc.ID] {
		return &classify.Outcome{Success: false, IncidentID: inc.ID, Err: "engine unavailable"}
	}
	if _, err := f.st.SaveAnalysis(&store.Analysis{
		IncidentID: inc.ID,
		Verdict:    store.VerdictFalsePositive,
		Confidence: 0.8,
	}); err != nil {
		return &classify.Outcome{Success: false, IncidentID: inc.ID, Err: err.Error()}
	}
	return &classify.Outcome{
		Success:    true,
		IncidentID: inc.ID,
		Verdict:    classify.Verdict{Verdict: store.VerdictFalsePositive, Confidence: 0.8},
		TokensUsed: f.tokens,
	}
}

type fakeAcquirer struct {
	n   int
	err error
}

func (f *fakeAcquirer) Acquire(context.Context) (int, error) { return f.n, f.err }

func seedIncident(t *testing.T, st *store.Store, incidentsDir, id string) {
	t.Helper()
	if _, err := st.InsertIncident(&store.Incident{
		ID:           id,
		Metadata:     `{"user":{"id":"u@corp.example"}}`,
		IncidentDate: "2026-08-20",
	}); err != nil {
		t.Fatalf("inserting incident: %v", err)
	}
	dir := filepath.Join(incidentsDir, "2026-08-20", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating incident dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("writing metadata: %v", err)
	}
}

func TestRunFullCycle(t *testing.T) {
	st := openTestStore(t)
	incidentsDir := t.TempDir()
	seedIncident(t, st, incidentsDir, "INC-a")
	seedIncident(t, st, incidentsDir, "INC-b")

	fc := &fakeClassifier{st: st, tokens: 100}
	p := New(st, fc, &fakeAcquirer{n: 2}, Options{IncidentsDir: incidentsDir}, zap.NewNop().Sugar())

	r, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Downloaded != 2 || r.Analyzed != 2 || r.Errors != 0 {
		t.Errorf("unexpected result %+v", r)
	}
	if r.TotalTokens != 200 {
		t.Errorf("expected 200 tokens, got %d", r.TotalTokens)
	}

	runs, err := st.GetRecentRuns(10)
	if err != nil {
		t.Fatalf("reading runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run row, got %d", len(runs))
	}
	if runs[0].RunID != r.RunID {
		t.Errorf("run id mismatch: %q vs %q", runs[0].RunID, r.RunID)
	}
	if runs[0].Analyzed != 2 || runs[0].Downloaded != 2 {
		t.Errorf("unexpected run row %+v", runs[0])
	}
}

func TestRunAtMostOncePerIncident(t *testing.T) {
	st := openTestStore(t)
	incidentsDir := t.TempDir()
	seedIncident(t, st, incidentsDir, "INC-once")

	fc := &fakeClassifier{st: st}
	p := New(st, fc, nil, Options{IncidentsDir: incidentsDir}, zap.NewNop().Sugar())

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	r, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if r.Analyzed != 0 {
		t.Errorf("analyzed incident must not be re-classified, got %d", r.Analyzed)
	}
	if len(fc.calls) != 1 {
		t.Errorf("expected exactly one classification call, got %v", fc.calls)
	}
}

func TestRunCountsPerIncidentFailures(t *testing.T) {
	st := openTestStore(t)
	incidentsDir := t.TempDir()
	seedIncident(t, st, incidentsDir, "INC-ok")
	seedIncident(t, st, incidentsDir, "INC-bad")

	fc := &fakeClassifier{st: st, fail: map[string]bool{"INC-bad": true}}
	p := New(st, fc, nil, Options{IncidentsDir: incidentsDir}, zap.NewNop().Sugar())

	r, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Analyzed != 1 || r.Errors != 1 {
		t.Errorf("expected 1 analyzed and 1 error, got %+v", r)
	}
	if len(fc.calls) != 2 {
		t.Errorf("one failure must not halt the batch, calls: %v", fc.calls)
	}

	// The failed incident stays eligible for the next cycle.
	pending, _ := st.GetPendingIncidents(10)
	if len(pending) != 1 || pending[0].ID != "INC-bad" {
		t.Errorf("expected INC-bad to remain pending, got %+v", pending)
	}
}

func TestRunMissingIncidentDirectory(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.InsertIncident(&store.Incident{
		ID:           "INC-nodir",
		Metadata:     "{}",
		IncidentDate: "2026-08-20",
	}); err != nil {
		t.Fatalf("inserting incident: %v", err)
	}

	fc := &fakeClassifier{st: st}
	p := New(st, fc, nil, Options{IncidentsDir: t.TempDir()}, zap.NewNop().Sugar())

	r, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Errors != 1 {
		t.Errorf("expected missing directory to count as error, got %+v", r)
	}
	if len(fc.calls) != 0 {
		t.Errorf("classifier must not be invoked without a directory, calls: %v", fc.calls)
	}
}

func TestRunAcquisitionFailureDegrades(t *testing.T) {
	st := openTestStore(t)
	incidentsDir := t.TempDir()
	seedIncident(t, st, incidentsDir, "INC-backlog")

	fc := &fakeClassifier{st: st}
	p := New(st, fc, &fakeAcquirer{err: errors.New("api down")}, Options{IncidentsDir: incidentsDir}, zap.NewNop().Sugar())

	r, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("acquisition failure must not abort the cycle: %v", err)
	}
	if r.Analyzed != 1 {
		t.Errorf("expected backlog to drain despite acquisition failure, got %+v", r)
	}
	if r.Errors != 1 {
		t.Errorf("acquisition failure should be counted, got %+v", r)
	}

	runs, _ := st.GetRecentRuns(1)
	if len(runs) != 1 {
		t.Error("run row must be written even for a degraded cycle")
	}
}

func TestRunCancelledContextStopsBatch(t *testing.T) {
	st := openTestStore(t)
	incidentsDir := t.TempDir()
	seedIncident(t, st, incidentsDir, "INC-1")
	seedIncident(t, st, incidentsDir, "INC-2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fc := &fakeClassifier{st: st}
	p := New(st, fc, nil, Options{IncidentsDir: incidentsDir}, zap.NewNop().Sugar())

	r, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fc.calls) != 0 {
		t.Errorf("cancelled context must stop classification, calls: %v", fc.calls)
	}
	// The run row is still recorded.
	runs, _ := st.GetRecentRuns(1)
	if len(runs) != 1 {
		t.Error("expected run row for interrupted cycle")
	}
	_ = r
}

func TestWatchRejectsBadSpec(t *testing.T) {
	st := openTestStore(t)
	p := New(st, &fakeClassifier{st: st}, nil, Options{}, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Watch(ctx, "not a cron spec"); err == nil {
		t.Error("expected invalid cron spec to be rejected")
	}
}
