package review

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

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

func seedAnalyzed(t *testing.T, st *store.Store, id, verdict string) {
	t.Helper()
	user := "jdoe@corp.example"
	if _, err := st.InsertIncident(&store.Incident{
		ID:           id,
		UserEmail:    &user,
		Metadata:     "{}",
		IncidentDate: "2026-08-20",
	}); err != nil {
		t.Fatalf("inserting incident: %v", err)
	}
	summary := "Test summary."
	if _, err := st.SaveAnalysis(&store.Analysis{
		IncidentID:       id,
		Verdict:          verdict,
		Confidence:       0.9,
		ExecutiveSummary: &summary,
	}); err != nil {
		t.Fatalf("saving analysis: %v", err)
	}
}

func runConsole(t *testing.T, st *store.Store, input string) string {
	t.Helper()
	var out bytes.Buffer
	c := New(st, strings.NewReader(input), &out, zap.NewNop().Sugar())
	if err := c.Run(20); err != nil {
		t.Fatalf("console run failed: %v", err)
	}
	return out.String()
}

func TestRunEmptyStore(t *testing.T) {
	st := openTestStore(t)
	out := runConsole(t, st, "")
	if !strings.Contains(out, "No analyzed incidents") {
		t.Errorf("expected empty-store message, got:\n%s", out)
	}
}

func TestConfirmationRecordsMatchingVerdicts(t *testing.T) {
	st := openTestStore(t)
	seedAnalyzed(t, st, "INC-conf", store.VerdictTruePositive)

	// Select incident 1, answer yes, then quit.
	runConsole(t, st, "1\ny\nq\n")

	trail, err := st.GetFeedbackTrail("INC-conf")
	if err != nil || len(trail) != 1 {
		t.Fatalf("expected one feedback row (err=%v, n=%d)", err, len(trail))
	}
	fb := trail[0]
	if fb.OriginalVerdict != store.VerdictTruePositive || fb.CorrectedVerdict != store.VerdictTruePositive {
		t.Errorf("confirmation must record corrected == original, got %+v", fb)
	}
	if fb.AnalystComment == nil || *fb.AnalystComment != confirmedComment {
		t.Errorf("unexpected comment %v", fb.AnalystComment)
	}
	if fb.RelevanceScore != 1.0 {
		t.Errorf("expected default relevance 1.0, got %v", fb.RelevanceScore)
	}

	// Confirmations never reach the learning context.
	learning, _ := st.GetFeedbackForLearning(10)
	if len(learning) != 0 {
		t.Errorf("confirmation leaked into learning feedback: %+v", learning)
	}
}

func TestCorrectionRecordsChosenVerdict(t *testing.T) {
	st := openTestStore(t)
	seedAnalyzed(t, st, "INC-corr", store.VerdictTruePositive)

	// Select 1, reject, pick FALSE_POSITIVE, add a comment, quit.
	runConsole(t, st, "1\nn\n2\npublic sample data\nq\n")

	trail, _ := st.GetFeedbackTrail("INC-corr")
	if len(trail) != 1 {
		t.Fatalf("expected one feedback row, got %d", len(trail))
	}
	fb := trail[0]
	if fb.CorrectedVerdict != store.VerdictFalsePositive {
		t.Errorf("unexpected corrected verdict %q", fb.CorrectedVerdict)
	}
	if fb.AnalystComment == nil || *fb.AnalystComment != "public sample data" {
		t.Errorf("unexpected comment %v", fb.AnalystComment)
	}

	// The analysis row itself is untouched.
	analysis, _ := st.GetAnalysis("INC-corr")
	if analysis.Verdict != store.VerdictTruePositive {
		t.Errorf("correction must not mutate the analysis, got %q", analysis.Verdict)
	}

	learning, _ := st.GetFeedbackForLearning(10)
	if len(learning) != 1 {
		t.Errorf("expected correction in learning feedback, got %d", len(learning))
	}
}

func TestCorrectionCancelled(t *testing.T) {
	st := openTestStore(t)
	seedAnalyzed(t, st, "INC-cancel", store.VerdictRequiresReview)

	runConsole(t, st, "1\nn\n0\nq\n")

	trail, _ := st.GetFeedbackTrail("INC-cancel")
	if len(trail) != 0 {
		t.Errorf("cancelled review must not write feedback, got %+v", trail)
	}
}

func TestListMarksReviewedIncidents(t *testing.T) {
	st := openTestStore(t)
	seedAnalyzed(t, st, "INC-seen", store.VerdictFalsePositive)
	if _, err := st.InsertFeedback(&store.Feedback{
		IncidentID:       "INC-seen",
		OriginalVerdict:  store.VerdictFalsePositive,
		CorrectedVerdict: store.VerdictFalsePositive,
	}); err != nil {
		t.Fatalf("inserting feedback: %v", err)
	}

	out := runConsole(t, st, "q\n")
	if !strings.Contains(out, "  1.* ") {
		t.Errorf("expected reviewed marker in listing:\n%s", out)
	}
}
