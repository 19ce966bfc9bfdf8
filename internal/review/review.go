// Package review is the analyst feedback console: it lists analyzed
// incidents with their current verdict and records confirmations or
// corrections. Feedback only ever appends; the engine's analysis row is
// never rewritten, so the original verdict stays auditable.
package review

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/secfaro/dlptriage/internal/store"
)

const confirmedComment = "Confirmed by analyst"

// Console drives the line-oriented review flow.
type Console struct {
	st  *store.Store
	in  *bufio.Scanner
	out io.Writer
	log *zap.SugaredLogger
}

// New creates a review console reading selections from in.
func New(st *store.Store, in io.Reader, out io.Writer, log *zap.SugaredLogger) *Console {
	return &Console{st: st, in: bufio.NewScanner(in), out: out, log: log}
}

// Run lists up to limit analyzed incidents and loops until the analyst
// quits or input ends.
func (c *Console) Run(limit int) error {
	if limit <= 0 {
		limit = 20
	}

	for {
		items, err := c.st.GetAnalyzedIncidents(limit)
		if err != nil {
			return fmt.Errorf("listing analyzed incidents: %w", err)
		}
		if len(items) == 0 {
			fmt.Fprintln(c.out, "No analyzed incidents to review.")
			return nil
		}

		c.printList(items)
		fmt.Fprintf(c.out, "\nSelect incident [1-%d, q to quit]: ", len(items))
		sel, ok := c.readLine()
		if !ok || sel == "q" || sel == "" {
			return nil
		}

		idx, err := strconv.Atoi(sel)
		if err != nil || idx < 1 || idx > len(items) {
			fmt.Fprintln(c.out, "Invalid selection.")
			continue
		}

		if err := c.reviewItem(&items[idx-1]); err != nil {
			return err
		}
	}
}

func (c *Console) printList(items []store.ReviewItem) {
	fmt.Fprintln(c.out, "\nAnalyzed incidents (newest first):")
	for i, it := range items {
		user := deref(it.UserEmail, "unknown")
		file := deref(it.FileName, "no file")
		risk := deref(it.RiskLevel, "N/A")
		mark := " "
		if trail, err := c.st.GetFeedbackTrail(it.IncidentID); err == nil && len(trail) > 0 {
			mark = "*"
		}
		fmt.Fprintf(c.out, "%3d.%s %-16s %-28s %-15s %3.0f%%  %-8s %s\n",
			i+1, mark, shorten(it.IncidentID, 16), shorten(user, 28),
			it.Verdict, it.Confidence*100, risk, file)
	}
	fmt.Fprintln(c.out, "\n(* = already reviewed)")
}

// reviewItem shows one incident and captures a confirmation or correction.
func (c *Console) reviewItem(it *store.ReviewItem) error {
	fmt.Fprintf(c.out, "\nIncident:   %s\n", it.IncidentID)
	fmt.Fprintf(c.out, "User:       %s\n", deref(it.UserEmail, "unknown"))
	fmt.Fprintf(c.out, "Severity:   %s\n", deref(it.Severity, "unknown"))
	fmt.Fprintf(c.out, "Verdict:    %s (%.0f%% confidence, risk %s)\n",
		it.Verdict, it.Confidence*100, deref(it.RiskLevel, "N/A"))

	if analysis, err := c.st.GetAnalysis(it.IncidentID); err == nil && analysis != nil {
		if analysis.ExecutiveSummary != nil && *analysis.ExecutiveSummary != "" {
			fmt.Fprintf(c.out, "Summary:    %s\n", *analysis.ExecutiveSummary)
		}
	}

	fmt.Fprintf(c.out, "\nIs the verdict %s correct? [Y/n]: ", it.Verdict)
	answer, ok := c.readLine()
	if !ok {
		return nil
	}
	answer = strings.ToLower(answer)

	if answer == "" || answer == "y" || answer == "yes" {
		return c.saveFeedback(it, it.Verdict, confirmedComment)
	}

	fmt.Fprintln(c.out, "\nSelect the correct verdict:")
	fmt.Fprintf(c.out, "  1. %s (real leak)\n", store.VerdictTruePositive)
	fmt.Fprintf(c.out, "  2. %s (benign)\n", store.VerdictFalsePositive)
	fmt.Fprintf(c.out, "  3. %s (inconclusive)\n", store.VerdictRequiresReview)
	fmt.Fprint(c.out, "  0. Cancel\nChoice: ")

	choice, ok := c.readLine()
	if !ok || choice == "0" {
		fmt.Fprintln(c.out, "Cancelled.")
		return nil
	}
	verdicts := map[string]string{
		"1": store.VerdictTruePositive,
		"2": store.VerdictFalsePositive,
		"3": store.VerdictRequiresReview,
	}
	corrected, found := verdicts[choice]
	if !found {
		fmt.Fprintln(c.out, "Invalid choice, cancelled.")
		return nil
	}

	fmt.Fprint(c.out, "Comment (why the verdict is wrong): ")
	comment, _ := c.readLine()

	return c.saveFeedback(it, corrected, comment)
}

func (c *Console) saveFeedback(it *store.ReviewItem, corrected, comment string) error {
	fb := &store.Feedback{
		IncidentID:       it.IncidentID,
		AnalysisID:       &it.AnalysisID,
		OriginalVerdict:  it.Verdict,
		CorrectedVerdict: corrected,
		RelevanceScore:   1.0,
	}
	if comment != "" {
		fb.AnalystComment = &comment
	}

	if _, err := c.st.InsertFeedback(fb); err != nil {
		return fmt.Errorf("saving feedback: %w", err)
	}

	if corrected == it.Verdict {
		fmt.Fprintln(c.out, "Feedback saved (confirmed).")
	} else {
		fmt.Fprintf(c.out, "Feedback saved: %s -> %s\n", it.Verdict, corrected)
	}
	c.log.Infow("feedback recorded",
		"incident", it.IncidentID,
		"original", it.Verdict,
		"corrected", corrected)
	return nil
}

func (c *Console) readLine() (string, bool) {
	if !c.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(c.in.Text()), true
}

func deref(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
