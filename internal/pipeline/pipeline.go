// Package pipeline drives one triage cycle: acquire new incidents, select
// the pending backlog, classify each incident in turn, and record the run.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/secfaro/dlptriage/internal/classify"
	"github.com/secfaro/dlptriage/internal/store"
)

// Acquirer pulls new incidents from the upstream platform into the store.
type Acquirer interface {
	Acquire(ctx context.Context) (int, error)
}

// Classifier produces one outcome per incident. Failures are values.
type Classifier interface {
	AnalyzeIncident(ctx context.Context, inc *store.Incident, incidentDir string) *classify.Outcome
}

// Result summarizes one cycle.
type Result struct {
	RunID       string
	Downloaded  int
	Analyzed    int
	Errors      int
	TotalTokens int
	StartedAt   time.Time
	CompletedAt time.Time
}

// Options configures a pipeline.
type Options struct {
	IncidentsDir string
	MaxPerCycle  int
}

// Pipeline coordinates a full cycle over explicitly injected collaborators.
type Pipeline struct {
	st         *store.Store
	classifier Classifier
	acquirer   Acquirer
	opts       Options
	log        *zap.SugaredLogger
}

// New creates a pipeline. acquirer may be nil to run classification over
// the existing backlog only.
func New(st *store.Store, classifier Classifier, acquirer Acquirer, opts Options, log *zap.SugaredLogger) *Pipeline {
	if opts.MaxPerCycle <= 0 {
		opts.MaxPerCycle = 20
	}
	return &Pipeline{st: st, classifier: classifier, acquirer: acquirer, opts: opts, log: log}
}

// Run executes one cycle. Acquisition failure degrades to a warning so the
// existing backlog still drains; per-incident classification failures are
// counted and skipped. Exactly one processing-run row is written no matter
// how much of the cycle succeeded.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	r := &Result{
		RunID:     ulid.Make().String(),
		StartedAt: time.Now().UTC(),
	}
	p.log.Infow("cycle started", "run", r.RunID)

	p.log.Infof("Step 1/4: Acquiring incidents...")
	if p.acquirer != nil {
		n, err := p.acquirer.Acquire(ctx)
		if err != nil {
			p.log.Warnw("acquisition failed, continuing with existing backlog", "err", err)
			r.Errors++
		} else {
			r.Downloaded = n
		}
	} else {
		p.log.Infof("no acquirer configured, skipping acquisition")
	}

	p.log.Infof("Step 2/4: Selecting pending incidents...")
	pending, err := p.st.GetPendingIncidents(p.opts.MaxPerCycle)
	if err != nil {
		return r, fmt.Errorf("selecting pending incidents: %w", err)
	}
	p.log.Infow("pending incidents selected", "count", len(pending))

	p.log.Infof("Step 3/4: Classifying %d incident(s)...", len(pending))
	for i := range pending {
		if err := ctx.Err(); err != nil {
			p.log.Warnw("cycle interrupted", "remaining", len(pending)-i)
			break
		}
		p.classifyOne(ctx, &pending[i], r)
	}

	p.log.Infof("Step 4/4: Recording run...")
	r.CompletedAt = time.Now().UTC()
	started := r.StartedAt.Format(time.RFC3339)
	if err := p.st.InsertRun(&store.ProcessingRun{
		RunID:       r.RunID,
		RunDate:     r.StartedAt.Format("2006-01-02"),
		Downloaded:  r.Downloaded,
		Analyzed:    r.Analyzed,
		TotalTokens: r.TotalTokens,
		Errors:      r.Errors,
		StartedAt:   &started,
	}); err != nil {
		return r, fmt.Errorf("recording run: %w", err)
	}

	p.log.Infow("cycle completed",
		"run", r.RunID,
		"downloaded", r.Downloaded,
		"analyzed", r.Analyzed,
		"errors", r.Errors,
		"tokens", r.TotalTokens,
		"elapsed", r.CompletedAt.Sub(r.StartedAt).Round(time.Second))
	return r, nil
}

func (p *Pipeline) classifyOne(ctx context.Context, inc *store.Incident, r *Result) {
	dir := filepath.Join(p.opts.IncidentsDir, inc.IncidentDate, inc.ID)
	if _, err := os.Stat(dir); err != nil {
		p.log.Warnw("incident directory missing", "incident", inc.ID, "dir", dir)
		r.Errors++
		return
	}

	out := p.classifier.AnalyzeIncident(ctx, inc, dir)
	if !out.Success {
		p.log.Errorw("classification failed", "incident", out.IncidentID, "err", out.Err)
		r.Errors++
		return
	}

	r.Analyzed++
	r.TotalTokens += out.TokensUsed
	p.log.Infow("incident classified",
		"incident", out.IncidentID,
		"verdict", out.Verdict.Verdict,
		"confidence", out.Verdict.Confidence,
		"risk", out.Verdict.RiskLevel)
}
