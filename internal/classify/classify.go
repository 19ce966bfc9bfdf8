// Package classify composes classification requests for flagged incidents,
// normalizes the engine's structured reply, and persists the verdict.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/secfaro/dlptriage/internal/evidence"
	"github.com/secfaro/dlptriage/internal/gemini"
	"github.com/secfaro/dlptriage/internal/store"
)

// Engine is the classification capability: ordered parts in, one
// schema-constrained JSON reply out.
type Engine interface {
	Generate(ctx context.Context, parts []gemini.Part, schema json.RawMessage) (*gemini.Reply, error)
}

// Outcome is the structured result of classifying one incident. Failures
// are values, never panics, so one bad incident cannot abort a batch.
type Outcome struct {
	Success    bool
	IncidentID string
	Err        string

	AnalysisID     int64
	Verdict        Verdict
	ProcessingTime float64
	TokensUsed     int
	FileName       string
}

// Options configures an Analyzer.
type Options struct {
	Dialect          Dialect
	LearningExamples int
	EvidenceLimit    int
}

// Analyzer produces one normalized verdict per incident.
type Analyzer struct {
	st      *store.Store
	engine  Engine
	encoder *evidence.Encoder
	dialect Dialect
	limit   int
	log     *zap.SugaredLogger
}

// New creates an analyzer writing through the given store.
func New(st *store.Store, engine Engine, opts Options, log *zap.SugaredLogger) *Analyzer {
	if opts.LearningExamples <= 0 {
		opts.LearningExamples = 5
	}
	if opts.Dialect == "" {
		opts.Dialect = DialectVerbose
	}
	return &Analyzer{
		st:      st,
		engine:  engine,
		encoder: evidence.NewEncoder(opts.EvidenceLimit),
		dialect: opts.Dialect,
		limit:   opts.LearningExamples,
		log:     log,
	}
}

// AnalyzeIncident runs the full classification for one incident: read the
// metadata artifact, encode the evidence file if present, assemble the
// ordered prompt parts, invoke the engine, normalize the reply, and persist
// the analysis plus its result artifact.
func (a *Analyzer) AnalyzeIncident(ctx context.Context, inc *store.Incident, incidentDir string) *Outcome {
	start := time.Now()

	metadataPath := filepath.Join(incidentDir, "metadata.json")
	raw, err := os.ReadFile(metadataPath)
	if err != nil {
		return failure(inc.ID, fmt.Sprintf("metadata artifact not found: %v", err))
	}
	metadata := decodeMetadata(string(raw))

	var frag *evidence.Fragment
	if name := a.findEvidenceFile(incidentDir); name != "" {
		f := a.encoder.Encode(filepath.Join(incidentDir, name))
		frag = &f
	}

	parts, err := a.assembleParts(metadata, frag)
	if err != nil {
		return failure(inc.ID, err.Error())
	}

	reply, err := a.engine.Generate(ctx, parts, a.dialect.Schema())
	if err != nil {
		return failure(inc.ID, fmt.Sprintf("engine invocation failed: %v", err))
	}

	verdict, err := Normalize(reply.Text, a.dialect)
	if err != nil {
		return failure(inc.ID, fmt.Sprintf("invalid reply: %v", err))
	}

	elapsed := time.Since(start).Seconds()
	tag := a.dialect.Tag()
	analysisID, err := a.st.SaveAnalysis(&store.Analysis{
		IncidentID:       inc.ID,
		Verdict:          verdict.Verdict,
		Confidence:       verdict.Confidence,
		ExecutiveSummary: &verdict.ExecutiveSummary,
		Reasoning:        &verdict.Reasoning,
		RawReply:         &reply.Text,
		RiskLevel:        &verdict.RiskLevel,
		SchemaVersion:    &tag,
		ProcessingTime:   elapsed,
		TokensUsed:       reply.TokensUsed,
	})
	if err != nil {
		return failure(inc.ID, fmt.Sprintf("persisting analysis: %v", err))
	}

	out := &Outcome{
		Success:        true,
		IncidentID:     inc.ID,
		AnalysisID:     analysisID,
		Verdict:        *verdict,
		ProcessingTime: elapsed,
		TokensUsed:     reply.TokensUsed,
	}
	if frag != nil {
		out.FileName = frag.FileName
	}

	if err := a.writeResultArtifact(incidentDir, out); err != nil {
		// The store row is the source of truth; a failed mirror is not
		// a failed analysis.
		a.log.Warnw("failed to write result artifact", "incident", inc.ID, "err", err)
	}
	return out
}

// assembleParts builds the ordered request. Text evidence is appended to
// the prompt text; an image becomes its own part after the text, followed
// by a short instruction so the engine inspects it before replying.
func (a *Analyzer) assembleParts(metadata map[string]any, frag *evidence.Fragment) ([]gemini.Part, error) {
	text := systemPrompt + "\n\n"

	learning, err := BuildLearningContext(a.st, a.limit)
	if err != nil {
		return nil, err
	}
	if learning != "" {
		text += learning + "\n"
	}

	text += renderIncidentFacts(metadata)

	var imagePart *gemini.Part
	switch {
	case frag == nil:
		text += "\n" + noEvidenceDirective + "\n"
	case frag.Kind == evidence.KindImage:
		p := gemini.ImagePart(frag.MIMEType, frag.Data)
		imagePart = &p
	default:
		text += fmt.Sprintf("\nCONTENT OF EVIDENCE FILE: %s\n%s\n", frag.FileName, frag.Text)
	}

	parts := []gemini.Part{gemini.TextPart(text)}
	if imagePart != nil {
		parts = append(parts, *imagePart, gemini.TextPart(imageTrailingInstruction))
	}
	parts = append(parts, gemini.TextPart(finalDirective))
	return parts, nil
}

// findEvidenceFile returns the name of the single evidence artifact in the
// incident directory, or "" for a metadata-only incident.
func (a *Analyzer) findEvidenceFile(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == "metadata.json" || e.Name() == "analysis_result.json" {
			continue
		}
		return e.Name()
	}
	return ""
}

type resultArtifact struct {
	Verdict          string          `json:"verdict"`
	Confidence       float64         `json:"confidence"`
	ExecutiveSummary string          `json:"executive_summary"`
	RiskLevel        string          `json:"risk_level"`
	IncidentContext  IncidentContext `json:"incident_context"`
	Reasoning        string          `json:"reasoning"`
	Indicators       []string        `json:"indicators"`
	SchemaVersion    string          `json:"schema_version"`
	AnalyzedAt       string          `json:"analyzed_at"`
	ProcessingTime   float64         `json:"processing_time"`
	TokensUsed       int             `json:"tokens_used"`
}

// writeResultArtifact mirrors the analysis into the incident directory as
// a human-readable audit record independent of the store.
func (a *Analyzer) writeResultArtifact(incidentDir string, out *Outcome) error {
	data, err := json.MarshalIndent(resultArtifact{
		Verdict:          out.Verdict.Verdict,
		Confidence:       out.Verdict.Confidence,
		ExecutiveSummary: out.Verdict.ExecutiveSummary,
		RiskLevel:        out.Verdict.RiskLevel,
		IncidentContext:  out.Verdict.Context,
		Reasoning:        out.Verdict.Reasoning,
		Indicators:       out.Verdict.Indicators,
		SchemaVersion:    a.dialect.Tag(),
		AnalyzedAt:       time.Now().UTC().Format(time.RFC3339),
		ProcessingTime:   out.ProcessingTime,
		TokensUsed:       out.TokensUsed,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	return os.WriteFile(filepath.Join(incidentDir, "analysis_result.json"), data, 0o644)
}

func failure(incidentID, msg string) *Outcome {
	return &Outcome{Success: false, IncidentID: incidentID, Err: msg}
}
