package store

// Incident status values. Status only moves forward: an incident is
// "downloaded" on intake and becomes "analyzed" when a verdict is saved.
const (
	StatusDownloaded = "downloaded"
	StatusAnalyzed   = "analyzed"
)

// Canonical verdict values.
const (
	VerdictTruePositive   = "TRUE_POSITIVE"
	VerdictFalsePositive  = "FALSE_POSITIVE"
	VerdictRequiresReview = "REQUIRES_REVIEW"
)

// Canonical risk levels.
const (
	RiskCritical = "CRITICAL"
	RiskHigh     = "HIGH"
	RiskMedium   = "MEDIUM"
	RiskLow      = "LOW"
	RiskNone     = "N/A"
)

// Incident represents one flagged DLP event.
type Incident struct {
	ID             string
	FileName       *string
	FilePath       *string
	FileType       *string
	FileSize       *int64
	UserEmail      *string
	Metadata       string // raw JSON blob from the source system, immutable
	Status         string
	Severity       *string
	PolicySeverity *string
	IncidentDate   string // YYYY-MM-DD bucket
	DownloadedAt   *string
	AnalyzedAt     *string
	CreatedAt      *string
}

// Analysis holds the classification result for one incident.
// At most one current row exists per incident; re-analysis replaces it.
type Analysis struct {
	ID               int64
	IncidentID       string
	Verdict          string
	Confidence       float64
	ExecutiveSummary *string
	Reasoning        *string
	RawReply         *string
	RiskLevel        *string
	SchemaVersion    *string // reply dialect that produced RawReply
	ProcessingTime   float64 // seconds
	TokensUsed       int
	AnalyzedAt       *string
}

// Feedback is one analyst confirmation or correction. Append-only.
type Feedback struct {
	ID               int64
	IncidentID       string
	AnalysisID       *int64
	OriginalVerdict  string
	CorrectedVerdict string
	AnalystComment   *string
	RelevanceScore   float64
	CreatedAt        *string
}

// LearningExample is a past correction joined with its incident's
// artifact info, as retrieved for the learning context.
type LearningExample struct {
	Feedback
	FileName *string
	FileType *string
}

// ProcessingRun is one audit record per pipeline cycle.
type ProcessingRun struct {
	ID          int64
	RunID       string
	RunDate     string
	Downloaded  int
	Analyzed    int
	TotalTokens int
	Errors      int
	StartedAt   *string
	CompletedAt *string
}

// ReviewItem pairs an analyzed incident with its current verdict
// for the analyst review console.
type ReviewItem struct {
	IncidentID string
	FileName   *string
	UserEmail  *string
	Severity   *string
	AnalysisID int64
	Verdict    string
	Confidence float64
	RiskLevel  *string
	AnalyzedAt *string
}

// DayCount is one day's incident count in the recent-activity histogram.
type DayCount struct {
	Date  string
	Count int
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalIncidents    int
	PendingIncidents  int
	AnalyzedIncidents int
	VerdictCounts     map[string]int
	FeedbackCount     int
	Accuracy          float64 // percent of feedback confirming the verdict
	TotalTokens       int
	Last7Days         []DayCount
}

// PurgeResult reports rows removed by a retention purge, per table.
type PurgeResult struct {
	Feedback  int64
	Analyses  int64
	Incidents int64
}
