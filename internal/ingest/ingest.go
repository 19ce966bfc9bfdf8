// Package ingest acquires flagged incidents from the DLP platform: it
// lists recent incidents above a severity floor, writes the per-incident
// directory with its metadata artifact, downloads the evidence blob when
// one is referenced, and inserts the record through the store's
// idempotent intake.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/secfaro/dlptriage/internal/store"
)

// blobDownloader fetches an evidence object by content hash. Nil disables
// evidence download; incidents are then acquired metadata-only.
type blobDownloader interface {
	Download(ctx context.Context, hash, destPath string) (bool, error)
}

// Options configures an Ingestor.
type Options struct {
	IncidentsDir string
	Lookback     time.Duration
	Severities   []string
	PageSize     int
}

// Ingestor drives one acquisition pass.
type Ingestor struct {
	st    *store.Store
	api   *Client
	blobs blobDownloader
	opts  Options
	log   *zap.SugaredLogger
}

// New creates an ingestor. blobs may be nil when no evidence bucket is
// configured.
func New(st *store.Store, api *Client, blobs blobDownloader, opts Options, log *zap.SugaredLogger) *Ingestor {
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if len(opts.Severities) == 0 {
		opts.Severities = []string{"high", "critical"}
	}
	return &Ingestor{st: st, api: api, blobs: blobs, opts: opts, log: log}
}

// Acquire runs one acquisition pass and returns the number of newly stored
// incidents. A single bad record is logged and skipped, never fatal.
func (g *Ingestor) Acquire(ctx context.Context) (int, error) {
	if !g.api.IsConfigured() {
		return 0, fmt.Errorf("incident API credential is not configured")
	}

	token, err := g.api.AccessToken(ctx)
	if err != nil {
		return 0, err
	}

	records, err := g.api.ListIncidents(ctx, token, g.opts.Lookback, g.opts.Severities, g.opts.PageSize)
	if err != nil {
		return 0, err
	}
	g.log.Infow("incident listing fetched", "count", len(records))

	newCount := 0
	for _, raw := range records {
		rec, err := extractRecord(raw)
		if err != nil {
			g.log.Warnw("skipping malformed incident record", "err", err)
			continue
		}

		exists, err := g.st.IncidentExists(rec.id)
		if err != nil {
			g.log.Errorw("store lookup failed", "incident", rec.id, "err", err)
			continue
		}
		if exists {
			continue
		}

		if err := g.processRecord(ctx, rec); err != nil {
			g.log.Errorw("failed to acquire incident", "incident", rec.id, "err", err)
			continue
		}
		newCount++
		g.log.Infow("incident acquired",
			"incident", rec.id,
			"severity", rec.severity,
			"policy_severity", rec.policySeverity,
			"has_file", rec.filePath != "")
	}
	return newCount, nil
}

// processRecord writes the incident directory, downloads evidence when a
// content hash is present, and inserts the store row.
func (g *Ingestor) processRecord(ctx context.Context, rec *record) error {
	dir := filepath.Join(g.opts.IncidentsDir, rec.incidentDate, rec.id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating incident directory: %w", err)
	}

	metadata, err := json.MarshalIndent(rec.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), metadata, 0o644); err != nil {
		return fmt.Errorf("writing metadata artifact: %w", err)
	}

	if g.blobs != nil {
		g.downloadEvidence(ctx, rec, dir)
	}

	inc := &store.Incident{
		ID:           rec.id,
		Metadata:     string(metadata),
		IncidentDate: rec.incidentDate,
	}
	if rec.fileName != "" {
		inc.FileName = &rec.fileName
	}
	if rec.filePath != "" {
		inc.FilePath = &rec.filePath
		if info, err := os.Stat(rec.filePath); err == nil {
			size := info.Size()
			inc.FileSize = &size
		}
	}
	if rec.extension != "" {
		inc.FileType = &rec.extension
	}
	if rec.userEmail != "" {
		inc.UserEmail = &rec.userEmail
	}
	if rec.severity != "" {
		inc.Severity = &rec.severity
	}
	if rec.policySeverity != "" {
		inc.PolicySeverity = &rec.policySeverity
	}

	if _, err := g.st.InsertIncident(inc); err != nil {
		return err
	}
	return nil
}

// downloadEvidence tries the sha256 hash first, then md5. Absence is
// normal; download faults degrade the incident to metadata-only.
func (g *Ingestor) downloadEvidence(ctx context.Context, rec *record, dir string) {
	name := rec.fileName
	if name == "" {
		name = "file." + rec.extension
	}
	dest := filepath.Join(dir, name)

	for _, hash := range []string{rec.sha256, rec.md5} {
		if hash == "" {
			continue
		}
		ok, err := g.blobs.Download(ctx, hash, dest)
		if err != nil {
			g.log.Warnw("evidence download failed", "incident", rec.id, "err", err)
			return
		}
		if ok {
			rec.filePath = dest
			return
		}
	}
}

// record is the normalized view of one raw incident from the listing.
type record struct {
	id             string
	userEmail      string
	severity       string
	policySeverity string
	incidentDate   string
	fileName       string
	extension      string
	sha256         string
	md5            string
	filePath       string
	metadata       map[string]any
}

// extractRecord normalizes a raw incident. The stored metadata keeps only
// the fields classification reads, not the platform's full payload.
func extractRecord(raw json.RawMessage) (*record, error) {
	var inc map[string]any
	if err := json.Unmarshal(raw, &inc); err != nil {
		return nil, fmt.Errorf("decoding incident: %w", err)
	}

	id, _ := inc["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("incident record has no id")
	}

	rec := &record{id: id}

	rec.userEmail = field(inc, "user", "id")
	if rec.userEmail == "" {
		rec.userEmail = field(inc, "user", "email")
	}
	rec.severity = field(inc, "dataset", "sensitivity")
	rec.policySeverity = field(inc, "policy", "severity")

	eventTime, _ := inc["event_time"].(string)
	rec.incidentDate = dateBucket(eventTime)

	startEvent := section(section(inc, "event_details"), "start_event")
	fileInfo := section(section(startEvent, "source"), "file")
	if fileInfo == nil {
		fileInfo = section(inc, "file_info")
	}
	if fileInfo != nil {
		rec.fileName, _ = fileInfo["name"].(string)
		rec.sha256, _ = fileInfo["sha256_hash"].(string)
		rec.md5, _ = fileInfo["md5_hash"].(string)
		if idx := strings.LastIndex(rec.fileName, "."); idx > 0 {
			rec.extension = rec.fileName[idx:]
		} else if ext, ok := fileInfo["extension"].(string); ok && ext != "" {
			rec.extension = "." + ext
		}
	}

	rec.metadata = map[string]any{
		"id":         id,
		"event_time": eventTime,
		"user":       inc["user"],
		"policy": map[string]any{
			"name":     field(inc, "policy", "name"),
			"severity": rec.policySeverity,
		},
		"dataset": map[string]any{
			"name":        field(inc, "dataset", "name"),
			"sensitivity": rec.severity,
		},
		"action":             startEvent["action"],
		"source":             startEvent["source"],
		"destination":        startEvent["destination"],
		"content_inspection": inc["content_inspection"],
	}
	return rec, nil
}

// dateBucket derives the YYYY-MM-DD partition from the event timestamp,
// falling back to today when the timestamp is absent or malformed.
func dateBucket(eventTime string) string {
	if eventTime != "" {
		if t, err := time.Parse(time.RFC3339, eventTime); err == nil {
			return t.UTC().Format("2006-01-02")
		}
	}
	return time.Now().UTC().Format("2006-01-02")
}

func section(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if sub, ok := m[key].(map[string]any); ok {
		return sub
	}
	return nil
}

func field(m map[string]any, keys ...string) string {
	for _, key := range keys[:len(keys)-1] {
		m = section(m, key)
		if m == nil {
			return ""
		}
	}
	if s, ok := m[keys[len(keys)-1]].(string); ok {
		return s
	}
	return ""
}
