package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/secfaro/dlptriage/internal/store"
)

const rawIncident = `{
	"id": "INC-2001",
	"event_time": "2026-08-19T14:30:00Z",
	"user": {"id": "jdoe@corp.example"},
	"policy": {"name": "Source Code Exfiltration", "severity": "critical"},
	"dataset": {"name": "source-code", "sensitivity": "high"},
	"event_details": {"start_event": {
		"action": {"kind": "file_upload"},
		"source": {"file": {"name": "engine.py", "sha256_hash": "abc123", "extension": "py"}},
		"destination": {"internet": {"url": "https://gist.example"}}
	}},
	"content_inspection": {"snippet": "API_KEY = "}
}`

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeBlobs writes a canned payload for a known hash.
type fakeBlobs struct {
	known map[string][]byte
	calls []string
}

func (f *fakeBlobs) Download(_ context.Context, hash, destPath string) (bool, error) {
	f.calls = append(f.calls, hash)
	data, ok := f.known[hash]
	if !ok {
		return false, nil
	}
	return true, os.WriteFile(destPath, data, 0o644)
}

func apiServer(t *testing.T, incidents ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/auth/token/access":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["refresh_token"] != "refresh-secret" {
				t.Errorf("unexpected refresh token %q", body["refresh_token"])
			}
			w.Write([]byte(`{"access_token": "access-secret"}`))
		case "/v2/incidents/list":
			if got := r.Header.Get("Authorization"); got != "Bearer access-secret" {
				t.Errorf("unexpected auth header %q", got)
			}
			var payload struct {
				Filter struct {
					Sensitivities []string `json:"dataset_sensitivities"`
					StartTime     string   `json:"start_time"`
				} `json:"filter"`
			}
			json.NewDecoder(r.Body).Decode(&payload)
			if len(payload.Filter.Sensitivities) == 0 || payload.Filter.StartTime == "" {
				t.Error("expected severity filter and time window in listing request")
			}
			raws := make([]json.RawMessage, len(incidents))
			for i, inc := range incidents {
				raws[i] = json.RawMessage(inc)
			}
			json.NewEncoder(w).Encode(map[string]any{"resources": raws})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testIngestor(t *testing.T, st *store.Store, srv *httptest.Server, blobs blobDownloader) *Ingestor {
	t.Helper()
	api := NewClient(srv.URL, "refresh-secret")
	return New(st, api, blobs, Options{IncidentsDir: t.TempDir()}, zap.NewNop().Sugar())
}

func TestAcquireStoresIncident(t *testing.T) {
	st := openTestStore(t)
	srv := apiServer(t, rawIncident)
	blobs := &fakeBlobs{known: map[string][]byte{"abc123": []byte("print('hi')")}}
	g := testIngestor(t, st, srv, blobs)

	n, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 new incident, got %d", n)
	}

	inc, err := st.GetIncident("INC-2001")
	if err != nil || inc == nil {
		t.Fatalf("expected stored incident (err=%v)", err)
	}
	if inc.Status != store.StatusDownloaded {
		t.Errorf("expected status downloaded, got %q", inc.Status)
	}
	if inc.IncidentDate != "2026-08-19" {
		t.Errorf("expected date bucket from event time, got %q", inc.IncidentDate)
	}
	if inc.UserEmail == nil || *inc.UserEmail != "jdoe@corp.example" {
		t.Errorf("unexpected user %v", inc.UserEmail)
	}
	if inc.FileName == nil || *inc.FileName != "engine.py" {
		t.Errorf("unexpected file name %v", inc.FileName)
	}
	if inc.FileType == nil || *inc.FileType != ".py" {
		t.Errorf("unexpected file type %v", inc.FileType)
	}
	if inc.Severity == nil || *inc.Severity != "high" {
		t.Errorf("unexpected severity %v", inc.Severity)
	}
	if inc.PolicySeverity == nil || *inc.PolicySeverity != "critical" {
		t.Errorf("unexpected policy severity %v", inc.PolicySeverity)
	}

	dir := filepath.Join(g.opts.IncidentsDir, "2026-08-19", "INC-2001")
	metadata, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		t.Fatalf("expected metadata artifact: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(metadata, &m); err != nil {
		t.Fatalf("metadata artifact is not valid JSON: %v", err)
	}
	if m["id"] != "INC-2001" {
		t.Errorf("unexpected metadata id %v", m["id"])
	}

	evidence, err := os.ReadFile(filepath.Join(dir, "engine.py"))
	if err != nil {
		t.Fatalf("expected downloaded evidence file: %v", err)
	}
	if string(evidence) != "print('hi')" {
		t.Errorf("unexpected evidence content %q", evidence)
	}
	if inc.FilePath == nil || *inc.FilePath != filepath.Join(dir, "engine.py") {
		t.Errorf("unexpected file path %v", inc.FilePath)
	}
}

func TestAcquireSkipsExistingIncident(t *testing.T) {
	st := openTestStore(t)
	srv := apiServer(t, rawIncident)
	g := testIngestor(t, st, srv, nil)

	if _, err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	n, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected duplicate to be skipped, got %d new", n)
	}
}

func TestAcquireWithoutBlobStore(t *testing.T) {
	st := openTestStore(t)
	srv := apiServer(t, rawIncident)
	g := testIngestor(t, st, srv, nil)

	n, err := g.Acquire(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected metadata-only acquisition (n=%d err=%v)", n, err)
	}
	inc, _ := st.GetIncident("INC-2001")
	if inc.FilePath != nil {
		t.Errorf("expected no file path without evidence download, got %v", *inc.FilePath)
	}
}

func TestAcquireSkipsMalformedRecord(t *testing.T) {
	st := openTestStore(t)
	srv := apiServer(t, `{"no_id": true}`, rawIncident)
	g := testIngestor(t, st, srv, nil)

	n, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected malformed record skipped, got %d new", n)
	}
}

func TestAcquireUnconfigured(t *testing.T) {
	st := openTestStore(t)
	g := New(st, NewClient("http://unused", ""), nil, Options{}, zap.NewNop().Sugar())
	if _, err := g.Acquire(context.Background()); err == nil {
		t.Error("expected error when API credential is missing")
	}
}

func TestExtractRecordFallsBackToMD5(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "INC-md5",
		"event_time": "2026-08-19T10:00:00Z",
		"event_details": {"start_event": {"source": {"file": {"name": "dump.bin", "md5_hash": "md5aaa"}}}}
	}`)
	rec, err := extractRecord(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.sha256 != "" || rec.md5 != "md5aaa" {
		t.Errorf("unexpected hashes sha=%q md5=%q", rec.sha256, rec.md5)
	}
	if rec.extension != ".bin" {
		t.Errorf("unexpected extension %q", rec.extension)
	}
}

func TestDateBucketFallback(t *testing.T) {
	if got := dateBucket("not-a-timestamp"); len(got) != len("2006-01-02") {
		t.Errorf("expected today fallback, got %q", got)
	}
	if got := dateBucket("2026-08-19T23:59:00Z"); got != "2026-08-19" {
		t.Errorf("unexpected bucket %q", got)
	}
}
