package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient(serverURL string) *Client {
	return New(Options{
		APIKey:            "test-key",
		Model:             "gemini-test",
		BaseURL:           serverURL,
		RequestsPerMinute: 6000,
		Timeout:           5 * time.Second,
	})
}

func TestGenerateSendsOrderedParts(t *testing.T) {
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("expected api key header, got %q", r.Header.Get("x-goog-api-key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"ok\":true}"}]},"finishReason":"STOP"}],"usageMetadata":{"totalTokenCount":321}}`))
	}))
	defer srv.Close()

	parts := []Part{
		TextPart("instructions"),
		ImagePart("image/png", []byte{0x89, 0x50}),
		TextPart("trailing"),
	}
	reply, err := testClient(srv.URL).Generate(context.Background(), parts, json.RawMessage(`{"type":"object"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reply.Text != `{"ok":true}` {
		t.Errorf("unexpected reply text %q", reply.Text)
	}
	if reply.TokensUsed != 321 {
		t.Errorf("expected 321 tokens, got %d", reply.TokensUsed)
	}

	if len(got.Contents) != 1 || len(got.Contents[0].Parts) != 3 {
		t.Fatalf("expected 3 parts in one content, got %+v", got.Contents)
	}
	if got.Contents[0].Parts[0].Text != "instructions" {
		t.Error("expected text part order preserved")
	}
	img := got.Contents[0].Parts[1].InlineData
	if img == nil || img.MIMEType != "image/png" {
		t.Fatal("expected inline image as second part")
	}
	if img.Data != base64.StdEncoding.EncodeToString([]byte{0x89, 0x50}) {
		t.Error("expected base64-encoded image bytes")
	}
	if got.GenerationConfig.ResponseMIMEType != "application/json" {
		t.Error("expected JSON response mime type")
	}
	if len(got.GenerationConfig.ResponseSchema) == 0 {
		t.Error("expected reply schema in generation config")
	}
}

func TestGenerateAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"quota exceeded"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Generate(context.Background(), []Part{TextPart("x")}, nil)
	if err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func TestGenerateEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Generate(context.Background(), []Part{TextPart("x")}, nil)
	if err == nil {
		t.Fatal("expected error on empty candidates")
	}
}

func TestGenerateHonorsCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testClient(srv.URL).Generate(ctx, []Part{TextPart("x")}, nil)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestIsConfigured(t *testing.T) {
	if New(Options{Model: "m"}).IsConfigured() {
		t.Error("expected unconfigured without api key")
	}
	if !New(Options{APIKey: "k", Model: "m"}).IsConfigured() {
		t.Error("expected configured with api key")
	}
}
