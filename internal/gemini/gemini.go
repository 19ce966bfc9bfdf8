// Package gemini is a minimal client for the Gemini generateContent API,
// supporting ordered text/image parts and schema-constrained JSON replies.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Part is one ordered element of a request.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inline_data,omitempty"`
}

// InlineData is a base64-encoded media payload.
type InlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// ImagePart builds an inline image part from raw bytes.
func ImagePart(mimeType string, data []byte) Part {
	return Part{InlineData: &InlineData{
		MIMEType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}}
}

// Reply is the engine's raw JSON text plus token accounting.
type Reply struct {
	Text       string
	TokensUsed int
}

// Options configures the client.
type Options struct {
	APIKey            string
	Model             string
	BaseURL           string
	RequestsPerMinute int
	Timeout           time.Duration
	MaxOutputTokens   int
}

// Client invokes the generateContent endpoint. Calls are rate limited
// and bounded by a per-call timeout; both exist because classification
// requests are metered upstream.
type Client struct {
	apiKey          string
	model           string
	baseURL         string
	maxOutputTokens int
	timeout         time.Duration
	limiter         *rate.Limiter
	httpClient      *http.Client
}

// New creates a Gemini client.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 10
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = 4096
	}
	return &Client{
		apiKey:          opts.APIKey,
		model:           opts.Model,
		baseURL:         opts.BaseURL,
		maxOutputTokens: opts.MaxOutputTokens,
		timeout:         opts.Timeout,
		limiter:         rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), 1),
		httpClient:      &http.Client{Timeout: opts.Timeout},
	}
}

// IsConfigured reports whether an API credential is present.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

type request struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []Part `json:"parts"`
}

type generationConfig struct {
	Temperature      float64         `json:"temperature"`
	MaxOutputTokens  int             `json:"maxOutputTokens"`
	ResponseMIMEType string          `json:"response_mime_type"`
	ResponseSchema   json.RawMessage `json:"response_schema,omitempty"`
}

type response struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Generate sends ordered parts and a reply schema, returning the raw JSON
// reply text. The call blocks on the rate limiter first, so cancellation
// while queued costs nothing.
func (c *Client) Generate(ctx context.Context, parts []Part, schema json.RawMessage) (*Reply, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(request{
		Contents: []content{{Parts: parts}},
		GenerationConfig: generationConfig{
			Temperature:      1.0,
			MaxOutputTokens:  c.maxOutputTokens,
			ResponseMIMEType: "application/json",
			ResponseSchema:   schema,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini api error %d: %s", resp.StatusCode, string(respBody))
	}

	var out response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshaling response: %w", err)
	}

	if len(out.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	var text string
	for _, p := range out.Candidates[0].Content.Parts {
		text += p.Text
	}
	if text == "" {
		return nil, fmt.Errorf("gemini returned an empty reply (finish reason %s)",
			out.Candidates[0].FinishReason)
	}

	return &Reply{Text: text, TokensUsed: out.UsageMetadata.TotalTokenCount}, nil
}
