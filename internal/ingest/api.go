package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client queries the DLP platform's incident API. Authentication is a
// two-step exchange: the configured refresh token buys a short-lived
// access token, which authorizes the incident listing.
type Client struct {
	baseURL      string
	refreshToken string
	httpClient   *http.Client
}

// NewClient creates an incident API client.
func NewClient(baseURL, refreshToken string) *Client {
	return &Client{
		baseURL:      baseURL,
		refreshToken: refreshToken,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// IsConfigured reports whether an API credential is present.
func (c *Client) IsConfigured() bool {
	return c.refreshToken != ""
}

// AccessToken exchanges the refresh token for an access token.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"refresh_token": c.refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v2/auth/token/access", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(msg))
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding token reply: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access token")
	}
	return out.AccessToken, nil
}

// ListIncidents returns raw incident records at the given severities with
// event times inside the lookback window, newest first.
func (c *Client) ListIncidents(ctx context.Context, token string, lookback time.Duration, severities []string, pageSize int) ([]json.RawMessage, error) {
	startTime := time.Now().UTC().Add(-lookback).Format("2006-01-02T15:04:05Z")

	payload, _ := json.Marshal(map[string]any{
		"filter": map[string]any{
			"dataset_sensitivities": severities,
			"policy_severities":     severities,
			"start_time":            startTime,
		},
		"page_request": map[string]any{
			"size":           pageSize,
			"sort_by":        "event_time",
			"sort_direction": "DESC",
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v2/incidents/list", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating list request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing incidents: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("incident listing returned %d: %s", resp.StatusCode, string(msg))
	}

	var out struct {
		Resources []json.RawMessage `json:"resources"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding incident listing: %w", err)
	}
	return out.Resources, nil
}
