// Package enrich implements the ENRICH stage: profile snapshots fetched from
// the third-party data provider in chunks of profile URLs.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Snapshot statuses reported by the provider.
const (
	SnapshotRunning = "running"
	SnapshotReady   = "ready"
	SnapshotFailed  = "failed"
)

// Post is one recent post of a profile.
type Post struct {
	Caption string `json:"caption"`
}

// Record is one profile returned in a snapshot.
type Record struct {
	URL           string   `json:"url"`
	Account       string   `json:"account"`
	ProfileName   string   `json:"profile_name"`
	Biography     string   `json:"biography"`
	BusinessEmail string   `json:"business_email"`
	Followers     *int     `json:"followers"`
	AvgEngagement *float64 `json:"avg_engagement"`
	IsVerified    *bool    `json:"is_verified"`
	Posts         []Post   `json:"posts"`
	Error         string   `json:"error"`
}

// ClientConfig configures the provider client.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	DatasetID string
	HTTP      *http.Client
}

func (c *ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("enrichment service URL is required")
	}
	if c.APIKey == "" {
		return errors.New("enrichment API key is required")
	}
	return nil
}

// Client talks to the enrichment provider's dataset API.
type Client struct {
	baseURL   string
	apiKey    string
	datasetID string
	http      *http.Client
}

// NewClient creates a provider client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HTTP == nil {
		cfg.HTTP = http.DefaultClient
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		datasetID: cfg.DatasetID,
		http:      cfg.HTTP,
	}, nil
}

// Trigger starts a snapshot of the given profile URLs and returns its id.
func (c *Client) Trigger(ctx context.Context, urls []string) (string, error) {
	if len(urls) == 0 {
		return "", errors.New("no profile URLs to enrich")
	}
	body := make([]map[string]string, 0, len(urls))
	for _, u := range urls {
		body = append(body, map[string]string{"url": u})
	}
	q := url.Values{"include_errors": {"true"}}
	if c.datasetID != "" {
		q.Set("dataset_id", c.datasetID)
	}

	var out struct {
		SnapshotID string `json:"snapshot_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/trigger?"+q.Encode(), body, &out); err != nil {
		return "", err
	}
	if out.SnapshotID == "" {
		return "", errors.New("provider returned no snapshot id")
	}
	return out.SnapshotID, nil
}

// Status returns the snapshot status.
func (c *Client) Status(ctx context.Context, snapshotID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/progress/"+url.PathEscape(snapshotID), nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Download returns the records of a ready snapshot.
func (c *Client) Download(ctx context.Context, snapshotID string) ([]Record, error) {
	var out []Record
	if err := c.do(ctx, http.MethodGet, "/snapshot/"+url.PathEscape(snapshotID)+"?format=json", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("enrichment request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("enrichment service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode enrichment response: %w", err)
	}
	return nil
}
