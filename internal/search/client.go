// Package search implements the SEARCH stage: query expansion followed by
// multi-query vector search against the external search service.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jonathan/creator-pipeline/internal/types"
)

// Filters narrows a vector search.
type Filters struct {
	MinFollowers      *int     `json:"min_followers,omitempty"`
	MaxFollowers      *int     `json:"max_followers,omitempty"`
	MinEngagement     *float64 `json:"min_engagement,omitempty"`
	MaxEngagement     *float64 `json:"max_engagement,omitempty"`
	Location          string   `json:"location,omitempty"`
	Category          string   `json:"category,omitempty"`
	IsVerified        *bool    `json:"is_verified,omitempty"`
	IsBusinessAccount *bool    `json:"is_business_account,omitempty"`
}

// FiltersFrom copies the filters of a run request.
func FiltersFrom(p types.SearchParams) Filters {
	return Filters{
		MinFollowers:      p.MinFollowers,
		MaxFollowers:      p.MaxFollowers,
		MinEngagement:     p.MinEngagement,
		MaxEngagement:     p.MaxEngagement,
		Location:          p.Location,
		Category:          p.Category,
		IsVerified:        p.IsVerified,
		IsBusinessAccount: p.IsBusinessAccount,
	}
}

// Query is one request to the search service.
type Query struct {
	Query   string  `json:"query"`
	Method  string  `json:"method"`
	Limit   int     `json:"limit"`
	Filters Filters `json:"filters"`
}

// Hit is one search result.
type Hit struct {
	types.CreatorProfile
	Score float64 `json:"score"`
}

type searchResponse struct {
	Results []Hit `json:"results"`
}

// Client talks to the vector search service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a search service client.
func NewClient(baseURL, apiKey string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("search service URL is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}, nil
}

// Search runs one query.
func (c *Client) Search(ctx context.Context, q Query) ([]Hit, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return out.Results, nil
}
