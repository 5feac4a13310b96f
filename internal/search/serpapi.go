// Package search provides the web-search collaborator backed by SerpAPI.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// maxResults caps how many organic results are returned per query.
const maxResults = 5

// Result is one organic search result.
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Client queries the SerpAPI Google engine.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a search client. baseURL defaults to the hosted endpoint
// when empty.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://serpapi.com/search.json"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Search runs a Google search and returns up to 5 results.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	params := url.Values{}
	params.Set("engine", "google")
	params.Set("q", query)
	params.Set("api_key", c.apiKey)
	params.Set("num", fmt.Sprintf("%d", maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		OrganicResults []Result `json:"organic_results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := body.OrganicResults
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}
