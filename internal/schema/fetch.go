package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher retrieves the remote relational description.
type Fetcher struct {
	url    string
	apiKey string
	client *http.Client
}

// NewFetcher creates a Fetcher for baseURL+path. A nil client gets a default
// client with a 30 second timeout.
func NewFetcher(baseURL, path string, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{
		url:    strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/"),
		client: client,
	}
}

// WithAPIKey sends key as a Bearer token on every fetch.
func (f *Fetcher) WithAPIKey(key string) *Fetcher {
	f.apiKey = key
	return f
}

// Fetch performs the schema GET. Every failure wraps ErrSchemaUnavailable.
func (f *Fetcher) Fetch(ctx context.Context) (*DbScheme, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrSchemaUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrSchemaUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var scheme DbScheme
	if err := json.NewDecoder(resp.Body).Decode(&scheme); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrSchemaUnavailable, err)
	}
	if len(scheme.Tables) == 0 {
		return nil, fmt.Errorf("%w: empty description", ErrSchemaUnavailable)
	}
	return &scheme, nil
}
