// Package history fetches the durable message backlog over the server's
// paginated REST API. The conversation store merges fetched pages into the
// same per-thread logs that live messages land in.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"converse/internal/models"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// TokenSource supplies the bearer token for authenticated requests.
// *session.Session satisfies it.
type TokenSource interface {
	Token() string
}

type Fetcher struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

func NewFetcher(baseURL string, tokens TokenSource) *Fetcher {
	return &Fetcher{
		baseURL: baseURL,
		tokens:  tokens,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// ThreadMessages fetches one page of a thread's backlog. Page numbers start
// at 1; pageSize is clamped to [1, 100] with a default of 20.
func (f *Fetcher) ThreadMessages(ctx context.Context, threadID string, page, pageSize int) (*models.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	endpoint := fmt.Sprintf("%s/api/v1/messages/threads/%s?%s",
		f.baseURL, url.PathEscape(threadID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if token := f.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch thread messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, models.ErrAuthRequired
	case resp.StatusCode == http.StatusNotFound:
		return nil, models.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch thread messages: status %d: %s", resp.StatusCode, body)
	}

	var result models.MessagePage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode thread messages: %w", err)
	}
	return &result, nil
}
