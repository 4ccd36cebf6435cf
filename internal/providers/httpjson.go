package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPProvider speaks a generic JSON search/lookup/browse API. Concrete
// catalogs differ only in base URL and token; response status codes map
// onto the shared error taxonomy.
type HTTPProvider struct {
	name    string
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPProvider(name, baseURL, token string, timeout time.Duration) *HTTPProvider {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		name:    name,
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Search(ctx context.Context, query, entityType string, limit int) ([]Result, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("type", entityType)
	q.Set("limit", strconv.Itoa(limit))
	var out struct {
		Results []Result `json:"results"`
	}
	if err := p.get(ctx, "/search?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (p *HTTPProvider) Lookup(ctx context.Context, entityType, externalID string) (*Result, error) {
	var out Result
	path := fmt.Sprintf("/%s/%s", url.PathEscape(entityType), url.PathEscape(externalID))
	if err := p.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProvider) Browse(ctx context.Context, entityType string, offset, limit int) ([]Result, error) {
	q := url.Values{}
	q.Set("type", entityType)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var out struct {
		Results []Result `json:"results"`
	}
	if err := p.get(ctx, "/browse?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (p *HTTPProvider) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return Malformed(fmt.Sprintf("build request: %v", err))
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return TimedOut("provider request", err)
		}
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return TimedOut("provider request", err)
		}
		return Unavailable("provider unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return NotFound("no match at " + p.name)
	case resp.StatusCode == http.StatusTooManyRequests:
		return RateLimited("provider throttled", retryAfter(resp))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return AuthFailed(fmt.Sprintf("%s rejected credentials (%d)", p.name, resp.StatusCode))
	case resp.StatusCode == http.StatusBadRequest:
		return Malformed(fmt.Sprintf("%s rejected request (%d)", p.name, resp.StatusCode))
	case resp.StatusCode >= 500:
		return Unavailable(fmt.Sprintf("%s returned %d", p.name, resp.StatusCode), nil)
	default:
		return &Error{Code: CodeUnknown, Message: fmt.Sprintf("%s returned %d", p.name, resp.StatusCode), Retryable: true}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Unavailable("decode provider response", err)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
