package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// APIConfig configures the upstream API client
type APIConfig struct {
	BaseURL        string
	APIKey         string
	RequestsPerSec float64 // outbound pacing, 0 disables
	Timeout        time.Duration
	UserAgent      string
}

// APIClient fetches profiles from the upstream REST API
type APIClient struct {
	cfg       APIConfig
	collector *colly.Collector
	limiter   *rate.Limiter
}

// NewAPIClient creates an upstream client
func NewAPIClient(cfg APIConfig) (*APIClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("upstream base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	opts := []colly.CollectorOption{colly.AllowURLRevisit()}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.SetRequestTimeout(cfg.Timeout)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}

	return &APIClient{cfg: cfg, collector: c, limiter: limiter}, nil
}

type apiResponse struct {
	status int
	body   []byte
	err    error
}

// get performs an authenticated GET. Non-2xx responses are returned with
// their status and a nil transport error.
func (a *APIClient) get(ctx context.Context, target string) apiResponse {
	if err := a.limiter.Wait(ctx); err != nil {
		return apiResponse{err: err}
	}

	// Clone shares the transport but not callbacks, so each call owns its result
	c := a.collector.Clone()
	c.SetRequestTimeout(a.cfg.Timeout)

	var resp apiResponse
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
		r.Headers.Set("Content-Type", "application/json")
		if a.cfg.APIKey != "" {
			r.Headers.Set("Authorization", "Bearer "+a.cfg.APIKey)
		}
	})
	c.OnResponse(func(r *colly.Response) {
		resp.status = r.StatusCode
		resp.body = r.Body
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			resp.status = r.StatusCode
			resp.body = r.Body
			return
		}
		resp.err = err
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Visit(target); err != nil && resp.status == 0 && resp.err == nil {
			resp.err = err
		}
	}()

	select {
	case <-done:
		return resp
	case <-ctx.Done():
		return apiResponse{err: ctx.Err()}
	}
}

// IsAvailable probes the API; any answer other than 401/403 counts as available
func (a *APIClient) IsAvailable(ctx context.Context) bool {
	if a.cfg.APIKey == "" {
		logrus.Warn("Upstream API key not configured")
		return false
	}

	resp := a.get(ctx, a.cfg.BaseURL+"/profiles/test")
	if resp.err != nil {
		logrus.Errorf("Upstream health check failed: %v", resp.err)
		return false
	}
	return resp.status != http.StatusUnauthorized && resp.status != http.StatusForbidden
}

// Fetch retrieves one profile
func (a *APIClient) Fetch(ctx context.Context, username string) (*Result, error) {
	target := a.cfg.BaseURL + "/profiles/" + url.PathEscape(username)
	resp := a.get(ctx, target)
	if resp.err != nil {
		return nil, fmt.Errorf("failed to scrape profile %s: %w", username, resp.err)
	}

	switch {
	case resp.status == http.StatusNotFound:
		return nil, fmt.Errorf("failed to scrape profile %s: %w", username, ErrProfileNotFound)
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		return nil, fmt.Errorf("failed to scrape profile %s: status %d: %w", username, resp.status, ErrUnavailable)
	case resp.status < 200 || resp.status > 299:
		return nil, fmt.Errorf("failed to scrape profile %s: API request failed: %d", username, resp.status)
	}

	res, err := DecodeResult(resp.body)
	if err != nil {
		return nil, fmt.Errorf("failed to scrape profile %s: %w", username, err)
	}
	return res, nil
}

var _ Executor = (*APIClient)(nil)
