// Package planfix is the client for the Planfix XML API: request envelopes,
// response trees, typed errors, pagination and a retrying wrapper.
package planfix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"planfixsync/internal/metrics"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 64 << 20

// Querier issues one API call. Client and Retrying both implement it.
type Querier interface {
	Query(ctx context.Context, method string, params ...Param) (*Response, error)
}

// Response is a successfully parsed, non-error response envelope.
type Response struct {
	Method string
	Status string
	Root   *Node
}

// Options configures a Client.
type Options struct {
	URL     string
	APIKey  string
	Token   string
	Account string

	// Timeout applies per request. Defaults to 60s.
	Timeout time.Duration

	// RateLimitCodes are Planfix envelope error codes treated as rate limiting.
	RateLimitCodes []string

	// HTTPClient overrides the default tuned client (tests).
	HTTPClient *http.Client

	Logger zerolog.Logger
}

// Client talks to the Planfix XML API.
type Client struct {
	url       string
	apiKey    string
	token     string
	account   string
	http      *http.Client
	rateCodes map[string]bool
	log       zerolog.Logger
}

// NewClient validates opts and returns a Client.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("planfix: URL is required")
	}
	if opts.APIKey == "" || opts.Token == "" {
		return nil, errors.New("planfix: API key and token are required")
	}
	if opts.Account == "" {
		return nil, errors.New("planfix: account is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = newHTTPClient(timeout)
	}

	codes := make(map[string]bool, len(opts.RateLimitCodes))
	for _, c := range opts.RateLimitCodes {
		if c = strings.TrimSpace(c); c != "" {
			codes[c] = true
		}
	}

	return &Client{
		url:       opts.URL,
		apiKey:    opts.APIKey,
		token:     opts.Token,
		account:   opts.Account,
		http:      hc,
		rateCodes: codes,
		log:       opts.Logger.With().Str("component", "planfix").Logger(),
	}, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Query sends method with params and returns the parsed response.
//
// Errors:
//   - *SourceError on network failure, non-2xx status, or status="error" envelope.
//   - *ParseError when the body is not well-formed XML.
func (c *Client) Query(ctx context.Context, method string, params ...Param) (*Response, error) {
	start := time.Now()
	resp, status, err := c.query(ctx, method, params)
	metrics.RecordRequest(method, status, err, time.Since(start))
	return resp, err
}

func (c *Client) query(ctx context.Context, method string, params []Param) (*Response, int, error) {
	body, err := encodeRequest(method, c.account, params)
	if err != nil {
		return nil, 0, fmt.Errorf("planfix %s: encode request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, &SourceError{Method: method, Err: err}
	}
	req.SetBasicAuth(c.apiKey, c.token)
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", "application/xml")

	c.log.Debug().Str("method", method).Int("request_bytes", len(body)).Msg("planfix request")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &SourceError{Method: method, Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, res.StatusCode, &SourceError{Method: method, HTTPStatus: res.StatusCode, Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, res.StatusCode, &SourceError{
			Method:     method,
			HTTPStatus: res.StatusCode,
			Message:    excerpt(raw, res.Header.Get("Content-Type")),
			RateLimit:  res.StatusCode == http.StatusTooManyRequests,
			RetryAfter: parseRetryAfter(res.Header),
		}
	}

	root, err := ParseTree(bytes.NewReader(raw))
	if err != nil {
		return nil, res.StatusCode, &ParseError{
			Method:  method,
			Excerpt: excerpt(raw, res.Header.Get("Content-Type")),
			Err:     err,
		}
	}

	status := root.Attrs["status"]
	if strings.EqualFold(status, "error") {
		code := root.ChildText("code")
		return nil, res.StatusCode, &SourceError{
			Method:     method,
			Code:       code,
			Message:    root.ChildText("message"),
			HTTPStatus: res.StatusCode,
			RateLimit:  c.rateCodes[code],
		}
	}

	c.log.Debug().Str("method", method).Int("response_bytes", len(raw)).Msg("planfix response")
	return &Response{Method: method, Status: status, Root: root}, res.StatusCode, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
