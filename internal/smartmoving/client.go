// Package smartmoving is a typed client for the SmartMoving public API.
// It owns auth header injection, paging, timeouts, retries and rate
// limiting; it knows nothing about the CRM schema.
package smartmoving

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/lgm-ops/movesync/internal/resilience"
)

// DefaultBaseURL is the public API host. The non-public host
// (api.smartmoving.com) rejects integration API keys.
const DefaultBaseURL = "https://api-public.smartmoving.com/v1"

// DefaultPageCap bounds paging iteration against a server that never
// sets lastPage.
const DefaultPageCap = 200

const maxErrorBodyBytes = 4 << 10

// Client defines the SmartMoving API operations used by the ingestion core.
type Client interface {
	Ping(ctx context.Context) error
	ListBranches(ctx context.Context, page, pageSize int) (*Page[Branch], error)
	ListMaterials(ctx context.Context, page, pageSize int) (*Page[CatalogItem], error)
	ListServiceTypes(ctx context.Context, page, pageSize int) (*Page[CatalogItem], error)
	ListMoveSizes(ctx context.Context, page, pageSize int) (*Page[CatalogItem], error)
	ListRoomTypes(ctx context.Context, page, pageSize int) (*Page[CatalogItem], error)
	ListReferralSources(ctx context.Context, page, pageSize int) (*Page[CatalogItem], error)
	ListUsers(ctx context.Context, page, pageSize int) (*Page[User], error)
	ListCustomers(ctx context.Context, q CustomerQuery) (*Page[Customer], error)
	GetOpportunity(ctx context.Context, id string, includeJobs bool) (*Opportunity, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.hc = hc }
}

// WithRateLimiter installs a shared token bucket. All callers of one
// process should share a single limiter so concurrent fan-out cannot
// stampede the provider.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *httpClient) { c.limiter = l }
}

// WithRetry overrides the retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) { c.retry = cfg }
}

// WithTimeout overrides the per-request timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) { c.timeout = d }
}

// SharedLimiter builds the process-wide upstream token bucket.
func SharedLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		perSec = 5
	}
	return rate.NewLimiter(rate.Limit(perSec), max(int(perSec), 1))
}

type httpClient struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	timeout time.Duration
}

// NewClient creates a SmartMoving client for one integration.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		limiter: SharedLimiter(5),
		retry:   resilience.DefaultRetryConfig(),
		timeout: 30 * time.Second,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hc == nil {
		c.hc = &http.Client{Timeout: c.timeout}
	}
	return c
}

func (c *httpClient) Ping(ctx context.Context) error {
	var out any
	return c.getJSON(ctx, "/ping", nil, &out)
}

func (c *httpClient) ListBranches(ctx context.Context, page, pageSize int) (*Page[Branch], error) {
	return listPage[Branch](ctx, c, "/branches", page, pageSize)
}

func (c *httpClient) ListMaterials(ctx context.Context, page, pageSize int) (*Page[CatalogItem], error) {
	return listPage[CatalogItem](ctx, c, "/materials", page, pageSize)
}

func (c *httpClient) ListServiceTypes(ctx context.Context, page, pageSize int) (*Page[CatalogItem], error) {
	return listPage[CatalogItem](ctx, c, "/service-types", page, pageSize)
}

func (c *httpClient) ListMoveSizes(ctx context.Context, page, pageSize int) (*Page[CatalogItem], error) {
	return listPage[CatalogItem](ctx, c, "/move-sizes", page, pageSize)
}

func (c *httpClient) ListRoomTypes(ctx context.Context, page, pageSize int) (*Page[CatalogItem], error) {
	return listPage[CatalogItem](ctx, c, "/room-types", page, pageSize)
}

func (c *httpClient) ListReferralSources(ctx context.Context, page, pageSize int) (*Page[CatalogItem], error) {
	return listPage[CatalogItem](ctx, c, "/referral-sources", page, pageSize)
}

func (c *httpClient) ListUsers(ctx context.Context, page, pageSize int) (*Page[User], error) {
	return listPage[User](ctx, c, "/users", page, pageSize)
}

func (c *httpClient) ListCustomers(ctx context.Context, q CustomerQuery) (*Page[Customer], error) {
	vals := url.Values{}
	if !q.FromServiceDate.IsZero() {
		vals.Set("FromServiceDate", strconv.Itoa(int(q.FromServiceDate)))
	}
	if !q.ToServiceDate.IsZero() {
		vals.Set("ToServiceDate", strconv.Itoa(int(q.ToServiceDate)))
	}
	if q.BranchID != "" {
		vals.Set("BranchId", q.BranchID)
	}
	if q.IncludeOpportunityInfo {
		vals.Set("IncludeOpportunityInfo", "true")
	}
	vals.Set("Page", strconv.Itoa(max(q.Page, 1)))
	vals.Set("PageSize", strconv.Itoa(clampPageSize(q.PageSize)))

	var out Page[Customer]
	if err := c.getJSON(ctx, "/customers", vals, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) GetOpportunity(ctx context.Context, id string, includeJobs bool) (*Opportunity, error) {
	vals := url.Values{}
	if includeJobs {
		vals.Set("IncludeTripJobs", "true")
	}
	var out Opportunity
	if err := c.getJSON(ctx, "/opportunities/"+url.PathEscape(id), vals, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func listPage[T any](ctx context.Context, c *httpClient, path string, page, pageSize int) (*Page[T], error) {
	vals := url.Values{}
	vals.Set("Page", strconv.Itoa(max(page, 1)))
	vals.Set("PageSize", strconv.Itoa(clampPageSize(pageSize)))

	var out Page[T]
	if err := c.getJSON(ctx, path, vals, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EachPage drives a paged listing lazily: it fetches page 1, 2, ...
// and hands each page to fn, stopping when the server sets lastPage,
// a page comes back empty, or the page cap is reached. It never
// accumulates more than one page in memory.
func EachPage[T any](ctx context.Context, pageCap int, fetch func(ctx context.Context, page int) (*Page[T], error), fn func(*Page[T]) error) error {
	if pageCap <= 0 {
		pageCap = DefaultPageCap
	}
	for page := 1; page <= pageCap; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := fetch(ctx, page)
		if err != nil {
			return err
		}
		if len(p.PageResults) == 0 {
			return nil
		}
		if err := fn(p); err != nil {
			return err
		}
		if p.LastPage {
			return nil
		}
	}
	return nil
}

// getJSON performs one rate-limited, retried GET and decodes the body.
func (c *httpClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	retryCfg := c.retry
	retryCfg.ShouldRetry = shouldRetry
	retryCfg.RetryAfter = retryAfter
	retryCfg.OnRetry = resilience.RetryLogger("smartmoving", path)

	return resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
		// The limiter gates every attempt, so retries stay inside the
		// global budget too.
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "smartmoving: rate limiter wait")
		}
		return c.doOnce(ctx, u, out)
	})
}

func (c *httpClient) doOnce(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return eris.Wrap(err, "smartmoving: create request")
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		ue := &UpstreamError{
			Status: resp.StatusCode,
			Body:   string(body),
		}
		switch {
		case resp.StatusCode >= 500:
			ue.Kind = KindHTTP5xx
		default:
			ue.Kind = KindHTTP4xx
			if resp.StatusCode == http.StatusTooManyRequests {
				if h := resp.Header.Get("Retry-After"); h != "" {
					ue.retryAfter = parseRetryAfter(h)
				} else {
					// No Retry-After: back off a flat second per attempt.
					ue.retryAfter = time.Second
				}
			}
		}
		return ue
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{Kind: KindDecode, Err: err}
	}
	return nil
}

func classifyTransport(err error) *UpstreamError {
	kind := KindTransport
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		kind = KindTimeout
	}
	return &UpstreamError{Kind: kind, Err: err}
}

func shouldRetry(err error) bool {
	if ue, ok := AsUpstreamError(err); ok {
		return ue.Retryable()
	}
	return resilience.IsTransient(err)
}

func retryAfter(err error) time.Duration {
	if ue, ok := AsUpstreamError(err); ok {
		return ue.RetryAfter()
	}
	return 0
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func clampPageSize(n int) int {
	if n <= 0 {
		return 100
	}
	if n > 100 {
		return 100
	}
	return n
}
