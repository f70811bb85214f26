package smartmoving

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/lgm-ops/movesync/internal/resilience"
)

func fastClient(t *testing.T, srv *httptest.Server) Client {
	t.Helper()
	return NewClient(srv.URL, "test-key",
		WithRateLimiter(rate.NewLimiter(rate.Inf, 1)),
		WithRetry(resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     2,
		}),
	)
}

func TestClient_APIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		w.Write([]byte(`{"pageResults":[],"totalResults":0,"totalPages":0,"lastPage":true}`))
	}))
	defer srv.Close()

	c := fastClient(t, srv)
	_, err := c.ListBranches(context.Background(), 1, 50)
	require.NoError(t, err)
	assert.Equal(t, "test-key", gotKey)
}

func TestClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ping", r.URL.Path)
		w.Write([]byte(`"pong"`))
	}))
	defer srv.Close()

	err := fastClient(t, srv).Ping(context.Background())
	assert.NoError(t, err)
}

func TestClient_ListCustomers_QueryParams(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = map[string]string{
			"path":     r.URL.Path,
			"from":     r.URL.Query().Get("FromServiceDate"),
			"to":       r.URL.Query().Get("ToServiceDate"),
			"branch":   r.URL.Query().Get("BranchId"),
			"include":  r.URL.Query().Get("IncludeOpportunityInfo"),
			"page":     r.URL.Query().Get("Page"),
			"pageSize": r.URL.Query().Get("PageSize"),
		}
		w.Write([]byte(`{"pageResults":[{"id":"c1","name":"Maria Lopez"}],"totalResults":1,"totalPages":1,"lastPage":true}`))
	}))
	defer srv.Close()

	page, err := fastClient(t, srv).ListCustomers(context.Background(), CustomerQuery{
		FromServiceDate:        20250115,
		ToServiceDate:          20250115,
		BranchID:               "b-1",
		IncludeOpportunityInfo: true,
		Page:                   1,
		PageSize:               100,
	})
	require.NoError(t, err)
	require.Len(t, page.PageResults, 1)
	assert.Equal(t, "Maria Lopez", page.PageResults[0].Name)
	assert.Equal(t, map[string]string{
		"path":     "/customers",
		"from":     "20250115",
		"to":       "20250115",
		"branch":   "b-1",
		"include":  "true",
		"page":     "1",
		"pageSize": "100",
	}, got)
}

func TestClient_PageSizeClamped(t *testing.T) {
	var gotPageSize string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPageSize = r.URL.Query().Get("PageSize")
		w.Write([]byte(`{"pageResults":[],"lastPage":true}`))
	}))
	defer srv.Close()

	_, err := fastClient(t, srv).ListMaterials(context.Background(), 1, 500)
	require.NoError(t, err)
	assert.Equal(t, "100", gotPageSize)
}

func TestClient_RetriesOn503(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"pageResults":[{"id":"b1","name":"Toronto"}],"lastPage":true}`))
	}))
	defer srv.Close()

	page, err := fastClient(t, srv).ListBranches(context.Background(), 1, 50)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, page.PageResults, 1)
	assert.Equal(t, "Toronto", page.PageResults[0].Name)
}

func TestClient_RetryExhausted503(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := fastClient(t, srv).ListBranches(context.Background(), 1, 50)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	ue, ok := AsUpstreamError(err)
	require.True(t, ok)
	assert.Equal(t, KindHTTP5xx, ue.Kind)
	assert.Equal(t, 503, ue.Status)
}

func TestClient_4xxFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"invalid api key"}`))
	}))
	defer srv.Close()

	_, err := fastClient(t, srv).ListBranches(context.Background(), 1, 50)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")

	ue, ok := AsUpstreamError(err)
	require.True(t, ok)
	assert.Equal(t, KindHTTP4xx, ue.Kind)
	assert.Equal(t, 401, ue.Status)
	assert.Contains(t, ue.Body, "invalid api key")
	assert.True(t, IsAuthError(err))
}

func TestClient_429HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"pageResults":[],"lastPage":true}`))
	}))
	defer srv.Close()

	start := time.Now()
	_, err := fastClient(t, srv).ListBranches(context.Background(), 1, 50)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	// Retry-After: 0 parses to no delay; a flat 1s fallback applies only
	// when the header is absent.
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_DecodeErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	_, err := fastClient(t, srv).ListBranches(context.Background(), 1, 50)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	ue, ok := AsUpstreamError(err)
	require.True(t, ok)
	assert.Equal(t, KindDecode, ue.Kind)
}

func TestClient_TimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k",
		WithRateLimiter(rate.NewLimiter(rate.Inf, 1)),
		WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}),
		WithRetry(resilience.RetryConfig{MaxAttempts: 1}),
	)
	_, err := c.ListBranches(context.Background(), 1, 50)
	require.Error(t, err)

	ue, ok := AsUpstreamError(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, ue.Kind)
}

func TestEachPage_StopsOnLastPage(t *testing.T) {
	var pagesSeen []int
	fetch := func(ctx context.Context, page int) (*Page[int], error) {
		return &Page[int]{
			PageResults: []int{page},
			LastPage:    page == 3,
		}, nil
	}
	err := EachPage(context.Background(), 0, fetch, func(p *Page[int]) error {
		pagesSeen = append(pagesSeen, p.PageResults[0])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, pagesSeen)
}

func TestEachPage_StopsOnEmptyPage(t *testing.T) {
	fetch := func(ctx context.Context, page int) (*Page[int], error) {
		if page > 2 {
			return &Page[int]{}, nil
		}
		return &Page[int]{PageResults: []int{page}}, nil
	}
	var count int
	err := EachPage(context.Background(), 0, fetch, func(p *Page[int]) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestEachPage_HonorsPageCap(t *testing.T) {
	fetch := func(ctx context.Context, page int) (*Page[int], error) {
		return &Page[int]{PageResults: []int{page}}, nil
	}
	var count int
	err := EachPage(context.Background(), 5, fetch, func(p *Page[int]) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestEachPage_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetch := func(ctx context.Context, page int) (*Page[int], error) {
		return &Page[int]{PageResults: []int{page}}, nil
	}
	var count int
	err := EachPage(ctx, 0, fetch, func(p *Page[int]) error {
		count++
		if count == 2 {
			cancel()
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 2, count)
}

func TestServiceDate_RoundTrip(t *testing.T) {
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	d := NewServiceDate(day)
	assert.Equal(t, ServiceDate(20250115), d)
	assert.Equal(t, day, d.Time())
	assert.Equal(t, "20250115", d.String())
}

func TestServiceDate_Invalid(t *testing.T) {
	assert.True(t, ServiceDate(0).IsZero())
	assert.True(t, ServiceDate(123).IsZero())
	assert.True(t, ServiceDate(20251345).IsZero())
	assert.False(t, ServiceDate(20250101).IsZero())
}

func TestSumCharges(t *testing.T) {
	assert.Equal(t, 0.0, SumCharges(nil))
	assert.Equal(t, 350.5, SumCharges([]Charge{{Total: 200}, {Total: 150.5}}))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))
}
