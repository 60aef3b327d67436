// Package stats fetches the per-city contacts count shown on the landing
// page. Every failure degrades to zero; callers never see an error.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/keithlinneman/geoedge/internal/geo"
	"github.com/keithlinneman/geoedge/internal/httpmw"
	"github.com/keithlinneman/geoedge/internal/log"
	"github.com/keithlinneman/geoedge/internal/xerrors"
)

const (
	DefaultPath      = "/api/contacts/count-by-city"
	DefaultTimeout   = 800 * time.Millisecond
	DefaultCacheTTL  = 60 * time.Second
	DefaultCacheSize = 1024

	// InternalHeader marks calls the origin should treat as coming from this service.
	InternalHeader = "X-Mw-Internal"

	maxResponseBytes = 64 << 10
)

// Fetch outcomes, used as the metrics result label.
const (
	ResultOK      = "ok"
	ResultCache   = "cache"
	ResultTimeout = "timeout"
	ResultError   = "error"
	ResultStatus  = "status"
	ResultDecode  = "decode"
)

type Metrics interface {
	IncContactsFetch(result string)
	ObserveContactsFetchDuration(seconds float64)
}

type Options struct {
	// Origin is the base URL of the job-board application.
	Origin string
	Path   string

	Timeout   time.Duration
	CacheTTL  time.Duration
	CacheSize int

	// Client defaults to an otelhttp-instrumented client with no timeout of
	// its own; the per-call deadline comes from Timeout.
	Client *http.Client

	Logger  log.Logger
	Metrics Metrics
}

// ContactsCounter asks the origin how many contacts exist for a city.
// Successful answers are cached per (country, city slug) and concurrent
// lookups for the same key share one upstream call.
type ContactsCounter struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	cache    *expirable.LRU[string, int]
	group    singleflight.Group
	logger   log.Logger
	metrics  Metrics
}

func NewContactsCounter(opts Options) (*ContactsCounter, error) {
	base, err := url.Parse(opts.Origin)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, xerrors.Newf("contacts counter: invalid origin %q", opts.Origin)
	}
	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "contacts counter: invalid path %q", path)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	return &ContactsCounter{
		endpoint: base.ResolveReference(ref).String(),
		timeout:  opts.Timeout,
		client:   opts.Client,
		cache:    expirable.NewLRU[string, int](opts.CacheSize, nil, opts.CacheTTL),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

type fetchResult struct {
	count  int
	result string
}

// Count returns the contacts count for g, or 0 on any failure. It returns
// within the configured timeout even when joined onto a slower in-flight call.
func (c *ContactsCounter) Count(ctx context.Context, g geo.Context) int {
	key := g.CountryCode + "|" + g.CitySlug
	if n, ok := c.cache.Get(key); ok {
		c.record(ResultCache, 0)
		return n
	}

	start := time.Now()
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	// the shared call must not die with whichever request started it
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetch(fetchCtx, g)
	})

	var res fetchResult
	var err error
	select {
	case r := <-ch:
		res, _ = r.Val.(fetchResult)
		err = r.Err
	case <-timer.C:
		res, err = fetchResult{result: ResultTimeout}, context.DeadlineExceeded
	}
	c.record(res.result, time.Since(start).Seconds())

	if err != nil {
		log.FromContext(ctx).Warn(ctx, "contacts count unavailable, using 0",
			"result", res.result,
			"country", g.CountryCode,
			"city_slug", g.CitySlug,
			"error", err.Error(),
		)
		return 0
	}
	c.cache.Add(key, res.count)
	return res.count
}

func (c *ContactsCounter) record(result string, seconds float64) {
	if c.metrics == nil {
		return
	}
	c.metrics.IncContactsFetch(result)
	if result != ResultCache {
		c.metrics.ObserveContactsFetchDuration(seconds)
	}
}

func (c *ContactsCounter) fetch(ctx context.Context, g geo.Context) (fetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return fetchResult{result: ResultError}, xerrors.Wrap(err, "build contacts request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Geo-Country", g.CountryCode)
	req.Header.Set("X-Geo-City", url.PathEscape(g.CityName))
	req.Header.Set("X-Geo-City-Slug", g.CitySlug)
	req.Header.Set(InternalHeader, "1")
	// coarse and shared per city, so an intermediate cache may answer
	req.Header.Set("Cache-Control", "max-age=60")
	if id := httpmw.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fetchResult{result: ResultTimeout}, err
		}
		return fetchResult{result: ResultError}, xerrors.Wrap(err, "contacts request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return fetchResult{result: ResultStatus}, xerrors.Newf("contacts endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		Data struct {
			ContactsCount json.RawMessage `json:"contactsCount"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fetchResult{result: ResultTimeout}, err
		}
		return fetchResult{result: ResultDecode}, xerrors.Wrap(err, "decode contacts response")
	}
	n, ok := coerceCount(payload.Data.ContactsCount)
	if !ok {
		return fetchResult{result: ResultDecode}, xerrors.New("contacts response has no numeric data.contactsCount")
	}
	return fetchResult{count: n, result: ResultOK}, nil
}

// coerceCount accepts a JSON number or numeric string. Negative, NaN and
// infinite values become 0; fractions are truncated.
func coerceCount(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0, true
	}
	if f > math.MaxInt32 {
		return math.MaxInt32, true
	}
	return int(f), true
}
