// Package tileapi fetches single tiles from the aerial imagery tile API,
// waiting out rate limits and server errors until the tile is served, the
// server reports it missing, or the context is cancelled.
package tileapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"imagery-pipeline/internal/cache"
	"imagery-pipeline/internal/common"
	"imagery-pipeline/internal/imagery"
	"imagery-pipeline/internal/logging"
	"imagery-pipeline/internal/ratelimit"
	"imagery-pipeline/internal/tile"
	"imagery-pipeline/internal/utils/naming"
)

const (
	DefaultBaseURL     = "https://api.nearmap.com/"
	DefaultImageFormat = "img"
	DefaultTimeout     = 60 * time.Second
	UserAgent          = "imagery-pipeline/1.0"

	// transport failures back off linearly and start over once the wait
	// reaches transportBackoffReset
	transportBackoffStep  = 30 * time.Millisecond
	transportBackoffReset = 1800 * time.Second
)

var (
	// ErrNotFound means the server has no imagery for the tile
	ErrNotFound = errors.New("tile not found")
	// ErrRetriesExhausted is returned when MaxRetries is set and reached
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// StatusError is an HTTP status the client does not retry
type StatusError struct {
	StatusCode int
	URL        string // redacted
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tile request failed with status %d (%s)", e.StatusCode, e.URL)
}

// Config describes the tile requests of one run
type Config struct {
	BaseURL      string
	APIKey       string
	ResourceType string // Vert, North, South, East or West
	SurveyID     string // when set the survey endpoint is used and filters are ignored
	ImageFormat  string // URL extension; img lets the server pick JPEG or PNG

	Tertiary string
	Since    string
	Until    string
	Mosaic   string
	Include  string
	Exclude  string

	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64 // 0 disables client-side throttling
	MaxRetries        int     // 0 retries throttled and failed requests forever
}

// Normalize fills defaults and validates the request options
func (c *Config) Normalize() error {
	if c.APIKey == "" {
		return errors.New("api key is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	if c.ImageFormat == "" {
		c.ImageFormat = DefaultImageFormat
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = UserAgent
	}

	var err error
	if c.ResourceType, err = common.NormalizeResourceType(c.ResourceType); err != nil {
		return err
	}
	if c.Mosaic, err = common.NormalizeMosaic(c.Mosaic); err != nil {
		return err
	}
	if err := common.ValidateDateFilter("since", c.Since); err != nil {
		return err
	}
	return common.ValidateDateFilter("until", c.Until)
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCache consults and fills a persistent tile cache
func WithCache(tc *cache.PersistentTileCache) Option {
	return func(c *Client) {
		if tc != nil {
			c.cache = tc
		}
	}
}

// WithRateLimitHandler shares throttle state across clients
func WithRateLimitHandler(h *ratelimit.Handler) Option {
	return func(c *Client) { c.rateLimits = h }
}

// WithSleep replaces the context-aware sleep; used by tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithObserver is called after every HTTP attempt; status is 0 for
// transport errors
func WithObserver(observe func(status int, elapsed time.Duration)) Option {
	return func(c *Client) { c.observe = observe }
}

type tileCache interface {
	Get(key cache.Key) ([]byte, string, bool)
	Set(key cache.Key, contentType string, data []byte) error
}

// Client fetches tiles for one configuration
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	rateLimits *ratelimit.Handler
	cache      tileCache
	namespace  string
	sleep      func(ctx context.Context, d time.Duration) error
	observe    func(status int, elapsed time.Duration)
}

// NewClient validates cfg and creates a client with system proxy support
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	namespace := cache.Namespace(cfg.BaseURL, cfg.SurveyID, cfg.ResourceType, cfg.ImageFormat,
		cfg.Tertiary, cfg.Since, cfg.Until, cfg.Mosaic, cfg.Include, cfg.Exclude)

	c := &Client{
		cfg:       cfg,
		namespace: namespace,
		sleep:     Sleep,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment, MaxIdleConnsPerHost: 64},
		},
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rateLimits == nil {
		c.rateLimits = ratelimit.NewHandler(ratelimit.ModeSlow)
	}
	return c, nil
}

// Config returns the normalized configuration
func (c *Client) Config() Config {
	return c.cfg
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TileURL builds the request URL for t, including the API key
func (c *Client) TileURL(t tile.Tile) string {
	cfg := c.cfg
	var path string
	if cfg.SurveyID != "" {
		path = fmt.Sprintf("%stiles/v3/surveys/%s/%s/%d/%d/%d.%s",
			cfg.BaseURL, url.PathEscape(cfg.SurveyID), cfg.ResourceType, t.Z, t.X, t.Y, cfg.ImageFormat)
		return path + "?apikey=" + url.QueryEscape(cfg.APIKey)
	}

	path = fmt.Sprintf("%stiles/v3/%s/%d/%d/%d.%s", cfg.BaseURL, cfg.ResourceType, t.Z, t.X, t.Y, cfg.ImageFormat)
	var q strings.Builder
	q.WriteString("?apikey=" + url.QueryEscape(cfg.APIKey))
	for _, p := range [][2]string{
		{"tertiary", cfg.Tertiary},
		{"since", cfg.Since},
		{"until", cfg.Until},
		{"mosaic", cfg.Mosaic},
		{"include", cfg.Include},
		{"exclude", cfg.Exclude},
	} {
		if p[1] != "" {
			q.WriteString("&" + p[0] + "=" + url.QueryEscape(p[1]))
		}
	}
	return path + q.String()
}

var apiKeyParam = regexp.MustCompile(`(?i)(apikey=)[^&]*`)

// Redact hides the API key in a URL or error message
func Redact(s string) string {
	return apiKeyParam.ReplaceAllString(s, "${1}REDACTED")
}

// CacheKey identifies t together with every option that changes its pixels
func (c *Client) CacheKey(t tile.Tile) cache.Key {
	return cache.Key{Namespace: c.namespace, Z: t.Z, X: t.X, Y: t.Y}
}

// Response is a fetched tile
type Response struct {
	Data        []byte
	ContentType string
	Attempts    int
	FromCache   bool
}

// Fetch returns the tile image, rotated north-up for oblique resources.
// A 404 returns ErrNotFound. 429 and 5xx responses are retried on the rate
// limit schedule and transport errors on a linear one, until MaxRetries (if
// set) is reached or ctx is done.
func (c *Client) Fetch(ctx context.Context, t tile.Tile) (*Response, error) {
	key := c.CacheKey(t)
	if c.cache != nil {
		if data, ct, ok := c.cache.Get(key); ok {
			return &Response{Data: data, ContentType: ct, FromCache: true}, nil
		}
	}

	data, ct, attempts, err := c.fetch(ctx, t)
	if err != nil {
		return &Response{Attempts: attempts}, err
	}

	if deg := common.Rotation(c.cfg.ResourceType); deg != 0 {
		if data, err = imagery.RotateEncoded(data, deg); err != nil {
			return &Response{Attempts: attempts}, err
		}
	}

	if c.cache != nil {
		if err := c.cache.Set(key, ct, data); err != nil {
			l := logging.Component("tileapi")
			l.Warn().Err(err).Str("tile", t.String()).Msg("failed to cache tile")
		}
	}
	return &Response{Data: data, ContentType: ct, Attempts: attempts}, nil
}

func (c *Client) fetch(ctx context.Context, t tile.Tile) ([]byte, string, int, error) {
	tileURL := c.TileURL(t)
	schedule := c.rateLimits.NewSchedule(c.cfg.ResourceType)
	l := logging.Component("tileapi")

	attempts, retries, transportFailures := 0, 0, 0
	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, "", attempts, err
			}
		}

		attempts++
		resp, data, err := c.do(ctx, tileURL)

		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, "", attempts, ctx.Err()
			}
			transportFailures++
			wait = time.Duration(transportFailures) * transportBackoffStep
			if wait >= transportBackoffReset {
				transportFailures = 1
				wait = transportBackoffStep
			}
			err = errors.New(Redact(err.Error()))
			l.Debug().Err(err).Str("tile", t.String()).Dur("wait", wait).Msg("request failed, retrying")

		case resp.StatusCode == http.StatusOK:
			if schedule.Attempts() > 0 {
				c.rateLimits.Recovered(c.cfg.ResourceType)
			}
			return data, resp.Header.Get("Content-Type"), attempts, nil

		case resp.StatusCode == http.StatusNotFound:
			return nil, "", attempts, ErrNotFound

		case ratelimit.IsThrottled(resp.StatusCode):
			wait = schedule.Next(resp)
			err = &StatusError{StatusCode: resp.StatusCode, URL: Redact(tileURL)}

		default:
			return nil, "", attempts, &StatusError{StatusCode: resp.StatusCode, URL: Redact(tileURL)}
		}

		retries++
		if c.cfg.MaxRetries > 0 && retries > c.cfg.MaxRetries {
			return nil, "", attempts, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, err)
		}
		if err := c.sleep(ctx, wait); err != nil {
			return nil, "", attempts, err
		}
	}
}

// do issues one GET and reads the whole body; the returned response body is
// already closed
func (c *Client) do(ctx context.Context, tileURL string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tileURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observed(0, start)
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.observed(resp.StatusCode, start)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read tile: %w", err)
	}
	return resp, data, nil
}

func (c *Client) observed(status int, start time.Time) {
	if c.observe != nil {
		c.observe(status, time.Since(start))
	}
}

// Download fetches t and stores it as {dir}/{x}_{y}_{z}.{ext}, or keeps the
// bytes in the result when dir is empty
func (c *Client) Download(ctx context.Context, t tile.Tile, dir string) common.TileDownloadResult {
	resp, err := c.Fetch(ctx, t)
	switch {
	case errors.Is(err, ErrNotFound):
		return common.NotFound(t, resp.Attempts)
	case err != nil:
		return common.TileDownloadResult{Tile: t, Outcome: common.OutcomeFailed, Attempts: resp.Attempts, Err: err}
	}

	result := common.TileDownloadResult{
		Tile:        t,
		Outcome:     common.OutcomeSuccess,
		ContentType: resp.ContentType,
		Attempts:    resp.Attempts,
		FromCache:   resp.FromCache,
	}
	if dir == "" {
		result.Data = resp.Data
		return result
	}

	path := filepath.Join(dir, naming.TileFilename(t, common.ExtensionForContentType(resp.ContentType)))
	if err := os.WriteFile(path, resp.Data, 0644); err != nil {
		return common.Failed(t, resp.Attempts, "write tile: %w", err)
	}
	result.Path = path
	return result
}
