package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"imagery-pipeline/internal/logging"
)

// Mode selects how throttled responses are waited out
type Mode string

const (
	// ModeSlow sleeps until the server's x-ratelimit-reset time plus one second
	ModeSlow Mode = "slow"
	// ModeFast retries on a doubling schedule starting at 0.3s
	ModeFast Mode = "fast"
)

// Response headers read from the tile API
const (
	HeaderLimit = "x-ratelimit-limit"
	HeaderReset = "x-ratelimit-reset"
)

// Fast schedule and short-retry constants
const (
	ShortRetry      = 100 * time.Millisecond
	FastInitial     = 300 * time.Millisecond
	FastMaxInterval = 1800 * time.Second
	ResetPadding    = time.Second
)

// ParseMode validates a rate-limit mode name; empty means slow
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSlow:
		return ModeSlow, nil
	case ModeFast:
		return ModeFast, nil
	}
	return "", fmt.Errorf("rate limit mode %q must be slow or fast", s)
}

// IsThrottled reports whether a status code should be retried with backoff
func IsThrottled(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// RateLimitEvent represents a rate limit occurrence
type RateLimitEvent struct {
	Timestamp    time.Time     `json:"timestamp"`
	Resource     string        `json:"resource"`
	StatusCode   int           `json:"statusCode"`
	RetryAttempt int           `json:"retryAttempt"` // 1 = first wait for this request
	Wait         time.Duration `json:"wait"`
	NextRetryAt  time.Time     `json:"nextRetryAt"`
	Limit        string        `json:"limit,omitempty"` // x-ratelimit-limit as sent
	Message      string        `json:"message"`
}

// Handler tracks per-resource throttle state and computes retry waits
type Handler struct {
	mu          sync.RWMutex
	mode        Mode
	throttled   map[string]*RateLimitEvent // resource -> latest wait
	events      map[string]int             // resource -> waits since start
	onRateLimit func(event RateLimitEvent)
	onRecovered func(resource string)
	now         func() time.Time
}

// NewHandler creates a handler for the given mode
func NewHandler(mode Mode) *Handler {
	if mode == "" {
		mode = ModeSlow
	}
	return &Handler{
		mode:      mode,
		throttled: make(map[string]*RateLimitEvent),
		events:    make(map[string]int),
		now:       time.Now,
	}
}

// Mode returns the configured mode
func (h *Handler) Mode() Mode {
	return h.mode
}

// SetClock replaces the time source; used by tests
func (h *Handler) SetClock(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = now
}

// SetOnRateLimit sets the callback invoked for every wait
func (h *Handler) SetOnRateLimit(callback func(event RateLimitEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRecovered sets the callback invoked when a throttled resource answers again
func (h *Handler) SetOnRecovered(callback func(resource string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// IsRateLimited checks if a resource is currently throttled
func (h *Handler) IsRateLimited(resource string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, limited := h.throttled[resource]
	return limited
}

// GetCurrentState returns a copy of the latest event for a resource, or nil
func (h *Handler) GetCurrentState(resource string) *RateLimitEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if event, exists := h.throttled[resource]; exists {
		eventCopy := *event
		return &eventCopy
	}
	return nil
}

// Events returns how many waits were recorded for a resource
func (h *Handler) Events(resource string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.events[resource]
}

// TotalEvents returns how many waits were recorded for all resources
func (h *Handler) TotalEvents() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, n := range h.events {
		total += n
	}
	return total
}

// Recovered clears the throttle state after a non-throttled response
func (h *Handler) Recovered(resource string) {
	h.mu.Lock()
	_, exists := h.throttled[resource]
	if exists {
		delete(h.throttled, resource)
	}
	callback := h.onRecovered
	h.mu.Unlock()

	if !exists {
		return
	}
	l := logging.Component("ratelimit")
	l.Info().Str("resource", resource).Msg("rate limit cleared, downloads resumed")
	if callback != nil {
		callback(resource)
	}
}

// NewSchedule starts the retry state for one request
func (h *Handler) NewSchedule(resource string) *Schedule {
	return &Schedule{handler: h, resource: resource}
}

// NewFastBackOff returns the fast schedule: 0.3s doubling to 1800s with no
// jitter and no elapsed-time cap
func NewFastBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(FastInitial),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(FastMaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
}

// Schedule computes successive waits for a single throttled request. The
// first throttled response always gets the short 100ms retry; later ones
// follow the handler's mode. Not safe for concurrent use.
type Schedule struct {
	handler  *Handler
	resource string
	attempt  int
	fast     *backoff.ExponentialBackOff
}

// Attempts returns how many waits the schedule has handed out
func (s *Schedule) Attempts() int {
	return s.attempt
}

// Next returns how long to wait before retrying resp, and records the event
func (s *Schedule) Next(resp *http.Response) time.Duration {
	h := s.handler
	s.attempt++

	h.mu.RLock()
	now := h.now()
	h.mu.RUnlock()

	var wait time.Duration
	switch {
	case s.attempt == 1:
		wait = ShortRetry
	case h.mode == ModeSlow:
		if reset, ok := resetTime(resp); ok {
			wait = ResetPadding
			if reset.After(now) {
				wait += reset.Sub(now)
			}
			break
		}
		wait = s.nextFast()
	default:
		wait = s.nextFast()
	}

	h.record(RateLimitEvent{
		Timestamp:    now,
		Resource:     s.resource,
		StatusCode:   resp.StatusCode,
		RetryAttempt: s.attempt,
		Wait:         wait,
		NextRetryAt:  now.Add(wait),
		Limit:        resp.Header.Get(HeaderLimit),
	})
	return wait
}

func (s *Schedule) nextFast() time.Duration {
	if s.fast == nil {
		s.fast = NewFastBackOff()
	}
	return s.fast.NextBackOff()
}

// resetTime parses x-ratelimit-reset as epoch seconds (fractions allowed)
func resetTime(resp *http.Response) (time.Time, bool) {
	v := strings.TrimSpace(resp.Header.Get(HeaderReset))
	if v == "" {
		return time.Time{}, false
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(0, int64(secs*float64(time.Second))), true
}

func (h *Handler) record(event RateLimitEvent) {
	event.Message = buildMessage(event)

	h.mu.Lock()
	h.throttled[event.Resource] = &event
	h.events[event.Resource]++
	callback := h.onRateLimit
	h.mu.Unlock()

	l := logging.Component("ratelimit")
	l.Warn().
		Str("resource", event.Resource).
		Int("status", event.StatusCode).
		Int("attempt", event.RetryAttempt).
		Dur("wait", event.Wait).
		Msg(event.Message)

	if callback != nil {
		callback(event)
	}
}

func buildMessage(event RateLimitEvent) string {
	if event.StatusCode != http.StatusTooManyRequests {
		return fmt.Sprintf("server error %d, retrying in %s", event.StatusCode, event.Wait)
	}
	if event.Limit != "" {
		return fmt.Sprintf("rate limit exceeded (limit %s), throttling for %s", event.Limit, event.Wait)
	}
	return fmt.Sprintf("rate limit exceeded, throttling for %s", event.Wait)
}
