package main

import (
	"imagery-pipeline/internal/metrics"
	"imagery-pipeline/internal/ratelimit"
)

// Rate Limit Management

// newRateLimitHandler builds the handler and routes its events to metrics
// and telemetry; logging happens inside the handler
func (a *App) newRateLimitHandler(mode ratelimit.Mode) *ratelimit.Handler {
	h := ratelimit.NewHandler(mode)
	h.SetOnRateLimit(func(event ratelimit.RateLimitEvent) {
		metrics.RecordRateLimitWait(event.Resource, event.StatusCode, event.Wait)
		if event.RetryAttempt == 2 {
			a.tracker.Track("rate_limited", map[string]interface{}{
				"resource": event.Resource,
				"status":   event.StatusCode,
				"mode":     string(mode),
				"wait_s":   event.Wait.Seconds(),
			})
		}
	})
	h.SetOnRecovered(func(resource string) {
		a.tracker.Track("rate_limit_recovered", map[string]interface{}{
			"resource": resource,
			"events":   h.Events(resource),
		})
	})
	return h
}

// GetRateLimitStatus returns the current rate limit state for a resource
func (a *App) GetRateLimitStatus(resource string) *ratelimit.RateLimitEvent {
	if a.rateLimitHandler != nil {
		return a.rateLimitHandler.GetCurrentState(resource)
	}
	return nil
}

// IsRateLimited checks if a resource is currently rate limited
func (a *App) IsRateLimited(resource string) bool {
	if a.rateLimitHandler != nil {
		return a.rateLimitHandler.IsRateLimited(resource)
	}
	return false
}

// Cache Management

// CacheStats represents cache statistics
type CacheStats struct {
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"sizeBytes"`
	MaxBytes  int64   `json:"maxBytes"`
	SizeMB    float64 `json:"sizeMB"`
	MaxMB     float64 `json:"maxMB"`
	CachePath string  `json:"cachePath"`
}

// GetCacheStats returns current cache statistics
func (a *App) GetCacheStats() CacheStats {
	if a.tileCache == nil {
		return CacheStats{}
	}

	entries, sizeBytes, maxBytes := a.tileCache.Stats()

	return CacheStats{
		Entries:   entries,
		SizeBytes: sizeBytes,
		MaxBytes:  maxBytes,
		SizeMB:    float64(sizeBytes) / 1024 / 1024,
		MaxMB:     float64(maxBytes) / 1024 / 1024,
		CachePath: a.tileCache.GetCachePath(),
	}
}

// ClearCache removes all cached tiles
func (a *App) ClearCache() error {
	if a.tileCache != nil {
		return a.tileCache.Clear()
	}
	return nil
}
