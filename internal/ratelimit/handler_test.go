package ratelimit

import (
	"net/http"
	"strconv"
	"testing"
	"time"
)

func throttled(status int, headers map[string]string) *http.Response {
	resp := &http.Response{StatusCode: status, Header: http.Header{}}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return resp
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeSlow, "slow": ModeSlow, "FAST": ModeFast} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("turbo"); err == nil {
		t.Error("turbo should be rejected")
	}
}

func TestIsThrottled(t *testing.T) {
	for status, want := range map[int]bool{429: true, 500: true, 503: true, 599: true, 200: false, 404: false, 403: false} {
		if got := IsThrottled(status); got != want {
			t.Errorf("IsThrottled(%d) = %v", status, got)
		}
	}
}

func TestFastSchedule(t *testing.T) {
	h := NewHandler(ModeFast)
	s := h.NewSchedule("Vert")
	resp := throttled(429, nil)

	want := []time.Duration{
		ShortRetry,
		300 * time.Millisecond,
		600 * time.Millisecond,
		1200 * time.Millisecond,
		2400 * time.Millisecond,
	}
	for i, w := range want {
		if got := s.Next(resp); got != w {
			t.Fatalf("wait %d = %s, want %s", i, got, w)
		}
	}

	// the schedule saturates at the cap and never stops
	var last time.Duration
	for i := 0; i < 30; i++ {
		last = s.Next(resp)
	}
	if last != FastMaxInterval {
		t.Errorf("saturated wait = %s, want %s", last, FastMaxInterval)
	}
	if h.Events("Vert") != 35 || s.Attempts() != 35 {
		t.Errorf("events = %d, attempts = %d", h.Events("Vert"), s.Attempts())
	}
}

func TestSlowScheduleUsesResetHeader(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := NewHandler(ModeSlow)
	h.SetClock(func() time.Time { return now })
	s := h.NewSchedule("Vert")

	reset := strconv.FormatInt(now.Add(5*time.Second).Unix(), 10)
	resp := throttled(429, map[string]string{HeaderReset: reset, HeaderLimit: "1000"})

	if got := s.Next(resp); got != ShortRetry {
		t.Fatalf("first wait = %s, want short retry", got)
	}
	if got := s.Next(resp); got != 6*time.Second {
		t.Errorf("slow wait = %s, want 6s", got)
	}

	past := throttled(429, map[string]string{HeaderReset: strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)})
	if got := s.Next(past); got != ResetPadding {
		t.Errorf("wait for past reset = %s, want %s", got, ResetPadding)
	}

	state := h.GetCurrentState("Vert")
	if state == nil || state.RetryAttempt != 3 || state.StatusCode != 429 {
		t.Fatalf("state = %+v", state)
	}
}

func TestSlowScheduleFallsBackWithoutHeader(t *testing.T) {
	h := NewHandler(ModeSlow)
	s := h.NewSchedule("North")
	resp := throttled(503, nil)

	s.Next(resp)
	if got := s.Next(resp); got != FastInitial {
		t.Errorf("fallback wait = %s, want %s", got, FastInitial)
	}
	if got := s.Next(throttled(503, map[string]string{HeaderReset: "soon"})); got != 2*FastInitial {
		t.Errorf("unparsable header wait = %s, want %s", got, 2*FastInitial)
	}
}

func TestCallbacksAndRecovery(t *testing.T) {
	h := NewHandler(ModeFast)
	var events []RateLimitEvent
	var recovered []string
	h.SetOnRateLimit(func(e RateLimitEvent) { events = append(events, e) })
	h.SetOnRecovered(func(r string) { recovered = append(recovered, r) })

	h.Recovered("Vert")
	if len(recovered) != 0 {
		t.Fatal("recovery reported for a resource that was never throttled")
	}

	h.NewSchedule("Vert").Next(throttled(429, map[string]string{HeaderLimit: "500"}))
	if !h.IsRateLimited("Vert") || len(events) != 1 || events[0].Limit != "500" {
		t.Fatalf("events = %+v", events)
	}

	h.Recovered("Vert")
	if h.IsRateLimited("Vert") || len(recovered) != 1 {
		t.Errorf("recovered = %v", recovered)
	}
	if h.TotalEvents() != 1 {
		t.Errorf("TotalEvents = %d", h.TotalEvents())
	}
}
