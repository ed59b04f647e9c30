// Package telemetry sends opt-in anonymous usage events to PostHog
package telemetry

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"

	"imagery-pipeline/internal/logging"
)

// Tracker enqueues events; a nil or disabled Tracker drops them
type Tracker struct {
	client     posthog.Client
	distinctID string
}

// New builds a tracker. An empty key disables telemetry.
func New(apiKey, endpoint, idDir string) *Tracker {
	if apiKey == "" {
		return &Tracker{}
	}
	l := logging.Component("telemetry")
	client, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: endpoint})
	if err != nil {
		l.Warn().Err(err).Msg("failed to initialize PostHog, telemetry disabled")
		return &Tracker{}
	}
	return &Tracker{client: client, distinctID: InstallID(idDir)}
}

// Enabled reports whether events are sent
func (t *Tracker) Enabled() bool {
	return t != nil && t.client != nil
}

// Track sends an event
func (t *Tracker) Track(event string, props map[string]interface{}) {
	if !t.Enabled() {
		return
	}
	if err := t.client.Enqueue(posthog.Capture{
		DistinctId: t.distinctID,
		Event:      event,
		Properties: props,
	}); err != nil {
		l := logging.Component("telemetry")
		l.Debug().Err(err).Str("event", event).Msg("event dropped")
	}
}

// Close flushes queued events
func (t *Tracker) Close() error {
	if !t.Enabled() {
		return nil
	}
	return t.client.Close()
}

// InstallID returns the anonymous id stored in dir, creating it on first
// use. When dir is not writable a fresh id is returned for this run only.
func InstallID(dir string) string {
	path := filepath.Join(dir, "install-id")
	if data, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String()
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(dir, 0755); err == nil {
		os.WriteFile(path, []byte(id+"\n"), 0644)
	}
	return id
}
