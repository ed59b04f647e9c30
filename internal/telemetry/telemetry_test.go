package telemetry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestInstallIDStable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	first := InstallID(dir)
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("InstallID() = %q, not a uuid", first)
	}
	if second := InstallID(dir); second != first {
		t.Errorf("InstallID() changed: %s then %s", first, second)
	}
}

func TestInstallIDReplacesGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "install-id"), []byte("not-a-uuid"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(InstallID(dir)); err != nil {
		t.Errorf("garbage id not replaced: %v", err)
	}
}

func TestDisabledTracker(t *testing.T) {
	tr := New("", "", t.TempDir())
	if tr.Enabled() {
		t.Fatal("tracker without key is enabled")
	}
	tr.Track("run_started", nil)
	if err := tr.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}

	var nilTracker *Tracker
	nilTracker.Track("ignored", nil)
}
