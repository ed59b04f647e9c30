package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNamespace(t *testing.T) {
	tests := []struct {
		parts []string
		want  string
	}{
		{[]string{"Vert"}, "Vert"},
		{[]string{"Vert", "", "since=2023-01-01"}, "Vert_since-2023-01-01"},
		{[]string{"surveys/abc", "North"}, "surveys-abc_North"},
		{[]string{"", ""}, "default"},
	}
	for _, tt := range tests {
		if got := Namespace(tt.parts...); got != tt.want {
			t.Errorf("Namespace(%q) = %q, want %q", tt.parts, got, tt.want)
		}
	}
}

func TestGetSetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := NewPersistentTileCache(dir, 10, 0)
	if err != nil {
		t.Fatal(err)
	}

	key := Key{Namespace: "Vert", Z: 19, X: 134376, Y: 195033}
	if _, _, ok := c.Get(key); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	payload := []byte("jpeg bytes")
	if err := c.Set(key, "image/jpeg", payload); err != nil {
		t.Fatal(err)
	}
	data, ct, ok := c.Get(key)
	if !ok || !bytes.Equal(data, payload) || ct != "image/jpeg" {
		t.Fatalf("Get = %q, %q, %v", data, ct, ok)
	}
	if _, err := os.Stat(filepath.Join(dir, "Vert", "19", "134376", "195033.jpg")); err != nil {
		t.Errorf("tile file not in ZXY layout: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	reopened, err := NewPersistentTileCache(dir, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entries, size, _ := reopened.Stats(); entries != 1 || size != int64(len(payload)) {
		t.Errorf("reopened stats = %d entries, %d bytes", entries, size)
	}
}

func TestRebuildWithoutIndex(t *testing.T) {
	dir := t.TempDir()
	tileDir := filepath.Join(dir, "North", "18", "5")
	if err := os.MkdirAll(tileDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tileDir, "7.png"), []byte("png"), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := NewPersistentTileCache(dir, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	data, ct, ok := c.Get(Key{Namespace: "North", Z: 18, X: 5, Y: 7})
	if !ok || string(data) != "png" || ct != "image/png" {
		t.Errorf("rebuilt Get = %q, %q, %v", data, ct, ok)
	}
	if _, err := os.Stat(filepath.Join(dir, indexFile)); err != nil {
		t.Errorf("index not written after rebuild: %v", err)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewPersistentTileCache(t.TempDir(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	half := bytes.Repeat([]byte{1}, 400*1024)

	a := Key{Namespace: "Vert", Z: 1, X: 0, Y: 0}
	b := Key{Namespace: "Vert", Z: 1, X: 1, Y: 0}
	d := Key{Namespace: "Vert", Z: 1, X: 1, Y: 1}
	for _, k := range []Key{a, b} {
		if err := c.Set(k, "image/png", half); err != nil {
			t.Fatal(err)
		}
	}
	// touch a so b becomes the oldest
	if _, _, ok := c.Get(a); !ok {
		t.Fatal("a missing")
	}
	if err := c.Set(d, "image/png", half); err != nil {
		t.Fatal(err)
	}

	if _, _, ok := c.Get(b); ok {
		t.Error("b should have been evicted")
	}
	for _, k := range []Key{a, d} {
		if _, _, ok := c.Get(k); !ok {
			t.Errorf("%s should still be cached", k)
		}
	}
	if _, size, max := c.Stats(); size > max {
		t.Errorf("size %d over budget %d", size, max)
	}
}

func TestExpiry(t *testing.T) {
	c, err := NewPersistentTileCache(t.TempDir(), 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	c.now = func() time.Time { return now }

	key := Key{Namespace: "Vert", Z: 3, X: 1, Y: 2}
	if err := c.Set(key, "image/jpeg", []byte("x")); err != nil {
		t.Fatal(err)
	}
	c.now = func() time.Time { return now.Add(49 * time.Hour) }
	if _, _, ok := c.Get(key); ok {
		t.Error("expired tile returned")
	}
	if entries, _, _ := c.Stats(); entries != 0 {
		t.Errorf("entries = %d after expiry", entries)
	}
}

func TestClear(t *testing.T) {
	c, err := NewPersistentTileCache(t.TempDir(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	key := Key{Namespace: "Vert", Z: 3, X: 1, Y: 2}
	if err := c.Set(key, "image/jpeg", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := c.Clear(); err != nil {
		t.Fatal(err)
	}
	if entries, size, _ := c.Stats(); entries != 0 || size != 0 {
		t.Errorf("after Clear: %d entries, %d bytes", entries, size)
	}
}
