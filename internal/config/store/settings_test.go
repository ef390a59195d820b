package store

import (
	"context"
	"testing"
)

func TestSaveAndLoadSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveSettings(ctx, map[string]string{
		"worker.autostart": "true",
		"worker.url":       "http://127.0.0.1:4444",
	}); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	all, err := s.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("loaded %d settings, want 2", len(all))
	}
	if all["worker.autostart"] != "true" {
		t.Fatalf("worker.autostart = %q", all["worker.autostart"])
	}

	// Filtered load.
	filtered, err := s.LoadSettings(ctx, "worker.url")
	if err != nil {
		t.Fatalf("load filtered: %v", err)
	}
	if len(filtered) != 1 || filtered["worker.url"] != "http://127.0.0.1:4444" {
		t.Fatalf("filtered = %v", filtered)
	}

	// Upsert overwrites.
	if err := s.SaveSettings(ctx, map[string]string{"worker.autostart": "false"}); err != nil {
		t.Fatalf("overwrite setting: %v", err)
	}
	updated, err := s.LoadSettings(ctx, "worker.autostart")
	if err != nil {
		t.Fatalf("load updated: %v", err)
	}
	if updated["worker.autostart"] != "false" {
		t.Fatalf("worker.autostart = %q, want false", updated["worker.autostart"])
	}

	// Empty map is a no-op.
	if err := s.SaveSettings(ctx, nil); err != nil {
		t.Fatalf("save empty: %v", err)
	}
}
