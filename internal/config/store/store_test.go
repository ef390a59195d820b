package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	storecrypto "github.com/contextforge/forgehost/internal/config/store/crypto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "config.db")
	s, err := Open(Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "direct NotFoundError",
			err:  NotFoundError{Entity: "test", Key: "k"},
			want: true,
		},
		{
			name: "wrapped NotFoundError",
			err:  fmt.Errorf("outer: %w", NotFoundError{Entity: "test"}),
			want: true,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "other error type",
			err:  errors.New("something"),
			want: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsAlreadyExists(t *testing.T) {
	t.Parallel()

	if !IsAlreadyExists(AlreadyExistsError{Entity: "profile", Key: "p"}) {
		t.Error("direct AlreadyExistsError not detected")
	}
	if !IsAlreadyExists(fmt.Errorf("outer: %w", AlreadyExistsError{Entity: "profile"})) {
		t.Error("wrapped AlreadyExistsError not detected")
	}
	if IsAlreadyExists(errors.New("something")) {
		t.Error("unrelated error reported as AlreadyExistsError")
	}
}

func TestOpenRefusesNewKeyWithEncryptedData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "config.db")

	s, err := Open(Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	ctx := context.Background()
	p := Profile{ID: ProfileID("a@b.c", "http://x"), Email: "a@b.c", APIURL: "http://x"}
	if err := s.CreateProfile(ctx, p, "secret"); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// Simulate a lost key file: the DB still holds enc:v1: values.
	if err := os.Remove(storecrypto.KeyPath(dbPath)); err != nil {
		t.Fatalf("remove key: %v", err)
	}

	_, err = Open(Options{DBPath: dbPath})
	if err == nil {
		t.Fatal("expected Open to fail when key is missing but encrypted data exists")
	}
	if !strings.Contains(err.Error(), "refusing to create a new key") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "config.db")

	for i := 0; i < 2; i++ {
		s, err := Open(Options{DBPath: dbPath})
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
}
