package store

import (
	"context"
	"strings"
	"testing"

	storecrypto "github.com/contextforge/forgehost/internal/config/store/crypto"
)

func TestProfileIDDeterministic(t *testing.T) {
	t.Parallel()

	a := ProfileID("user@example.com", "http://127.0.0.1:4444")
	b := ProfileID("user@example.com", "http://127.0.0.1:4444")
	if a != b {
		t.Fatalf("same inputs produced different IDs: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("profile ID has length %d, want 16", len(a))
	}

	// Email normalisation: case and surrounding whitespace are ignored.
	if got := ProfileID("  User@Example.COM ", "http://127.0.0.1:4444"); got != a {
		t.Fatalf("normalised email produced different ID: %s vs %s", got, a)
	}

	if got := ProfileID("user@example.com", "http://other:4444"); got == a {
		t.Fatal("different API URL should produce a different ID")
	}
	if got := ProfileID("other@example.com", "http://127.0.0.1:4444"); got == a {
		t.Fatal("different email should produce a different ID")
	}
}

func TestCreateAndGetProfile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := Profile{
		ID:          ProfileID("user@example.com", "http://127.0.0.1:4444"),
		Email:       "user@example.com",
		APIURL:      "http://127.0.0.1:4444",
		DisplayName: "User",
	}
	if err := s.CreateProfile(ctx, p, "secret"); err != nil {
		t.Fatalf("create profile: %v", err)
	}

	got, err := s.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got.Email != p.Email || got.APIURL != p.APIURL || got.DisplayName != p.DisplayName {
		t.Fatalf("profile mismatch: %+v", got)
	}
	if got.IsActive {
		t.Fatal("new profile should not be active")
	}
	if got.CreatedAt == "" || got.UpdatedAt == "" {
		t.Fatal("timestamps not populated")
	}

	creds, err := s.GetCredentials(ctx, p.ID)
	if err != nil {
		t.Fatalf("get credentials: %v", err)
	}
	if creds.Password != "secret" {
		t.Fatalf("password = %q, want %q", creds.Password, "secret")
	}
}

func TestProfileMetadataRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := Profile{
		ID:     ProfileID("a@b.c", "http://x"),
		Email:  "a@b.c",
		APIURL: "http://x",
		Metadata: &Metadata{
			Description: "staging box",
			Environment: "staging",
			Icon:        "cloud",
			Color:       "#336699",
		},
	}
	if err := s.CreateProfile(ctx, p, "pw"); err != nil {
		t.Fatalf("create profile: %v", err)
	}

	got, err := s.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got.Metadata == nil || *got.Metadata != *p.Metadata {
		t.Fatalf("metadata = %+v, want %+v", got.Metadata, p.Metadata)
	}

	// Metadata is replaced as a block on update.
	md := Metadata{Environment: "production"}
	if err := s.UpdateProfile(ctx, p.ID, ProfileUpdate{Metadata: &md}); err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	got, err = s.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatalf("get profile after update: %v", err)
	}
	if got.Metadata == nil || *got.Metadata != md {
		t.Fatalf("updated metadata = %+v, want %+v", got.Metadata, md)
	}

	// Profiles without metadata stay bare.
	bare := Profile{ID: ProfileID("d@e.f", "http://x"), Email: "d@e.f", APIURL: "http://x"}
	if err := s.CreateProfile(ctx, bare, "pw"); err != nil {
		t.Fatalf("create bare profile: %v", err)
	}
	got, err = s.GetProfile(ctx, bare.ID)
	if err != nil {
		t.Fatalf("get bare profile: %v", err)
	}
	if got.Metadata != nil {
		t.Fatalf("bare profile has metadata: %+v", got.Metadata)
	}
}

func TestCreateProfileDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := Profile{ID: ProfileID("a@b.c", "http://x"), Email: "a@b.c", APIURL: "http://x"}
	if err := s.CreateProfile(ctx, p, "one"); err != nil {
		t.Fatalf("first create: %v", err)
	}

	err := s.CreateProfile(ctx, p, "two")
	if err == nil {
		t.Fatal("expected error for duplicate profile")
	}
	if !IsAlreadyExists(err) {
		t.Fatalf("expected AlreadyExistsError, got %T: %v", err, err)
	}

	// The original password must be untouched.
	creds, err := s.GetCredentials(ctx, p.ID)
	if err != nil {
		t.Fatalf("get credentials: %v", err)
	}
	if creds.Password != "one" {
		t.Fatalf("password = %q, want %q", creds.Password, "one")
	}
}

func TestPasswordEncryptedAtRest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := Profile{ID: ProfileID("a@b.c", "http://x"), Email: "a@b.c", APIURL: "http://x"}
	if err := s.CreateProfile(ctx, p, "plaintext-password"); err != nil {
		t.Fatalf("create profile: %v", err)
	}

	var password string
	if err := s.DB().QueryRowContext(ctx,
		`SELECT password FROM credentials WHERE profile_id = ?`, p.ID,
	).Scan(&password); err != nil {
		t.Fatalf("select raw credentials: %v", err)
	}

	if !strings.HasPrefix(password, storecrypto.EncPrefix) {
		t.Fatalf("stored value not encrypted: %q", password)
	}
	if strings.Contains(password, "plaintext-password") {
		t.Fatal("raw password column contains plaintext")
	}
}

func TestUpdatePassword(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := Profile{ID: ProfileID("a@b.c", "http://x"), Email: "a@b.c", APIURL: "http://x"}
	if err := s.CreateProfile(ctx, p, "old"); err != nil {
		t.Fatalf("create profile: %v", err)
	}

	if err := s.UpdatePassword(ctx, p.ID, "new"); err != nil {
		t.Fatalf("update password: %v", err)
	}

	creds, err := s.GetCredentials(ctx, p.ID)
	if err != nil {
		t.Fatalf("get credentials: %v", err)
	}
	if creds.Password != "new" {
		t.Fatalf("password = %q, want %q", creds.Password, "new")
	}

	// A password rotation counts as use.
	got, err := s.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got.LastUsedAt == "" {
		t.Fatal("password update did not stamp last_used_at")
	}

	if err := s.UpdatePassword(ctx, "missing", "x"); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError for missing profile, got %v", err)
	}
}

// The credentials table holds only the encrypted password. Session tokens
// live in daemon memory and must never reach the database.
func TestCredentialsTableHoldsOnlyPassword(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows, err := s.DB().QueryContext(ctx, `SELECT name FROM pragma_table_info('credentials')`)
	if err != nil {
		t.Fatalf("table info: %v", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan column name: %v", err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate columns: %v", err)
	}

	for _, name := range columns {
		if strings.Contains(name, "token") {
			t.Fatalf("credentials table carries a token column: %v", columns)
		}
	}
}

func TestSetActiveProfileSingleActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := Profile{ID: ProfileID("a@b.c", "http://x"), Email: "a@b.c", APIURL: "http://x"}
	second := Profile{ID: ProfileID("d@e.f", "http://x"), Email: "d@e.f", APIURL: "http://x"}
	for _, p := range []Profile{first, second} {
		if err := s.CreateProfile(ctx, p, "pw"); err != nil {
			t.Fatalf("create %s: %v", p.Email, err)
		}
	}

	if err := s.SetActiveProfile(ctx, first.ID); err != nil {
		t.Fatalf("activate first: %v", err)
	}
	if err := s.SetActiveProfile(ctx, second.ID); err != nil {
		t.Fatalf("activate second: %v", err)
	}

	profiles, err := s.Profiles(ctx)
	if err != nil {
		t.Fatalf("list profiles: %v", err)
	}
	var activeCount int
	for _, p := range profiles {
		if p.IsActive {
			activeCount++
			if p.ID != second.ID {
				t.Fatalf("wrong profile active: %s", p.ID)
			}
			if p.LastUsedAt == "" {
				t.Fatal("active profile missing last_used_at")
			}
		}
	}
	if activeCount != 1 {
		t.Fatalf("active count = %d, want 1", activeCount)
	}

	active, err := s.ActiveProfile(ctx)
	if err != nil {
		t.Fatalf("active profile: %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("ActiveProfile = %s, want %s", active.ID, second.ID)
	}

	if err := s.SetActiveProfile(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestClearActiveProfile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := Profile{ID: ProfileID("a@b.c", "http://x"), Email: "a@b.c", APIURL: "http://x"}
	if err := s.CreateProfile(ctx, p, "pw"); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	if err := s.SetActiveProfile(ctx, p.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := s.ClearActiveProfile(ctx); err != nil {
		t.Fatalf("clear active: %v", err)
	}

	if _, err := s.ActiveProfile(ctx); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError after clear, got %v", err)
	}

	// Clearing when nothing is active is a no-op.
	if err := s.ClearActiveProfile(ctx); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestDeleteProfileCascadesCredentials(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := Profile{ID: ProfileID("a@b.c", "http://x"), Email: "a@b.c", APIURL: "http://x"}
	if err := s.CreateProfile(ctx, p, "pw"); err != nil {
		t.Fatalf("create profile: %v", err)
	}

	if err := s.DeleteProfile(ctx, p.ID); err != nil {
		t.Fatalf("delete profile: %v", err)
	}

	if _, err := s.GetProfile(ctx, p.ID); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError for deleted profile, got %v", err)
	}

	var count int
	if err := s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credentials WHERE profile_id = ?`, p.ID).Scan(&count); err != nil {
		t.Fatalf("count credentials: %v", err)
	}
	if count != 0 {
		t.Fatalf("credentials row survived profile deletion")
	}

	if err := s.DeleteProfile(ctx, p.ID); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError for second delete, got %v", err)
	}
}

func TestUpdateProfileMergesFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := Profile{ID: ProfileID("a@b.c", "http://x"), Email: "a@b.c", APIURL: "http://x", DisplayName: "Old"}
	if err := s.CreateProfile(ctx, p, "pw"); err != nil {
		t.Fatalf("create profile: %v", err)
	}

	email := "new@b.c"
	apiURL := "http://y"
	name := "New"
	if err := s.UpdateProfile(ctx, p.ID, ProfileUpdate{
		Email:       &email,
		APIURL:      &apiURL,
		DisplayName: &name,
	}); err != nil {
		t.Fatalf("update profile: %v", err)
	}

	got, err := s.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	// The ID stays what it was derived from at creation time.
	if got.ID != p.ID {
		t.Fatalf("profile ID changed: %s -> %s", p.ID, got.ID)
	}
	if got.Email != email || got.APIURL != apiURL || got.DisplayName != name {
		t.Fatalf("merged profile = %+v", got)
	}
	if got.LastUsedAt == "" {
		t.Fatal("update did not stamp last_used_at")
	}

	// Omitted fields are untouched.
	other := "renamed"
	if err := s.UpdateProfile(ctx, p.ID, ProfileUpdate{DisplayName: &other}); err != nil {
		t.Fatalf("partial update: %v", err)
	}
	got, err = s.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatalf("get profile after partial update: %v", err)
	}
	if got.Email != email || got.APIURL != apiURL {
		t.Fatalf("partial update clobbered fields: %+v", got)
	}

	if err := s.UpdateProfile(ctx, "missing", ProfileUpdate{DisplayName: &other}); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError for missing profile, got %v", err)
	}
}

func TestCredentialsSurviveReopen(t *testing.T) {
	dbPath := openTestStore(t).Path()
	// openTestStore registered a Close; open a fresh handle against the same DB.
	s, err := Open(Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	p := Profile{ID: ProfileID("a@b.c", "http://x"), Email: "a@b.c", APIURL: "http://x"}
	if err := s.CreateProfile(ctx, p, "persisted"); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("second reopen: %v", err)
	}
	defer s2.Close()

	creds, err := s2.GetCredentials(ctx, p.ID)
	if err != nil {
		t.Fatalf("get credentials after reopen: %v", err)
	}
	if creds.Password != "persisted" {
		t.Fatalf("password = %q, want %q", creds.Password, "persisted")
	}
}
