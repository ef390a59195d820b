package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	storecrypto "github.com/contextforge/forgehost/internal/config/store/crypto"
)

// Metadata carries optional descriptive attributes of a profile.
type Metadata struct {
	Description string `json:"description,omitempty"`
	Environment string `json:"environment,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Color       string `json:"color,omitempty"`
}

// Profile describes a stored backend account.
type Profile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	APIURL      string    `json:"apiUrl"`
	DisplayName string    `json:"displayName"`
	IsInternal  bool      `json:"isInternal"`
	IsActive    bool      `json:"isActive"`
	Metadata    *Metadata `json:"metadata,omitempty"`
	CreatedAt   string    `json:"createdAt"`
	UpdatedAt   string    `json:"updatedAt"`
	LastUsedAt  string    `json:"lastUsedAt,omitempty"`
}

// Credentials holds the decrypted secrets for a profile. The session token
// is never part of them: it lives only in memory for the lifetime of the
// daemon.
type Credentials struct {
	ProfileID string
	Password  string
}

// ProfileID derives the deterministic identifier for an email/API URL pair.
// The same account on the same backend always maps to the same profile.
func ProfileID(email, apiURL string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email)) + ":" + strings.TrimSpace(apiURL)))
	return hex.EncodeToString(sum[:])[:16]
}

const profileColumns = `id, email, api_url, display_name, is_internal, is_active, COALESCE(metadata, ''), created_at, updated_at, COALESCE(last_used_at, '')`

func scanProfile(scanner interface{ Scan(...any) error }) (Profile, error) {
	var (
		p          Profile
		isInternal int
		isActive   int
		metadata   string
	)
	err := scanner.Scan(&p.ID, &p.Email, &p.APIURL, &p.DisplayName, &isInternal, &isActive, &metadata, &p.CreatedAt, &p.UpdatedAt, &p.LastUsedAt)
	if err != nil {
		return Profile{}, err
	}
	p.IsInternal = isInternal == 1
	p.IsActive = isActive == 1
	if metadata != "" {
		var md Metadata
		if err := json.Unmarshal([]byte(metadata), &md); err != nil {
			return Profile{}, fmt.Errorf("store: decode metadata for %s: %w", p.ID, err)
		}
		p.Metadata = &md
	}
	return p, nil
}

func marshalMetadata(md *Metadata) (any, error) {
	if md == nil {
		return nil, nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// CreateProfile inserts a new profile together with its encrypted password.
// The profile ID must already be derived via ProfileID. Returns
// AlreadyExistsError when a profile with the same ID exists.
func (s *Store) CreateProfile(ctx context.Context, p Profile, password string) error {
	if s.readOnly {
		return fmt.Errorf("store: create profile: store opened read-only")
	}

	encPassword, err := s.encrypt(password)
	if err != nil {
		return fmt.Errorf("store: encrypt password for profile %s: %w", p.ID, err)
	}

	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return fmt.Errorf("store: encode metadata for profile %s: %w", p.ID, err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM profiles WHERE id = ?)
		`, p.ID).Scan(&exists); err != nil {
			return fmt.Errorf("store: check profile %s: %w", p.ID, err)
		}
		if exists {
			return AlreadyExistsError{Entity: "profile", Key: p.ID}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO profiles (id, email, api_url, display_name, is_internal, metadata)
			VALUES (?, ?, ?, ?, ?, ?)
		`, p.ID, p.Email, p.APIURL, p.DisplayName, boolToInt(p.IsInternal), metadata); err != nil {
			return fmt.Errorf("store: insert profile %s: %w", p.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credentials (profile_id, password)
			VALUES (?, ?)
		`, p.ID, encPassword); err != nil {
			return fmt.Errorf("store: insert credentials for %s: %w", p.ID, err)
		}

		return nil
	})
}

// Profiles returns all stored profiles ordered by creation time.
func (s *Store) Profiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+profileColumns+`
        FROM profiles
        ORDER BY created_at, id
    `)
	if err != nil {
		return nil, fmt.Errorf("store: list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate profiles: %w", err)
	}

	return profiles, nil
}

// GetProfile returns a single profile by ID.
func (s *Store) GetProfile(ctx context.Context, id string) (Profile, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+profileColumns+`
        FROM profiles
        WHERE id = ?
    `, id)

	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return Profile{}, NotFoundError{Entity: "profile", Key: id}
	}
	if err != nil {
		return Profile{}, fmt.Errorf("store: get profile %s: %w", id, err)
	}
	return p, nil
}

// GetCredentials returns the decrypted password for a profile.
func (s *Store) GetCredentials(ctx context.Context, id string) (Credentials, error) {
	var encPassword string
	err := s.db.QueryRowContext(ctx, `
        SELECT password FROM credentials WHERE profile_id = ?
    `, id).Scan(&encPassword)
	if err == sql.ErrNoRows {
		return Credentials{}, NotFoundError{Entity: "credentials", Key: id}
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("store: get credentials for %s: %w", id, err)
	}

	password, err := s.decrypt(encPassword)
	if err != nil {
		return Credentials{}, fmt.Errorf("store: decrypt password for %s: %w", id, err)
	}

	return Credentials{ProfileID: id, Password: password}, nil
}

// UpdatePassword replaces the stored password for a profile.
func (s *Store) UpdatePassword(ctx context.Context, id, password string) error {
	if s.readOnly {
		return fmt.Errorf("store: update password: store opened read-only")
	}

	encPassword, err := s.encrypt(password)
	if err != nil {
		return fmt.Errorf("store: encrypt password for %s: %w", id, err)
	}

	res, err := s.db.ExecContext(ctx, `
        UPDATE credentials
        SET password = ?, updated_at = CURRENT_TIMESTAMP
        WHERE profile_id = ?
    `, encPassword, id)
	if err != nil {
		return fmt.Errorf("store: update password for %s: %w", id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return NotFoundError{Entity: "credentials", Key: id}
	}

	if err := s.touchProfile(ctx, id); err != nil {
		return err
	}
	return nil
}

// ProfileUpdate describes a partial profile update. Nil fields are left
// untouched.
type ProfileUpdate struct {
	Email       *string
	APIURL      *string
	DisplayName *string
	Metadata    *Metadata
}

// UpdateProfile merges the given fields into a profile row and stamps both
// updated_at and last_used_at. The profile ID is derived from the original
// email/URL pair and deliberately stays stable even when email or API URL
// change.
func (s *Store) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) error {
	if s.readOnly {
		return fmt.Errorf("store: update profile: store opened read-only")
	}

	sets := []string{"updated_at = CURRENT_TIMESTAMP", "last_used_at = CURRENT_TIMESTAMP"}
	var args []any
	if upd.Email != nil {
		sets = append(sets, "email = ?")
		args = append(args, *upd.Email)
	}
	if upd.APIURL != nil {
		sets = append(sets, "api_url = ?")
		args = append(args, *upd.APIURL)
	}
	if upd.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, *upd.DisplayName)
	}
	if upd.Metadata != nil {
		metadata, err := marshalMetadata(upd.Metadata)
		if err != nil {
			return fmt.Errorf("store: encode metadata for profile %s: %w", id, err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `
        UPDATE profiles SET `+strings.Join(sets, ", ")+` WHERE id = ?
    `, args...)
	if err != nil {
		return fmt.Errorf("store: update profile %s: %w", id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return NotFoundError{Entity: "profile", Key: id}
	}
	return nil
}

// DeleteProfile removes a profile; its credentials row cascades.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	if s.readOnly {
		return fmt.Errorf("store: delete profile: store opened read-only")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete profile %s: %w", id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return NotFoundError{Entity: "profile", Key: id}
	}
	return nil
}

// SetActiveProfile marks the given profile active and clears the flag on all
// others, preserving the single-active invariant. Also bumps last_used_at.
func (s *Store) SetActiveProfile(ctx context.Context, id string) error {
	if s.readOnly {
		return fmt.Errorf("store: set active profile: store opened read-only")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM profiles WHERE id = ?)
		`, id).Scan(&exists); err != nil {
			return fmt.Errorf("store: check profile %s: %w", id, err)
		}
		if !exists {
			return NotFoundError{Entity: "profile", Key: id}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE profiles
			SET is_active = 0, updated_at = CURRENT_TIMESTAMP
			WHERE is_active = 1
		`); err != nil {
			return fmt.Errorf("store: clear active profile: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE profiles
			SET is_active = 1,
			    last_used_at = CURRENT_TIMESTAMP,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, id); err != nil {
			return fmt.Errorf("store: activate profile %s: %w", id, err)
		}

		return nil
	})
}

// ClearActiveProfile removes the active flag from every profile.
func (s *Store) ClearActiveProfile(ctx context.Context) error {
	if s.readOnly {
		return fmt.Errorf("store: clear active profile: store opened read-only")
	}

	if _, err := s.db.ExecContext(ctx, `
        UPDATE profiles
        SET is_active = 0, updated_at = CURRENT_TIMESTAMP
        WHERE is_active = 1
    `); err != nil {
		return fmt.Errorf("store: clear active profile: %w", err)
	}
	return nil
}

// ActiveProfile returns the currently active profile, or NotFoundError when
// no profile is active.
func (s *Store) ActiveProfile(ctx context.Context) (Profile, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+profileColumns+`
        FROM profiles
        WHERE is_active = 1
    `)

	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return Profile{}, NotFoundError{Entity: "active profile"}
	}
	if err != nil {
		return Profile{}, fmt.Errorf("store: get active profile: %w", err)
	}
	return p, nil
}

// touchProfile marks a profile as just used. Every update counts as use.
func (s *Store) touchProfile(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `
        UPDATE profiles
        SET updated_at = CURRENT_TIMESTAMP, last_used_at = CURRENT_TIMESTAMP
        WHERE id = ?
    `, id); err != nil {
		return fmt.Errorf("store: touch profile %s: %w", id, err)
	}
	return nil
}

func (s *Store) encrypt(value string) (string, error) {
	if s.encryptionKey == nil {
		return "", fmt.Errorf("store: no encryption key available")
	}
	return storecrypto.EncryptValue(s.encryptionKey, value)
}

func (s *Store) decrypt(stored string) (string, error) {
	if s.encryptionKey == nil {
		return "", fmt.Errorf("store: no decryption key available")
	}
	return storecrypto.DecryptValue(s.encryptionKey, stored)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
