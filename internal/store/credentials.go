// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"fmt"
	"time"
)

// Credential is a locally known broker credential. A row may only exist after
// the matching broker-side client was created; the provisioner enforces that
// ordering, the store just holds the rows.
type Credential struct {
	Username    string
	Tenant      string
	Password    string
	DisplayName string
	RoleName    string
	CreatedAt   time.Time
}

// InsertCredential persists a credential.
func (s *Store) InsertCredential(ctx context.Context, cred Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broker_credentials (username, tenant, password, display_name, role_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cred.Username, cred.Tenant, cred.Password, cred.DisplayName, cred.RoleName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: failed to insert credential: %w", err)
	}
	return nil
}

// UpdateCredentialDisplayName renames a credential.
func (s *Store) UpdateCredentialDisplayName(ctx context.Context, username, displayName string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE broker_credentials SET display_name = ? WHERE username = ?`,
		displayName, username)
	if err != nil {
		return fmt.Errorf("store: failed to update credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to update credential: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCredential removes a credential by username.
func (s *Store) DeleteCredential(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM broker_credentials WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("store: failed to delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to delete credential: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCredential returns a credential by username, or ErrNotFound.
func (s *Store) GetCredential(ctx context.Context, username string) (Credential, error) {
	rows, err := s.queryCredentials(ctx, `WHERE username = ?`, username)
	if err != nil {
		return Credential{}, err
	}
	if len(rows) == 0 {
		return Credential{}, ErrNotFound
	}
	return rows[0], nil
}

// ListCredentials returns all credentials belonging to tenant, oldest first.
func (s *Store) ListCredentials(ctx context.Context, tenant string) ([]Credential, error) {
	return s.queryCredentials(ctx, `WHERE tenant = ? ORDER BY created_at`, tenant)
}

// GetCredentialByRole returns the oldest credential of tenant bound to
// roleName, or ErrNotFound. The sandbox's own broker identity is the oldest
// credential on the sender role.
func (s *Store) GetCredentialByRole(ctx context.Context, tenant, roleName string) (Credential, error) {
	rows, err := s.queryCredentials(ctx, `WHERE tenant = ? AND role_name = ? ORDER BY created_at LIMIT 1`, tenant, roleName)
	if err != nil {
		return Credential{}, err
	}
	if len(rows) == 0 {
		return Credential{}, ErrNotFound
	}
	return rows[0], nil
}

func (s *Store) queryCredentials(ctx context.Context, where string, args ...any) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, tenant, password, display_name, role_name, created_at
		FROM broker_credentials `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.Username, &c.Tenant, &c.Password, &c.DisplayName, &c.RoleName, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to read credentials: %w", err)
	}
	return creds, nil
}
