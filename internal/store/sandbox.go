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
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SandboxRecord is the persisted description of a tenant's sandbox.
// ContainerName and SandboxSecret are generated once per record; ContainerPort
// is nil whenever no live published port exists.
type SandboxRecord struct {
	Tenant        string
	ContainerName string
	ContainerPort *int
	SandboxSecret string
	IsConfigured  bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// GetOrCreateSandbox returns the sandbox record for tenant, creating it with
// a fresh container name and secret if none exists. Concurrent first calls
// are safe: the tenant primary key turns the race into a read-back of the
// winner's row. The second return value reports whether a new row was created.
func (s *Store) GetOrCreateSandbox(ctx context.Context, tenant string) (SandboxRecord, bool, error) {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		name := "nodered-" + shortID()
		now := time.Now().UTC()

		res, err := s.db.ExecContext(ctx, `
			INSERT INTO sandboxes (tenant, container_name, sandbox_secret, is_configured, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?)
			ON CONFLICT(tenant) DO NOTHING`,
			tenant, name, newSecret(), now, now)
		if err != nil {
			// A generated container name collided with another tenant's row.
			if isUniqueViolation(err) {
				continue
			}
			return SandboxRecord{}, false, fmt.Errorf("store: failed to create sandbox record: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return SandboxRecord{}, false, fmt.Errorf("store: failed to create sandbox record: %w", err)
		}

		rec, err := s.GetSandbox(ctx, tenant)
		if err != nil {
			return SandboxRecord{}, false, err
		}
		return rec, n == 1, nil
	}
	return SandboxRecord{}, false, fmt.Errorf("%w: container name generation exhausted retries", ErrConflict)
}

// GetSandbox returns the sandbox record for tenant, or ErrNotFound.
func (s *Store) GetSandbox(ctx context.Context, tenant string) (SandboxRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant, container_name, container_port, sandbox_secret, is_configured, created_at, updated_at
		FROM sandboxes WHERE tenant = ?`, tenant)

	var rec SandboxRecord
	var port sql.NullInt64
	var configured int
	err := row.Scan(&rec.Tenant, &rec.ContainerName, &port, &rec.SandboxSecret, &configured, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SandboxRecord{}, ErrNotFound
	}
	if err != nil {
		return SandboxRecord{}, fmt.Errorf("store: failed to read sandbox record: %w", err)
	}
	if port.Valid {
		p := int(port.Int64)
		rec.ContainerPort = &p
	}
	rec.IsConfigured = configured != 0
	return rec, nil
}

// ResetSandbox rotates the container name and secret of an existing record
// and clears its port and configured flag. Used when a record survives its
// container, so the next create starts from a clean identity.
func (s *Store) ResetSandbox(ctx context.Context, tenant string) (SandboxRecord, error) {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		name := "nodered-" + shortID()

		res, err := s.db.ExecContext(ctx, `
			UPDATE sandboxes
			SET container_name = ?, sandbox_secret = ?, container_port = NULL, is_configured = 0, updated_at = ?
			WHERE tenant = ?`,
			name, newSecret(), time.Now().UTC(), tenant)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return SandboxRecord{}, fmt.Errorf("store: failed to reset sandbox record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return SandboxRecord{}, fmt.Errorf("store: failed to reset sandbox record: %w", err)
		}
		if n == 0 {
			return SandboxRecord{}, ErrNotFound
		}
		return s.GetSandbox(ctx, tenant)
	}
	return SandboxRecord{}, fmt.Errorf("%w: container name generation exhausted retries", ErrConflict)
}

// UpdateSandboxPort sets (or clears, when port is nil) the persisted
// published port for tenant.
func (s *Store) UpdateSandboxPort(ctx context.Context, tenant string, port *int) error {
	var val sql.NullInt64
	if port != nil {
		val = sql.NullInt64{Int64: int64(*port), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes SET container_port = ?, updated_at = ? WHERE tenant = ?`,
		val, time.Now().UTC(), tenant)
	if err != nil {
		return fmt.Errorf("store: failed to update sandbox port: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to update sandbox port: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConfigured records whether the flow-configuration bootstrap succeeded.
func (s *Store) SetConfigured(ctx context.Context, tenant string, configured bool) error {
	val := 0
	if configured {
		val = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes SET is_configured = ?, updated_at = ? WHERE tenant = ?`,
		val, time.Now().UTC(), tenant)
	if err != nil {
		return fmt.Errorf("store: failed to update configured flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to update configured flag: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSandbox removes the sandbox record for tenant. Deleting a missing
// record is a no-op.
func (s *Store) DeleteSandbox(ctx context.Context, tenant string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE tenant = ?`, tenant); err != nil {
		return fmt.Errorf("store: failed to delete sandbox record: %w", err)
	}
	return nil
}
