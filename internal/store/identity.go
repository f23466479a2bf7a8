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
)

// TopicIdentity is the per-tenant broker namespace: a unique topic id and the
// two role names derived from it. The broker has a single flat role
// namespace, so the role names carry the same uniqueness constraint as the
// topic id itself.
type TopicIdentity struct {
	Tenant       string
	TopicID      string
	SenderRole   string
	ReceiverRole string
}

// GetOrCreateTopicIdentity returns the topic identity for tenant, generating
// one if absent. Topic id collisions with other tenants are retried under the
// unique constraint a bounded number of times. The second return value
// reports whether a new identity was created.
func (s *Store) GetOrCreateTopicIdentity(ctx context.Context, tenant string) (TopicIdentity, bool, error) {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		id := shortID()

		res, err := s.db.ExecContext(ctx, `
			INSERT INTO topic_identities (tenant, topic_id, sender_role, receiver_role)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(tenant) DO NOTHING`,
			tenant, id, "sender-"+id, "receiver-"+id)
		if err != nil {
			// Generated topic id (or a derived role name) collided.
			if isUniqueViolation(err) {
				continue
			}
			return TopicIdentity{}, false, fmt.Errorf("store: failed to create topic identity: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return TopicIdentity{}, false, fmt.Errorf("store: failed to create topic identity: %w", err)
		}

		ident, err := s.GetTopicIdentity(ctx, tenant)
		if err != nil {
			return TopicIdentity{}, false, err
		}
		return ident, n == 1, nil
	}
	return TopicIdentity{}, false, fmt.Errorf("%w: topic id generation exhausted retries", ErrConflict)
}

// GetTopicIdentity returns the topic identity for tenant, or ErrNotFound.
func (s *Store) GetTopicIdentity(ctx context.Context, tenant string) (TopicIdentity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant, topic_id, sender_role, receiver_role
		FROM topic_identities WHERE tenant = ?`, tenant)

	var ident TopicIdentity
	err := row.Scan(&ident.Tenant, &ident.TopicID, &ident.SenderRole, &ident.ReceiverRole)
	if errors.Is(err, sql.ErrNoRows) {
		return TopicIdentity{}, ErrNotFound
	}
	if err != nil {
		return TopicIdentity{}, fmt.Errorf("store: failed to read topic identity: %w", err)
	}
	return ident, nil
}

// DeleteTopicIdentity removes the topic identity for tenant. Deleting a
// missing identity is a no-op: a stuck local row must never block
// re-provisioning.
func (s *Store) DeleteTopicIdentity(ctx context.Context, tenant string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM topic_identities WHERE tenant = ?`, tenant); err != nil {
		return fmt.Errorf("store: failed to delete topic identity: %w", err)
	}
	return nil
}
