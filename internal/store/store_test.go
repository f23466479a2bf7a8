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
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateSandbox(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, created, err := s.GetOrCreateSandbox(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, strings.HasPrefix(rec.ContainerName, "nodered-"))
	assert.NotEmpty(t, rec.SandboxSecret)
	assert.Nil(t, rec.ContainerPort)
	assert.False(t, rec.IsConfigured)

	again, created, err := s.GetOrCreateSandbox(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rec.ContainerName, again.ContainerName)
	assert.Equal(t, rec.SandboxSecret, again.SandboxSecret)
}

func TestGetOrCreateSandbox_Concurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const workers = 8
	names := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, _, err := s.GetOrCreateSandbox(ctx, "bob")
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			names[i] = rec.ContainerName
		}(i)
	}
	wg.Wait()

	// Every caller must observe the single winning record.
	for i := 1; i < workers; i++ {
		assert.Equal(t, names[0], names[i])
	}
}

func TestUpdateSandboxPort(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOrCreateSandbox(ctx, "alice")
	require.NoError(t, err)

	port := 32771
	require.NoError(t, s.UpdateSandboxPort(ctx, "alice", &port))
	rec, err := s.GetSandbox(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, rec.ContainerPort)
	assert.Equal(t, 32771, *rec.ContainerPort)

	require.NoError(t, s.UpdateSandboxPort(ctx, "alice", nil))
	rec, err = s.GetSandbox(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, rec.ContainerPort)

	assert.ErrorIs(t, s.UpdateSandboxPort(ctx, "nobody", &port), ErrNotFound)
}

func TestSetConfigured(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOrCreateSandbox(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, s.SetConfigured(ctx, "alice", true))
	rec, err := s.GetSandbox(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, rec.IsConfigured)

	assert.ErrorIs(t, s.SetConfigured(ctx, "nobody", true), ErrNotFound)
}

func TestResetSandbox(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, _, err := s.GetOrCreateSandbox(ctx, "alice")
	require.NoError(t, err)
	port := 7001
	require.NoError(t, s.UpdateSandboxPort(ctx, "alice", &port))
	require.NoError(t, s.SetConfigured(ctx, "alice", true))

	fresh, err := s.ResetSandbox(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, rec.ContainerName, fresh.ContainerName)
	assert.NotEqual(t, rec.SandboxSecret, fresh.SandboxSecret)
	assert.Nil(t, fresh.ContainerPort)
	assert.False(t, fresh.IsConfigured)

	_, err = s.ResetSandbox(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSandbox(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOrCreateSandbox(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, s.DeleteSandbox(ctx, "alice"))

	_, err = s.GetSandbox(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	require.NoError(t, s.DeleteSandbox(ctx, "alice"))
}

func TestGetOrCreateTopicIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ident, created, err := s.GetOrCreateTopicIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, ident.TopicID)
	assert.Equal(t, "sender-"+ident.TopicID, ident.SenderRole)
	assert.Equal(t, "receiver-"+ident.TopicID, ident.ReceiverRole)

	again, created, err := s.GetOrCreateTopicIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ident.TopicID, again.TopicID)
}

func TestTopicIdentity_UniqueAcrossTenants(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seen := make(map[string]string)
	for i := 0; i < 50; i++ {
		tenant := "tenant-" + time.Now().Format("150405.000000000") + "-" + shortID()
		ident, _, err := s.GetOrCreateTopicIdentity(ctx, tenant)
		require.NoError(t, err)
		if prev, ok := seen[ident.TopicID]; ok {
			t.Fatalf("topic id %s generated for both %s and %s", ident.TopicID, prev, tenant)
		}
		seen[ident.TopicID] = tenant
	}
}

func TestDeleteTopicIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOrCreateTopicIdentity(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, s.DeleteTopicIdentity(ctx, "alice"))

	_, err = s.GetTopicIdentity(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteTopicIdentity(ctx, "alice"))
}

func TestCredentials(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cred := Credential{
		Username:    "client-abc123",
		Tenant:      "alice",
		Password:    "pw",
		DisplayName: "Kitchen Sensor",
		RoleName:    "receiver-deadbeef",
	}
	require.NoError(t, s.InsertCredential(ctx, cred))

	got, err := s.GetCredential(ctx, "client-abc123")
	require.NoError(t, err)
	assert.Equal(t, "Kitchen Sensor", got.DisplayName)

	require.NoError(t, s.UpdateCredentialDisplayName(ctx, "client-abc123", "Bedroom Sensor"))
	got, err = s.GetCredential(ctx, "client-abc123")
	require.NoError(t, err)
	assert.Equal(t, "Bedroom Sensor", got.DisplayName)

	list, err := s.ListCredentials(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteCredential(ctx, "client-abc123"))
	assert.ErrorIs(t, s.DeleteCredential(ctx, "client-abc123"), ErrNotFound)
	assert.ErrorIs(t, s.UpdateCredentialDisplayName(ctx, "client-abc123", "x"), ErrNotFound)
}

func TestGetCredentialByRole(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCredential(ctx, Credential{
		Username: "client-one", Tenant: "alice", Password: "a",
		DisplayName: "Sandbox", RoleName: "sender-1234",
	}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.InsertCredential(ctx, Credential{
		Username: "client-two", Tenant: "alice", Password: "b",
		DisplayName: "Later", RoleName: "sender-1234",
	}))

	got, err := s.GetCredentialByRole(ctx, "alice", "sender-1234")
	require.NoError(t, err)
	assert.Equal(t, "client-one", got.Username)

	_, err = s.GetCredentialByRole(ctx, "alice", "receiver-1234")
	assert.ErrorIs(t, err, ErrNotFound)
}
