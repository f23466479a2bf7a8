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

// Package broker provisions per-tenant access control in the message
// broker's dynamic-security store: topic-scoped roles and the credentials
// bound to them.
//
// Two write disciplines apply. Credentials follow "remote success gates local
// write": a locally known credential must never lack its broker-side client.
// Role and identity deletion follows "local cleanup regardless of remote
// outcome": an orphaned broker role grants nothing once its credentials are
// gone, whereas a stuck local row blocks re-provisioning.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/AwakeAndReady/Biomed-IoT/internal/broker/dynsec"
	intlog "github.com/AwakeAndReady/Biomed-IoT/internal/log"
	"github.com/AwakeAndReady/Biomed-IoT/internal/store"
)

// ErrNotProvisioned is returned when an operation needs a tenant's topic
// identity and none exists yet.
var ErrNotProvisioned = errors.New("broker: tenant topic identity not provisioned")

// RoleKind selects which of a tenant's two roles a credential binds to.
type RoleKind string

const (
	// RoleSender is the sandbox side: it subscribes to the tenant's inbound
	// topics and publishes to the outbound ones.
	RoleSender RoleKind = "sender"
	// RoleReceiver is the device side, with topic directions inverted.
	RoleReceiver RoleKind = "receiver"
)

// DynSec is the subset of the dynamic-security client the provisioner uses.
type DynSec interface {
	CreateRole(ctx context.Context, name string, acls []dynsec.ACL) error
	DeleteRole(ctx context.Context, name string) error
	CreateClient(ctx context.Context, username, password, textname, rolename string) error
	ModifyClient(ctx context.Context, username, textname string) error
	DeleteClient(ctx context.Context, username string) error
}

// Records is the persistence the provisioner needs from the store.
type Records interface {
	GetOrCreateTopicIdentity(ctx context.Context, tenant string) (store.TopicIdentity, bool, error)
	GetTopicIdentity(ctx context.Context, tenant string) (store.TopicIdentity, error)
	DeleteTopicIdentity(ctx context.Context, tenant string) error
	InsertCredential(ctx context.Context, cred store.Credential) error
	UpdateCredentialDisplayName(ctx context.Context, username, displayName string) error
	DeleteCredential(ctx context.Context, username string) error
	GetCredential(ctx context.Context, username string) (store.Credential, error)
	ListCredentials(ctx context.Context, tenant string) ([]store.Credential, error)
	GetCredentialByRole(ctx context.Context, tenant, roleName string) (store.Credential, error)
}

// Provisioner manages tenant roles and credentials in the broker.
type Provisioner struct {
	records Records
	dynsec  DynSec
	logger  *slog.Logger
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(records Records, ds DynSec, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		records: records,
		dynsec:  ds,
		logger:  intlog.WithComponent(logger, "broker"),
	}
}

// roleACLs builds the ACL list for one of a tenant's roles. The sender role
// subscribes inbound and publishes outbound; the receiver role is the exact
// inversion.
func roleACLs(kind RoleKind, topicID string) []dynsec.ACL {
	in := fmt.Sprintf("in/%s/#", topicID)
	out := fmt.Sprintf("out/%s/#", topicID)

	sub, pub := in, out
	if kind == RoleReceiver {
		sub, pub = out, in
	}
	return []dynsec.ACL{
		{ACLType: dynsec.ACLSubscribePattern, Topic: sub, Priority: -1, Allow: true},
		{ACLType: dynsec.ACLPublishSend, Topic: pub, Priority: -1, Allow: true},
	}
}

// EnsureTenantRoles computes the tenant's topic identity (generating it if
// absent) and creates both broker roles. A role that already exists counts as
// success. A failure on one role does not roll back the other; the returned
// error reports exactly which creations failed.
func (p *Provisioner) EnsureTenantRoles(ctx context.Context, tenant string) (store.TopicIdentity, error) {
	ident, created, err := p.records.GetOrCreateTopicIdentity(ctx, tenant)
	if err != nil {
		return store.TopicIdentity{}, err
	}
	if created {
		p.logger.Info("generated topic identity",
			slog.String(intlog.TenantKey, tenant),
			slog.String("topic_id", ident.TopicID))
	}

	var errs []error
	for _, role := range []struct {
		kind RoleKind
		name string
	}{
		{RoleSender, ident.SenderRole},
		{RoleReceiver, ident.ReceiverRole},
	} {
		err := p.dynsec.CreateRole(ctx, role.name, roleACLs(role.kind, ident.TopicID))
		if err != nil && !dynsec.IsAlreadyExists(err) {
			errs = append(errs, fmt.Errorf("create %s role %s: %w", role.kind, role.name, err))
		}
	}

	if len(errs) > 0 {
		return ident, errors.Join(errs...)
	}
	return ident, nil
}

// DeleteTenantRoles removes both broker roles and the local topic identity.
// Broker-side deletion is best-effort; the local row is removed regardless so
// a transient broker failure can never block re-provisioning. Remote failures
// are still reported to the caller.
func (p *Provisioner) DeleteTenantRoles(ctx context.Context, tenant string) error {
	ident, err := p.records.GetTopicIdentity(ctx, tenant)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var errs []error
	for _, name := range []string{ident.SenderRole, ident.ReceiverRole} {
		if err := p.dynsec.DeleteRole(ctx, name); err != nil && !dynsec.IsNotFound(err) {
			p.logger.Warn("failed to delete broker role, leaving orphan",
				slog.String(intlog.TenantKey, tenant),
				slog.String("role", name),
				intlog.Error(err))
			errs = append(errs, fmt.Errorf("delete role %s: %w", name, err))
		}
	}

	if err := p.records.DeleteTopicIdentity(ctx, tenant); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IssueCredential generates a fresh username/password pair, creates the
// broker client bound to the resolved role, and persists the credential
// locally only after the broker reports success.
func (p *Provisioner) IssueCredential(ctx context.Context, tenant string, kind RoleKind, displayName string) (store.Credential, error) {
	ident, err := p.records.GetTopicIdentity(ctx, tenant)
	if errors.Is(err, store.ErrNotFound) {
		return store.Credential{}, ErrNotProvisioned
	}
	if err != nil {
		return store.Credential{}, err
	}

	roleName := ident.SenderRole
	if kind == RoleReceiver {
		roleName = ident.ReceiverRole
	}

	cred := store.Credential{
		Username:    newUsername(),
		Tenant:      tenant,
		Password:    newPassword(),
		DisplayName: displayName,
		RoleName:    roleName,
	}

	if err := p.dynsec.CreateClient(ctx, cred.Username, cred.Password, displayName, roleName); err != nil {
		return store.Credential{}, fmt.Errorf("create broker client: %w", err)
	}

	if err := p.records.InsertCredential(ctx, cred); err != nil {
		// Broker has the client but we failed to record it. Orphaned broker
		// clients are the tolerable direction; undo what we can and report.
		if delErr := p.dynsec.DeleteClient(ctx, cred.Username); delErr != nil {
			p.logger.Warn("failed to roll back broker client after local write failure",
				slog.String("username", cred.Username),
				intlog.Error(delErr))
		}
		return store.Credential{}, err
	}

	p.logger.Info("issued broker credential",
		slog.String(intlog.TenantKey, tenant),
		slog.String("username", cred.Username),
		slog.String("role", roleName))
	return cred, nil
}

// ReviseCredential updates a credential's display name, broker first.
func (p *Provisioner) ReviseCredential(ctx context.Context, username, displayName string) error {
	if _, err := p.records.GetCredential(ctx, username); err != nil {
		return err
	}
	if err := p.dynsec.ModifyClient(ctx, username, displayName); err != nil {
		return fmt.Errorf("modify broker client: %w", err)
	}
	return p.records.UpdateCredentialDisplayName(ctx, username, displayName)
}

// RetireCredential deletes a credential, broker first. A client already gone
// from the broker counts as deleted.
func (p *Provisioner) RetireCredential(ctx context.Context, username string) error {
	if _, err := p.records.GetCredential(ctx, username); err != nil {
		return err
	}
	if err := p.dynsec.DeleteClient(ctx, username); err != nil && !dynsec.IsNotFound(err) {
		return fmt.Errorf("delete broker client: %w", err)
	}
	return p.records.DeleteCredential(ctx, username)
}

// SandboxCredential returns the tenant's reserved sandbox broker identity:
// the oldest credential on the sender role.
func (p *Provisioner) SandboxCredential(ctx context.Context, tenant string) (store.Credential, error) {
	ident, err := p.records.GetTopicIdentity(ctx, tenant)
	if errors.Is(err, store.ErrNotFound) {
		return store.Credential{}, ErrNotProvisioned
	}
	if err != nil {
		return store.Credential{}, err
	}
	return p.records.GetCredentialByRole(ctx, tenant, ident.SenderRole)
}

// RemoveTenantCredentials retires every credential of tenant. Broker-side
// deletion is best-effort (the roles are going away too); local rows are
// always removed.
func (p *Provisioner) RemoveTenantCredentials(ctx context.Context, tenant string) error {
	creds, err := p.records.ListCredentials(ctx, tenant)
	if err != nil {
		return err
	}

	var errs []error
	for _, cred := range creds {
		if err := p.dynsec.DeleteClient(ctx, cred.Username); err != nil && !dynsec.IsNotFound(err) {
			p.logger.Warn("failed to delete broker client, leaving orphan",
				slog.String(intlog.TenantKey, tenant),
				slog.String("username", cred.Username),
				intlog.Error(err))
			errs = append(errs, fmt.Errorf("delete broker client %s: %w", cred.Username, err))
		}
		if err := p.records.DeleteCredential(ctx, cred.Username); err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newUsername returns a generated broker client username.
func newUsername() string {
	return "client-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// newPassword returns a generated broker client password. It is handed to
// the broker and stored locally for sandbox environment injection; it is not
// required to be memorable or recoverable by the tenant.
func newPassword() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("broker: crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
