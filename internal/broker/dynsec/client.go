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

// Package dynsec talks to the Mosquitto dynamic-security plugin over the
// broker's $CONTROL topic. Commands are JSON envelopes published to the
// control topic; the plugin answers on the response topic. Responses carry no
// ordering guarantee, so every command is tagged with correlation data and
// matched back to its waiter.
package dynsec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	intlog "github.com/AwakeAndReady/Biomed-IoT/internal/log"
)

const (
	commandTopic  = "$CONTROL/dynamic-security/v1"
	responseTopic = "$CONTROL/dynamic-security/v1/response"

	connectTimeout = 10 * time.Second
)

// ACL types understood by the dynamic-security plugin.
const (
	ACLSubscribePattern = "subscribePattern"
	ACLPublishSend      = "publishClientSend"
)

// ACL is a single access-control entry on a role.
type ACL struct {
	ACLType  string `json:"acltype"`
	Topic    string `json:"topic"`
	Priority int    `json:"priority"`
	Allow    bool   `json:"allow"`
}

// RoleRef binds a client to a role by name.
type RoleRef struct {
	RoleName string `json:"rolename"`
}

// command is one entry of a dynamic-security command envelope.
type command struct {
	Command         string    `json:"command"`
	RoleName        string    `json:"rolename,omitempty"`
	Username        string    `json:"username,omitempty"`
	Password        string    `json:"password,omitempty"`
	TextName        string    `json:"textname,omitempty"`
	ACLs            []ACL     `json:"acls,omitempty"`
	Roles           []RoleRef `json:"roles,omitempty"`
	CorrelationData string    `json:"correlationData,omitempty"`
}

type commandResult struct {
	Command         string `json:"command"`
	Error           string `json:"error,omitempty"`
	CorrelationData string `json:"correlationData,omitempty"`
}

type responseEnvelope struct {
	Responses []commandResult `json:"responses"`
}

// CommandError is a per-command failure reported by the plugin.
type CommandError struct {
	Command string
	Reason  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("dynsec: %s failed: %s", e.Command, e.Reason)
}

// IsAlreadyExists reports whether err is the plugin telling us the entity we
// tried to create is already there.
func IsAlreadyExists(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return strings.Contains(strings.ToLower(cmdErr.Reason), "already exists")
}

// IsNotFound reports whether err is the plugin telling us the entity does not
// exist.
func IsNotFound(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	reason := strings.ToLower(cmdErr.Reason)
	return strings.Contains(reason, "not found") || strings.Contains(reason, "does not exist")
}

// Config holds broker connection settings for the control-topic client.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Client is a connected dynamic-security control client.
type Client struct {
	mqtt   mqtt.Client
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan commandResult
}

// Connect dials the broker and subscribes to the response topic.
func Connect(cfg Config, logger *slog.Logger) (*Client, error) {
	c := &Client{
		logger:  intlog.WithComponent(logger, "dynsec"),
		pending: make(map[string]chan commandResult),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID("sandboxd-dynsec-" + uuid.NewString()[:8]).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false)

	c.mqtt = mqtt.NewClient(opts)
	if err := waitToken(c.mqtt.Connect(), connectTimeout); err != nil {
		return nil, fmt.Errorf("dynsec: failed to connect to broker: %w", err)
	}

	if err := waitToken(c.mqtt.Subscribe(responseTopic, 1, c.onResponse), connectTimeout); err != nil {
		c.mqtt.Disconnect(250)
		return nil, fmt.Errorf("dynsec: failed to subscribe to response topic: %w", err)
	}

	return c, nil
}

// Close unsubscribes from the response topic and disconnects.
func (c *Client) Close() {
	if err := waitToken(c.mqtt.Unsubscribe(responseTopic), time.Second); err != nil {
		c.logger.Warn("failed to unsubscribe from response topic", intlog.Error(err))
	}
	c.mqtt.Disconnect(250)
}

func waitToken(tok mqtt.Token, timeout time.Duration) error {
	if !tok.WaitTimeout(timeout) {
		return context.DeadlineExceeded
	}
	return tok.Error()
}

// onResponse dispatches plugin responses to their waiting callers.
func (c *Client) onResponse(_ mqtt.Client, msg mqtt.Message) {
	results, err := parseResponses(msg.Payload())
	if err != nil {
		c.logger.Warn("discarding malformed dynsec response", intlog.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, res := range results {
		ch, ok := c.pending[res.CorrelationData]
		if !ok {
			// Response for a command we no longer wait on (timed out caller,
			// or another admin client's traffic).
			continue
		}
		ch <- res
		delete(c.pending, res.CorrelationData)
	}
}

func parseResponses(payload []byte) ([]commandResult, error) {
	var env responseEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("dynsec: failed to parse response envelope: %w", err)
	}
	return env.Responses, nil
}

// execute publishes a single command and waits for its correlated response.
func (c *Client) execute(ctx context.Context, cmd command) error {
	corr := uuid.NewString()
	cmd.CorrelationData = corr

	payload, err := json.Marshal(struct {
		Commands []command `json:"commands"`
	}{Commands: []command{cmd}})
	if err != nil {
		return fmt.Errorf("dynsec: failed to marshal %s command: %w", cmd.Command, err)
	}

	ch := make(chan commandResult, 1)
	c.mu.Lock()
	c.pending[corr] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, corr)
		c.mu.Unlock()
	}()

	tok := c.mqtt.Publish(commandTopic, 1, false, payload)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("dynsec: failed to publish %s command: %w", cmd.Command, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("dynsec: publishing %s command: %w", cmd.Command, ctx.Err())
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return &CommandError{Command: cmd.Command, Reason: res.Error}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dynsec: awaiting %s response: %w", cmd.Command, ctx.Err())
	}
}

// CreateRole creates a role with the given ACL list.
func (c *Client) CreateRole(ctx context.Context, name string, acls []ACL) error {
	return c.execute(ctx, command{Command: "createRole", RoleName: name, ACLs: acls})
}

// DeleteRole removes a role.
func (c *Client) DeleteRole(ctx context.Context, name string) error {
	return c.execute(ctx, command{Command: "deleteRole", RoleName: name})
}

// CreateClient creates a broker client bound to a single role.
func (c *Client) CreateClient(ctx context.Context, username, password, textname, rolename string) error {
	return c.execute(ctx, command{
		Command:  "createClient",
		Username: username,
		Password: password,
		TextName: textname,
		Roles:    []RoleRef{{RoleName: rolename}},
	})
}

// ModifyClient updates a broker client's display name.
func (c *Client) ModifyClient(ctx context.Context, username, textname string) error {
	return c.execute(ctx, command{Command: "modifyClient", Username: username, TextName: textname})
}

// DeleteClient removes a broker client.
func (c *Client) DeleteClient(ctx context.Context, username string) error {
	return c.execute(ctx, command{Command: "deleteClient", Username: username})
}
