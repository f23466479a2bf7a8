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

package main

import (
	"github.com/spf13/cobra"

	"github.com/AwakeAndReady/Biomed-IoT/internal/sandbox"
)

func newSandboxCommand() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Manage a tenant's flow-execution sandbox",
	}
	cmd.PersistentFlags().StringVar(&tenant, "tenant", "", "Tenant identifier")
	_ = cmd.MarkPersistentFlagRequired("tenant")

	for _, action := range []struct {
		name  string
		short string
	}{
		{"create", "Provision and start a new sandbox"},
		{"run", "Reconcile the sandbox's port and route with live state"},
		{"stop", "Stop a running sandbox"},
		{"restart", "Restart a stopped sandbox"},
		{"delete", "Tear down the sandbox and its broker access"},
	} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action.name,
			Short: action.short,
			RunE: func(c *cobra.Command, args []string) error {
				info, err := api().SandboxAction(c.Context(), tenant, action.name)
				if err != nil {
					return err
				}
				return printSandboxInfo(c, info)
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the sandbox's derived state",
		RunE: func(c *cobra.Command, args []string) error {
			info, err := api().SandboxStatus(c.Context(), tenant)
			if err != nil {
				return err
			}
			return printSandboxInfo(c, info)
		},
	})

	return cmd
}

func printSandboxInfo(cmd *cobra.Command, info sandbox.Info) error {
	if jsonOutput {
		return printJSON(cmd, info)
	}
	cmd.Printf("tenant:     %s\n", info.Tenant)
	cmd.Printf("state:      %s\n", info.State)
	if info.ContainerName != "" {
		cmd.Printf("container:  %s\n", info.ContainerName)
	}
	if info.Port != nil {
		cmd.Printf("port:       %d\n", *info.Port)
	}
	cmd.Printf("configured: %t\n", info.IsConfigured)
	return nil
}
