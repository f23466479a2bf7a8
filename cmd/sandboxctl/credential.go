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
)

func newCredentialCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage broker credentials",
	}

	var (
		tenant      string
		role        string
		displayName string
	)

	add := &cobra.Command{
		Use:   "add",
		Short: "Issue a new broker credential",
		Long: `Issue a new broker credential bound to one of the tenant's topic roles.
The generated password is printed once and cannot be recovered afterwards.`,
		RunE: func(c *cobra.Command, args []string) error {
			cred, err := api().CreateCredential(c.Context(), tenant, role, displayName)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(c, cred)
			}
			c.Printf("username: %s\n", cred.Username)
			c.Printf("password: %s\n", cred.Password)
			c.Printf("role:     %s\n", cred.RoleName)
			return nil
		},
	}
	add.Flags().StringVar(&tenant, "tenant", "", "Tenant identifier")
	add.Flags().StringVar(&role, "role", "sender", "Role kind (sender or receiver)")
	add.Flags().StringVar(&displayName, "name", "", "Display name for the credential")
	_ = add.MarkFlagRequired("tenant")
	cmd.AddCommand(add)

	var listTenant string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's broker credentials",
		RunE: func(c *cobra.Command, args []string) error {
			creds, err := api().ListCredentials(c.Context(), listTenant)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(c, creds)
			}
			for _, cred := range creds {
				c.Printf("%s\t%s\t%s\n", cred.Username, cred.RoleName, cred.DisplayName)
			}
			return nil
		},
	}
	list.Flags().StringVar(&listTenant, "tenant", "", "Tenant identifier")
	_ = list.MarkFlagRequired("tenant")
	cmd.AddCommand(list)

	var reviseName string
	revise := &cobra.Command{
		Use:   "revise <username>",
		Short: "Update a credential's display name",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return api().ReviseCredential(c.Context(), args[0], reviseName)
		},
	}
	revise.Flags().StringVar(&reviseName, "name", "", "New display name")
	_ = revise.MarkFlagRequired("name")
	cmd.AddCommand(revise)

	cmd.AddCommand(&cobra.Command{
		Use:   "retire <username>",
		Short: "Delete a credential from the broker and the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return api().RetireCredential(c.Context(), args[0])
		},
	})

	return cmd
}
