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

// sandboxctl is the operator CLI for sandboxd.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AwakeAndReady/Biomed-IoT/internal/client"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	daemonURL  string
	apiKey     string
	jsonOutput bool
)

func main() {
	root := &cobra.Command{
		Use:           "sandboxctl",
		Short:         "Manage tenant flow-execution sandboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&daemonURL, "daemon", envOr("BIOMED_DAEMON_URL", "http://127.0.0.1:8440"), "sandboxd base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("BIOMED_API_KEY"), "API key for the daemon")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output JSON")

	root.AddCommand(newSandboxCommand())
	root.AddCommand(newCredentialCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sandboxctl: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func api() *client.Client {
	return client.New(daemonURL, apiKey)
}

// printJSON writes v as indented JSON to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client and daemon version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("sandboxctl version %s\n", version)
			cmd.Printf("  commit:     %s\n", commit)
			cmd.Printf("  build date: %s\n", buildDate)

			v, err := api().Version(cmd.Context())
			if err != nil {
				cmd.Printf("daemon: unreachable (%v)\n", err)
				return nil
			}
			cmd.Printf("daemon version %s\n", v["version"])
			return nil
		},
	}
}
