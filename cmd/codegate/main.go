// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command codegate runs the code-interpreter gateway in front of a Jupyter
// Server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "codegate",
		Short: "HTTP gateway for stateful code execution contexts",
		Long: `codegate exposes "execute code" and "manage contexts" endpoints in front of
a Jupyter Server, creating and reusing one kernel per context.`,
		SilenceUsage: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE:  runServe,
	}
	servePort int

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Wait for the Jupyter backend to become ready",
		Long:  `Polls the backend status endpoint until it answers or the timeout expires. Exits non-zero when the backend is not ready.`,
		RunE:  runCheck,
	}
	checkTimeout string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "codegate", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	checkCmd.Flags().StringVar(&checkTimeout, "timeout", "30s", "how long to wait for the backend")

	rootCmd.AddCommand(serveCmd, checkCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
