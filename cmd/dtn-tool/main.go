// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// dtn-tool creates and inspects Bundle files and talks to a running dtnd.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dtn-tool",
		Short:         "dtn-tool creates and inspects Bundles and talks to dtnd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var apiURL string
	cmd.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:8080", "dtnd's REST API")

	cmd.AddCommand(
		newCreateCommand(),
		newShowCommand(),
		newSendCommand(&apiURL),
		newLinksCommand(&apiURL),
	)

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "dtn-tool: %v\n", err)
		os.Exit(1)
	}
}
