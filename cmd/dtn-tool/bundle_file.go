// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dtn7/dtn7-scl/pkg/agent"
	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

// readInput from stdin for "-" or from the named file otherwise.
func readInput(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}

// createBundle serializes a new Bundle to out. An empty out results in a
// filename derived from the Bundle ID, "-" writes to stdout.
func createBundle(src, dst string, lifetime time.Duration, payload []byte, out string) (string, error) {
	if lifetime <= 0 {
		return "", fmt.Errorf("lifetime %v must be positive", lifetime)
	}

	srcEid, err := bpv7.NewEndpointID(src)
	if err != nil {
		return "", err
	}
	dstEid, err := bpv7.NewEndpointID(dst)
	if err != nil {
		return "", err
	}

	b := bpv7.NewBundle(srcEid, dstEid, lifetime, 0, payload)
	if err := b.CheckValid(); err != nil {
		return "", err
	}

	if out == "" {
		out = hex.EncodeToString([]byte(b.ID().String())) + ".bundle"
	}

	var w io.WriteCloser
	if out == "-" {
		w = os.Stdout
	} else if w, err = os.Create(out); err != nil {
		return "", err
	}

	if err := b.WriteBundle(w); err != nil {
		_ = w.Close()
		return "", err
	}
	return out, w.Close()
}

// showBundle prints a serialized Bundle as JSON.
func showBundle(in string, w io.Writer) error {
	data, err := readInput(in)
	if err != nil {
		return err
	}

	b, err := bpv7.ParseFromBytes(data)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(agent.NewBundleJSON(b))
}

func newCreateCommand() *cobra.Command {
	var lifetime time.Duration

	cmd := &cobra.Command{
		Use:   "create sender receiver -|filename [bundle-name]",
		Short: "Create a new Bundle file, e.g., for dtnd's spool directory",
		Long: "Creates a new Bundle, addressed from sender to receiver, with the stdin (-) or\n" +
			"the given file as payload. This Bundle is saved as bundle-name, or in a file\n" +
			"named after its ID if bundle-name is missing. A bundle-name of - writes to stdout.",
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readInput(args[2])
			if err != nil {
				return fmt.Errorf("reading input errored: %w", err)
			}

			out := ""
			if len(args) == 4 {
				out = args[3]
			}

			name, err := createBundle(args[0], args[1], lifetime, payload, out)
			if err != nil {
				return err
			}
			if name != "-" {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&lifetime, "lifetime", agent.DefaultLifetime, "the Bundle's lifetime")

	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show -|filename",
		Short: "Print a human-readable version of a Bundle file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showBundle(args[0], cmd.OutOrStdout())
		},
	}
}
