// SPDX-FileCopyrightText: 2019, 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// dtnd is a DTN node forwarding Bundles over stream convergence layer links.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// waitSignal blocks the current goroutine until SIGINT or SIGTERM appears.
func waitSignal() {
	signalSyn := make(chan os.Signal, 1)
	signal.Notify(signalSyn, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalSyn)

	<-signalSyn
}

func run(configFile, profileDir string) error {
	if profileDir != "" {
		// Signals are handled below, the profile stops on return.
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(profileDir), profile.NoShutdownHook).Stop()
	}

	d, srv, err := startNode(configFile)
	if err != nil {
		return err
	}

	waitSignal()
	log.Info("Shutting down..")

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Shutting down REST API errored")
		}
		cancel()
	}

	return d.Close()
}

func newRootCommand() *cobra.Command {
	var profileDir string

	cmd := &cobra.Command{
		Use:   "dtnd configuration.toml",
		Short: "dtnd is a delay-tolerant networking daemon",
		Long: "dtnd is a delay-tolerant networking daemon. It stores Bundles and forwards\n" +
			"them over stream convergence layer links, configured by a TOML file.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], profileDir)
		},
	}

	cmd.Flags().StringVar(&profileDir, "profile", "", "write a CPU profile into this directory")

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.WithError(err).Fatal("dtnd failed")
	}
}
