// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the VMBus guest bus manager daemon.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/siderolabs/talos-vmbusd/internal/util"
	"github.com/siderolabs/talos-vmbusd/internal/version"
)

const (
	flagLogLevel = "log-level"
	flagNodeRoot = "node-root"
)

var rootCmd = &cobra.Command{
	Use:               "talos-vmbusd",
	Short:             "Hyper-V VMBus guest bus manager",
	Long:              "talos-vmbusd is the guest-side VMBus root manager: hypercall gateway, SynIC setup, channel lifecycle, and GPADL allocation",
	PersistentPreRunE: setup,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var logger *slog.Logger

func parseLevel(s string) (slog.Level, error) {
	// slog does not support trace level logging by default, but is flexible
	if strings.ToUpper(s) == "TRACE" {
		return util.LogLevelTrace, nil
	}

	var level slog.Level

	err := level.UnmarshalText([]byte(s))

	return level, err
}

func setup(cmd *cobra.Command, _ []string) error {
	level, err := parseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		panic("error parsing log level")
	}

	logOpts := &slog.HandlerOptions{
		Level: level,
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, logOpts)).With("command", cmd.Name())

	hello := fmt.Sprintf("%s", version.Name)
	logger.Info(hello, "version", version.Tag)

	return nil
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("vmbusd")

	pf := rootCmd.PersistentFlags()
	pf.String(flagLogLevel, "info", "log level (error, warning, info, debug, trace)")
	pf.String(flagNodeRoot, "/run/vmbus", "directory channel device nodes are published under")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
