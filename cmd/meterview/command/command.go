// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package command builds the meterview command tree and maps command
// failures onto process exit codes.
package command

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meterview/meterview/cmd/meterview/subcommands/configcheck"
	"github.com/meterview/meterview/cmd/meterview/subcommands/run"
	"github.com/meterview/meterview/cmd/meterview/subcommands/version"
	"github.com/meterview/meterview/pkg/cmdutil"
)

// MakeCommand returns the root meterview command.
func MakeCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "meterview [command]",
		Short:        "Camera-based utility meter monitoring agent",
		SilenceUsage: true,
	}

	globalArgs := &cmdutil.GlobalArgs{}
	root.PersistentFlags().StringVarP(&globalArgs.MetersConfigPath, "meters-config", "c", "meters.yaml", "path to the meter definitions file")
	root.PersistentFlags().StringVarP(&globalArgs.PricingConfigPath, "pricing-config", "p", "", "path to the pricing file (optional)")

	root.AddCommand(run.Command(globalArgs))
	root.AddCommand(configcheck.Command(globalArgs))
	root.AddCommand(version.Command())
	return root
}

// Run executes the command tree and returns the process exit code:
// 0 on clean shutdown, 2 for configuration errors, 3 for unrecoverable
// storage errors, 1 otherwise.
func Run() int {
	err := MakeCommand().Execute()
	if err == nil {
		return 0
	}

	var exitErr *cmdutil.ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Err)
		return exitErr.Code
	}
	return 1
}
