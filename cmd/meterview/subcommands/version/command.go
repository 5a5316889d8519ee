// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version implements the version subcommand.
package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/meterview/meterview/pkg/version"
)

// Command returns the version subcommand.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version info",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("meterview %s (commit: %s, %s)\n", version.AgentVersion, version.Commit, runtime.Version())
		},
	}
}
