// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package configcheck implements the configcheck subcommand, which loads
// the configuration files and reports what the agent would monitor.
package configcheck

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meterview/meterview/pkg/cmdutil"
	"github.com/meterview/meterview/pkg/config"
)

// Command returns the configcheck subcommand.
func Command(globalArgs *cmdutil.GlobalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   "configcheck",
		Short: "Validate the configuration files",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(globalArgs.MetersConfigPath, globalArgs.PricingConfigPath)
			if err != nil {
				return &cmdutil.ExitError{Code: cmdutil.ExitConfig, Err: err}
			}

			enabled := cfg.EnabledMeters()
			fmt.Printf("Configuration OK: %d meter(s), %d enabled\n", len(cfg.Meters), len(enabled))
			for _, m := range cfg.Meters {
				state := "enabled"
				if !m.Enabled {
					state = "disabled"
				}
				fmt.Printf("  %-20s %-10s %-12s every %ds (%s)\n", m.Name, m.Type, state, m.ReadingIntervalSeconds, m.Camera.EndpointURL)
			}
			if len(cfg.Pricing) > 0 {
				fmt.Printf("Pricing: %d key(s) loaded\n", len(cfg.Pricing))
			}
			return nil
		},
	}
}
