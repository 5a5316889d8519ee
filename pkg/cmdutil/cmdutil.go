// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package cmdutil holds the shared pieces of the command layer.
package cmdutil

// Exit codes of the meterview binary.
const (
	ExitOK      = 0
	ExitConfig  = 2
	ExitStorage = 3
)

// GlobalArgs are the flags shared by every subcommand.
type GlobalArgs struct {
	MetersConfigPath  string
	PricingConfigPath string
}

// ExitError carries a specific process exit code through cobra.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return "exit"
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }
