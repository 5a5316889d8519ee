// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import "os"

// Settings holds the process-level knobs taken from the environment, as
// opposed to the per-meter configuration files.
type Settings struct {
	StorageRoot      string
	TimeseriesURL    string
	TimeseriesToken  string
	TimeseriesOrg    string
	TimeseriesBucket string
	HTTPListenAddr   string
	LogLevel         string
}

// SettingsFromEnv reads the process settings, applying defaults.
func SettingsFromEnv() Settings {
	return Settings{
		StorageRoot:      envOr("STORAGE_ROOT", "./data"),
		TimeseriesURL:    os.Getenv("TIMESERIES_URL"),
		TimeseriesToken:  os.Getenv("TIMESERIES_TOKEN"),
		TimeseriesOrg:    envOr("TIMESERIES_ORG", "meterview"),
		TimeseriesBucket: envOr("TIMESERIES_BUCKET", "meter_readings"),
		HTTPListenAddr:   envOr("HTTP_LISTEN_ADDR", ":2500"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
