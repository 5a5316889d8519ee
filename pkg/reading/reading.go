// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package reading defines the canonical meter reading record and the parsing
// and validation steps that produce it from raw vision-model output.
package reading

import "time"

// SchemaVersion is stamped on every persisted reading line.
const SchemaVersion = 1

// Confidence is the categorical confidence tier of a reading.
type Confidence string

// Confidence tiers, ordered high to low.
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Known warning codes attached by the validator.
const (
	WarnChangeCapExceeded      = "change_cap_exceeded"
	WarnNonMonotonic           = "non_monotonic"
	WarnAngleOutOfRange        = "angle_out_of_range"
	WarnAngleDirectionMismatch = "angle_direction_mismatch"
)

// Reading formats recorded as provenance on parsed readings.
const (
	FormatDetailed = "detailed"
	FormatSimple   = "simple"
)

// Reading is a single validated measurement with provenance. Instances are
// immutable after persist.
type Reading struct {
	SchemaVersion int       `json:"schema_version"`
	MeterName     string    `json:"meter_name"`
	Timestamp     time.Time `json:"timestamp"`

	Total        float64  `json:"total"`
	DigitalInt   *int64   `json:"digital_int,omitempty"`
	DialFraction *float64 `json:"dial_fraction,omitempty"`
	DialAngleDeg *float64 `json:"dial_angle_deg,omitempty"`

	Confidence        Confidence `json:"confidence"`
	ConfidenceNumeric *float64   `json:"confidence_numeric,omitempty"`

	VisionProvider string `json:"vision_provider"`
	VisionModel    string `json:"vision_model"`
	PromptProfile  string `json:"prompt_profile"`
	Format         string `json:"format,omitempty"`

	Notes      string            `json:"notes,omitempty"`
	NotesExtra map[string]string `json:"notes_extra,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`

	SnapshotRef     string `json:"snapshot_ref,omitempty"`
	RawResponseRef  string `json:"raw_response_ref,omitempty"`
	ReprocessedFrom string `json:"reprocessed_from,omitempty"`

	TSWriteFailed bool `json:"ts_write_failed,omitempty"`
}

// HasWarning reports whether the given warning code is present.
func (r *Reading) HasWarning(code string) bool {
	for _, w := range r.Warnings {
		if w == code {
			return true
		}
	}
	return false
}

// ConfidenceFromNumeric maps a 0..1 score onto the categorical tiers.
func ConfidenceFromNumeric(score float64) Confidence {
	switch {
	case score >= 0.8:
		return ConfidenceHigh
	case score >= 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
