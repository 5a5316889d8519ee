// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package reading

import (
	"errors"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/meterview/meterview/pkg/config"
)

// ErrDuplicateCapture means the new reading carries the same second-precision
// timestamp as the previous one; the caller skips all writes.
var ErrDuplicateCapture = errors.New("duplicate capture")

// Direction is a screen-space needle direction.
type Direction string

// Needle directions.
const (
	DirUp    Direction = "up"
	DirDown  Direction = "down"
	DirLeft  Direction = "left"
	DirRight Direction = "right"
)

// Validate applies the validation rules in order, annotating the reading in
// place: warnings are appended, an out-of-range dial angle is snapped, and a
// warned reading never keeps high confidence. Flagged readings are still
// persisted by the caller; only a negative total or a duplicate timestamp
// rejects the reading outright.
func Validate(r *Reading, prev *Reading, meter config.Meter) error {
	if prev != nil {
		delta := r.Total - prev.Total
		if math.Abs(delta) > meter.MaxChangePerReading {
			r.Warnings = append(r.Warnings, WarnChangeCapExceeded)
		}
		if delta < 0 {
			r.Warnings = append(r.Warnings, WarnNonMonotonic)
		}
	}

	if r.Total < 0 {
		return parseErrorf("negative total %v", r.Total)
	}

	if meter.MeterKind == config.KindDigitalPlusDial && r.DialAngleDeg != nil {
		angle := *r.DialAngleDeg
		if angle < 0 || angle >= 360 {
			snapped := math.Mod(angle, 360)
			if snapped < 0 {
				snapped += 360
			}
			*r.DialAngleDeg = snapped
			r.Warnings = append(r.Warnings, WarnAngleOutOfRange)
		}
		if mismatchedDirection(*r.DialAngleDeg, meter.DialOrientation, r.Notes) {
			r.Warnings = append(r.Warnings, WarnAngleDirectionMismatch)
		}
	}

	if len(r.Warnings) > 0 && r.Confidence == ConfidenceHigh {
		r.Confidence = ConfidenceMedium
	}

	if prev != nil && r.Timestamp.Truncate(time.Second).Equal(prev.Timestamp.Truncate(time.Second)) {
		return ErrDuplicateCapture
	}
	return nil
}

// DirectionForAngle maps a dial angle onto the screen direction the needle
// points at, given where the dial's zero mark sits. Band bounds are
// upper-exclusive: 45 degrees on a top-oriented dial is already RIGHT.
func DirectionForAngle(angle float64, orientation config.DialOrientation) Direction {
	effective := math.Mod(angle+orientation.DegreeOffset(), 360)
	switch {
	case effective < 45:
		return DirUp
	case effective < 135:
		return DirRight
	case effective < 225:
		return DirDown
	case effective < 315:
		return DirLeft
	default:
		return DirUp
	}
}

var directionTokenRe = regexp.MustCompile(`\b(up|upward|upwards|top|down|downward|downwards|bottom|left|right)\b`)

var tokenDirections = map[string]Direction{
	"up": DirUp, "upward": DirUp, "upwards": DirUp, "top": DirUp,
	"down": DirDown, "downward": DirDown, "downwards": DirDown, "bottom": DirDown,
	"left": DirLeft, "right": DirRight,
}

// mismatchedDirection reports whether the notes assert a needle direction
// that contradicts the quadrant derived from the angle. Notes often mention
// several directions ("down and slightly left"); any token agreeing with the
// expected quadrant counts as agreement.
func mismatchedDirection(angle float64, orientation config.DialOrientation, notes string) bool {
	if notes == "" {
		return false
	}
	expected := DirectionForAngle(angle, orientation)
	contradicted := false
	for _, tok := range directionTokenRe.FindAllString(strings.ToLower(notes), -1) {
		dir, ok := tokenDirections[tok]
		if !ok {
			continue
		}
		if dir == expected {
			return false
		}
		contradicted = true
	}
	return contradicted
}
