// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package vision

import "fmt"

// Prompt profiles define the exact output contract the model must honor.
// The same profile yields the same JSON schema regardless of which provider
// runs it; the reading parser depends on that.
var promptProfiles = map[string]string{
	"detailed_water": `You are reading a residential water meter from a photo.
The meter has a digital odometer, one smaller black digit and a sweep dial.
Respond with a single JSON object and nothing else, using exactly these keys:
{"digital_reading": <integer shown on the odometer>,
 "black_digit": <the single black digit, 0-9>,
 "dial_reading": <fraction indicated by the sweep dial, e.g. 0.07>,
 "dial_angle_degrees": <clockwise angle of the needle, 0-359, 0 = at the zero mark>,
 "total_reading": <complete reading including all fractional digits>,
 "confidence": "high" | "medium" | "low",
 "notes": "<short description of what you see, including needle direction>"}`,

	"simple_water": `Read the water meter in the photo.
Respond with a single JSON object and nothing else, using exactly these keys:
{"odometer_value": <number on the odometer>,
 "dial_value": <fraction shown by the needle dial>,
 "total_reading": <odometer plus dial fraction>,
 "needle_angle_degrees": <clockwise needle angle, 0-359>,
 "confidence": <0.0 to 1.0>,
 "notes": "<one sentence>"}`,

	"electric_digital": `You are reading a residential electricity meter with a
digital display. Respond with a single JSON object and nothing else:
{"digital_reading": <integer kWh value on the display>,
 "total_reading": <the same value including any decimals shown>,
 "confidence": "high" | "medium" | "low",
 "notes": "<short description, mention anything obstructing the display>"}`,

	"gas_mechanical": `You are reading a residential gas meter with mechanical
digit wheels. Read the wheels left to right; a wheel between two digits takes
the lower one. Respond with a single JSON object and nothing else:
{"digital_reading": <integer from the digit wheels>,
 "dial_reading": <fraction from the test dial if present, else 0>,
 "dial_angle_degrees": <test dial needle angle, 0-359, if present>,
 "total_reading": <complete reading>,
 "confidence": "high" | "medium" | "low",
 "notes": "<short description>"}`,
}

// PromptFor returns the prompt text for a profile.
func PromptFor(profile string) (string, error) {
	p, ok := promptProfiles[profile]
	if !ok {
		return "", fmt.Errorf("vision: unknown prompt profile %q", profile)
	}
	return p, nil
}
