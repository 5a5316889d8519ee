// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshalJSON(t *testing.T, v interface{}) string {
	t.Helper()
	out, err := json.Marshal(v)
	require.NoError(t, err)
	return string(out)
}

const validMeters = `
meters:
  - name: water_main
    type: water
    unit: gallons
    location: basement
    enabled: true
    reading_interval_seconds: 300
    max_change_per_reading: 50
    camera:
      endpoint_url: http://10.0.0.5/snapshot.jpg
      endpoint_kind: still
    meter_kind: digital_plus_dial
    dial_full_revolution_units: 10
    dial_orientation: top
    vision:
      primary:
        provider: gemini
        model: gemini-2.0-flash
        prompt_profile: detailed_water
      fallbacks:
        - provider: claude
          model: claude-sonnet
          prompt_profile: detailed_water
  - name: electric_house
    type: electric
    unit: kWh
    enabled: false
    reading_interval_seconds: 60
    max_change_per_reading: 5
    camera:
      endpoint_url: http://10.0.0.6/stream
      endpoint_kind: mjpeg
    vision:
      primary:
        provider: openai
        model: gpt-4o-mini
        prompt_profile: electric_digital
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, "meters.yaml", validMeters), "")
	require.NoError(t, err)
	require.Len(t, cfg.Meters, 2)

	water := cfg.Meters[0]
	assert.Equal(t, "water_main", water.Name)
	assert.Equal(t, MeterWater, water.Type)
	assert.Equal(t, KindDigitalPlusDial, water.MeterKind)
	assert.Equal(t, 10.0, water.DialFullRevolutionUnits)
	assert.Len(t, water.Vision.Fallbacks, 1)

	// Defaults applied.
	assert.Equal(t, 10000, water.Camera.TimeoutMs)
	assert.Equal(t, "none", water.Camera.Auth.Kind)
	assert.Equal(t, KindDigitalOnly, cfg.Meters[1].MeterKind)

	enabled := cfg.EnabledMeters()
	require.Len(t, enabled, 1)
	assert.Equal(t, "water_main", enabled[0].Name)

	_, ok := cfg.GetMeter("electric_house")
	assert.True(t, ok)
	_, ok = cfg.GetMeter("nope")
	assert.False(t, ok)
}

func TestLoadInvalid(t *testing.T) {
	base := `
meters:
  - name: %NAME%
    type: %TYPE%
    unit: %UNIT%
    enabled: true
    reading_interval_seconds: %INTERVAL%
    max_change_per_reading: %CAP%
    camera:
      endpoint_url: %URL%
      endpoint_kind: %KIND%
      rotation_deg: %ROT%
    meter_kind: %MKIND%
    vision:
      primary:
        provider: gemini
        model: g
        prompt_profile: %PROFILE%
`
	render := func(overrides map[string]string) string {
		defaults := map[string]string{
			"%NAME%": "m1", "%TYPE%": "water", "%UNIT%": "gal",
			"%INTERVAL%": "60", "%CAP%": "10",
			"%URL%": "http://cam/x.jpg", "%KIND%": "still", "%ROT%": "0",
			"%MKIND%": "digital_only", "%PROFILE%": "simple_water",
		}
		out := base
		for k, v := range defaults {
			if ov, ok := overrides[k]; ok {
				v = ov
			}
			out = strings.ReplaceAll(out, k, v)
		}
		return out
	}

	for name, tc := range map[string]struct {
		overrides map[string]string
		field     string
	}{
		"bad name":       {map[string]string{"%NAME%": "1bad"}, "meters.name"},
		"bad type":       {map[string]string{"%TYPE%": "steam"}, "type"},
		"missing unit":   {map[string]string{"%UNIT%": "\"\""}, "unit"},
		"short interval": {map[string]string{"%INTERVAL%": "10"}, "reading_interval_seconds"},
		"zero cap":       {map[string]string{"%CAP%": "0"}, "max_change_per_reading"},
		"no url":         {map[string]string{"%URL%": "\"\""}, "endpoint_url"},
		"bad kind":       {map[string]string{"%KIND%": "rtsp"}, "endpoint_kind"},
		"bad rotation":   {map[string]string{"%ROT%": "45"}, "rotation_deg"},
		"bad meter kind": {map[string]string{"%MKIND%": "analog"}, "meter_kind"},
		"dial needs rev": {map[string]string{"%MKIND%": "digital_plus_dial"}, "dial_full_revolution_units"},
		"bad profile":    {map[string]string{"%PROFILE%": "nope"}, "prompt_profile"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "meters.yaml", render(tc.overrides)), "")
			require.Error(t, err)
			var invalid *InvalidError
			require.ErrorAs(t, err, &invalid)
			assert.Contains(t, invalid.Field, tc.field)
		})
	}
}

func TestLoadDuplicateNames(t *testing.T) {
	doc := validMeters + `
  - name: water_main
    type: water
    unit: gallons
    enabled: true
    reading_interval_seconds: 300
    max_change_per_reading: 50
    camera:
      endpoint_url: http://10.0.0.7/x.jpg
      endpoint_kind: still
    vision:
      primary:
        provider: gemini
        model: g
        prompt_profile: simple_water
`
	_, err := Load(writeConfig(t, "meters.yaml", doc), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate meter name")
}

func TestEnvInterpolation(t *testing.T) {
	t.Setenv("CAM_USER", "admin")
	t.Setenv("CAM_PASS", "hunter2")

	doc := `
meters:
  - name: gas_main
    type: gas
    unit: ccf
    enabled: true
    reading_interval_seconds: 600
    max_change_per_reading: 20
    camera:
      endpoint_url: http://10.0.0.8/x.jpg
      endpoint_kind: still
      auth:
        kind: basic
        user: ${CAM_USER}
        pass: ${CAM_PASS}
    vision:
      primary:
        provider: claude
        model: claude-sonnet
        prompt_profile: gas_mechanical
`
	cfg, err := Load(writeConfig(t, "meters.yaml", doc), "")
	require.NoError(t, err)
	assert.Equal(t, "admin", cfg.Meters[0].Camera.Auth.User)
	assert.Equal(t, "hunter2", cfg.Meters[0].Camera.Auth.Pass)
}

func TestEnvInterpolationMissing(t *testing.T) {
	doc := `
meters:
  - name: m1
    type: water
    unit: gal
    enabled: true
    reading_interval_seconds: 60
    max_change_per_reading: 10
    camera:
      endpoint_url: http://cam/${NO_SUCH_VAR_SET}/x.jpg
      endpoint_kind: still
    vision:
      primary:
        provider: gemini
        model: g
        prompt_profile: simple_water
`
	_, err := Load(writeConfig(t, "meters.yaml", doc), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NO_SUCH_VAR_SET")
}

func TestCredentialsNotSerialized(t *testing.T) {
	auth := AuthConfig{Kind: "basic", User: "admin", Pass: "secret"}
	out := marshalJSON(t, auth)
	assert.NotContains(t, out, "admin")
	assert.NotContains(t, out, "secret")
}

func TestLoadPricing(t *testing.T) {
	pricing := `
water:
  currency: USD
  tiers:
    - up_to: 1000
      rate: 0.004
`
	cfg, err := Load(writeConfig(t, "meters.yaml", validMeters), writeConfig(t, "pricing.yaml", pricing))
	require.NoError(t, err)
	water, ok := cfg.Pricing["water"].(map[string]interface{})
	require.True(t, ok, "nested maps must be string-keyed after normalization")
	assert.Equal(t, "USD", water["currency"])
	// Must survive a JSON round trip for the API.
	assert.Contains(t, marshalJSON(t, cfg.Pricing), "tiers")
}

func TestDialOrientationOffsets(t *testing.T) {
	assert.Equal(t, 0.0, DialTop.DegreeOffset())
	assert.Equal(t, 90.0, DialRight.DegreeOffset())
	assert.Equal(t, 180.0, DialBottom.DegreeOffset())
	assert.Equal(t, 270.0, DialLeft.DegreeOffset())
}
