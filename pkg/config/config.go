// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config loads and validates the meter and pricing configuration
// files and hands out immutable snapshots of the result.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	yaml "gopkg.in/yaml.v2"
)

// MeterType classifies the physical quantity a meter measures.
type MeterType string

// Supported meter types.
const (
	MeterWater    MeterType = "water"
	MeterElectric MeterType = "electric"
	MeterGas      MeterType = "gas"
)

// EndpointKind tells the camera client how to read the endpoint.
type EndpointKind string

// Supported camera endpoint kinds.
const (
	EndpointStill EndpointKind = "still"
	EndpointMJPEG EndpointKind = "mjpeg"
)

// MeterKind describes the register layout on the meter face.
type MeterKind string

// Supported meter kinds.
const (
	KindDigitalOnly     MeterKind = "digital_only"
	KindDigitalPlusDial MeterKind = "digital_plus_dial"
)

// DialOrientation is the cardinal position of the dial's zero mark.
type DialOrientation string

// Supported dial orientations.
const (
	DialTop    DialOrientation = "top"
	DialRight  DialOrientation = "right"
	DialBottom DialOrientation = "bottom"
	DialLeft   DialOrientation = "left"
)

// DegreeOffset maps the orientation onto a clockwise degree offset, keeping
// vendors with other landmark positions a config change away.
func (o DialOrientation) DegreeOffset() float64 {
	switch o {
	case DialRight:
		return 90
	case DialBottom:
		return 180
	case DialLeft:
		return 270
	default:
		return 0
	}
}

// PromptProfiles enumerates the known vision output contracts.
var PromptProfiles = []string{
	"detailed_water",
	"simple_water",
	"electric_digital",
	"gas_mechanical",
}

// AuthConfig holds the camera endpoint credentials.
type AuthConfig struct {
	Kind string `yaml:"kind" json:"kind"`
	User string `yaml:"user" json:"-"`
	Pass string `yaml:"pass" json:"-"`
}

// CameraConfig describes how to fetch one frame from a camera.
type CameraConfig struct {
	EndpointURL  string       `yaml:"endpoint_url" json:"endpoint_url"`
	EndpointKind EndpointKind `yaml:"endpoint_kind" json:"endpoint_kind"`
	Auth         AuthConfig   `yaml:"auth" json:"auth"`
	TimeoutMs    int          `yaml:"timeout_ms" json:"timeout_ms"`
	RotationDeg  int          `yaml:"rotation_deg" json:"rotation_deg"`
}

// VisionTarget is one provider+model pair with its prompt profile.
type VisionTarget struct {
	Provider      string `yaml:"provider" json:"provider"`
	Model         string `yaml:"model" json:"model"`
	PromptProfile string `yaml:"prompt_profile" json:"prompt_profile"`
}

// VisionConfig holds the primary target and the ordered fallback chain.
type VisionConfig struct {
	Primary   VisionTarget   `yaml:"primary" json:"primary"`
	Fallbacks []VisionTarget `yaml:"fallbacks" json:"fallbacks,omitempty"`
}

// RetentionConfig bounds the snapshot archive per meter. Zero values mean
// unbounded.
type RetentionConfig struct {
	MaxAgeHours int `yaml:"max_age_hours" json:"max_age_hours"`
	MaxCount    int `yaml:"max_count" json:"max_count"`
}

// Meter is one configured meter. Instances are immutable once loaded.
type Meter struct {
	Name                   string       `yaml:"name" json:"name"`
	Type                   MeterType    `yaml:"type" json:"type"`
	Unit                   string       `yaml:"unit" json:"unit"`
	Location               string       `yaml:"location" json:"location"`
	Enabled                bool         `yaml:"enabled" json:"enabled"`
	ReadingIntervalSeconds int          `yaml:"reading_interval_seconds" json:"reading_interval_seconds"`
	MaxChangePerReading    float64      `yaml:"max_change_per_reading" json:"max_change_per_reading"`
	Camera                 CameraConfig `yaml:"camera" json:"camera"`

	MeterKind               MeterKind       `yaml:"meter_kind" json:"meter_kind"`
	DialFullRevolutionUnits float64         `yaml:"dial_full_revolution_units" json:"dial_full_revolution_units,omitempty"`
	DialOrientation         DialOrientation `yaml:"dial_orientation" json:"dial_orientation,omitempty"`

	Vision    VisionConfig    `yaml:"vision" json:"vision"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
}

// Config is an immutable snapshot of both configuration files.
type Config struct {
	Meters  []Meter
	Pricing map[string]interface{}
}

// GetMeter returns the meter with the given name.
func (c *Config) GetMeter(name string) (Meter, bool) {
	for _, m := range c.Meters {
		if m.Name == name {
			return m, true
		}
	}
	return Meter{}, false
}

// EnabledMeters returns the meters that should be monitored.
func (c *Config) EnabledMeters() []Meter {
	var out []Meter
	for _, m := range c.Meters {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// InvalidError reports a config file that failed validation.
type InvalidError struct {
	Field  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func invalidf(field, format string, args ...interface{}) error {
	return &InvalidError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var (
	meterNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
	envVarRe    = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// interpolateEnv substitutes ${VAR} occurrences with the value from the
// environment. Any unresolved variable fails the load so a missing camera
// secret is caught at startup rather than at capture time.
func interpolateEnv(raw []byte) ([]byte, error) {
	var missing []string
	out := envVarRe.ReplaceAllFunc(raw, func(ref []byte) []byte {
		name := string(envVarRe.FindSubmatch(ref)[1])
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return []byte(val)
	})
	if len(missing) > 0 {
		return nil, invalidf("env", "unresolved variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

type metersFile struct {
	Meters []Meter `yaml:"meters"`
}

// loadMeters parses and validates the meter definitions file.
func loadMeters(path string) ([]Meter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read meter config: %w", err)
	}
	raw, err = interpolateEnv(raw)
	if err != nil {
		return nil, err
	}

	var file metersFile
	if err := yaml.UnmarshalStrict(raw, &file); err != nil {
		return nil, invalidf("meters", "yaml: %v", err)
	}
	if len(file.Meters) == 0 {
		return nil, invalidf("meters", "no meters defined")
	}

	seen := map[string]bool{}
	for i := range file.Meters {
		m := &file.Meters[i]
		applyMeterDefaults(m)
		if err := validateMeter(m); err != nil {
			return nil, err
		}
		if seen[m.Name] {
			return nil, invalidf("meters", "duplicate meter name %q", m.Name)
		}
		seen[m.Name] = true
	}
	return file.Meters, nil
}

func applyMeterDefaults(m *Meter) {
	if m.Camera.TimeoutMs == 0 {
		m.Camera.TimeoutMs = 10000
	}
	if m.Camera.Auth.Kind == "" {
		m.Camera.Auth.Kind = "none"
	}
	if m.MeterKind == "" {
		m.MeterKind = KindDigitalOnly
	}
}

func validateMeter(m *Meter) error {
	field := func(f string) string { return fmt.Sprintf("meters.%s.%s", m.Name, f) }

	if !meterNameRe.MatchString(m.Name) {
		return invalidf("meters.name", "%q is not identifier-safe", m.Name)
	}
	switch m.Type {
	case MeterWater, MeterElectric, MeterGas:
	default:
		return invalidf(field("type"), "unknown meter type %q", m.Type)
	}
	if m.Unit == "" {
		return invalidf(field("unit"), "required")
	}
	if m.ReadingIntervalSeconds < 30 {
		return invalidf(field("reading_interval_seconds"), "must be >= 30, got %d", m.ReadingIntervalSeconds)
	}
	if m.MaxChangePerReading <= 0 {
		return invalidf(field("max_change_per_reading"), "must be positive")
	}

	cam := &m.Camera
	if cam.EndpointURL == "" {
		return invalidf(field("camera.endpoint_url"), "required")
	}
	switch cam.EndpointKind {
	case EndpointStill, EndpointMJPEG:
	default:
		return invalidf(field("camera.endpoint_kind"), "must be still or mjpeg, got %q", cam.EndpointKind)
	}
	switch cam.Auth.Kind {
	case "none":
	case "basic":
		if cam.Auth.User == "" || cam.Auth.Pass == "" {
			return invalidf(field("camera.auth"), "basic auth requires user and pass")
		}
	default:
		return invalidf(field("camera.auth.kind"), "must be none or basic, got %q", cam.Auth.Kind)
	}
	if cam.TimeoutMs <= 0 {
		return invalidf(field("camera.timeout_ms"), "must be positive")
	}
	switch cam.RotationDeg {
	case 0, 90, 180, 270:
	default:
		return invalidf(field("camera.rotation_deg"), "must be one of 0, 90, 180, 270")
	}

	switch m.MeterKind {
	case KindDigitalOnly:
	case KindDigitalPlusDial:
		if m.DialFullRevolutionUnits <= 0 {
			return invalidf(field("dial_full_revolution_units"), "must be positive for digital_plus_dial meters")
		}
		switch m.DialOrientation {
		case DialTop, DialRight, DialBottom, DialLeft:
		default:
			return invalidf(field("dial_orientation"), "must be top, right, bottom or left")
		}
	default:
		return invalidf(field("meter_kind"), "must be digital_only or digital_plus_dial, got %q", m.MeterKind)
	}

	if err := validateVisionTarget(m.Vision.Primary, field("vision.primary")); err != nil {
		return err
	}
	for i, fb := range m.Vision.Fallbacks {
		if err := validateVisionTarget(fb, fmt.Sprintf("%s[%d]", field("vision.fallbacks"), i)); err != nil {
			return err
		}
	}

	if m.Retention.MaxAgeHours < 0 || m.Retention.MaxCount < 0 {
		return invalidf(field("retention"), "limits must not be negative")
	}
	return nil
}

func validateVisionTarget(t VisionTarget, field string) error {
	if t.Provider == "" || t.Model == "" {
		return invalidf(field, "provider and model are required")
	}
	for _, p := range PromptProfiles {
		if t.PromptProfile == p {
			return nil
		}
	}
	return invalidf(field+".prompt_profile", "unknown profile %q", t.PromptProfile)
}

// loadPricing parses the pricing file. The content is opaque to the agent:
// it is normalized to JSON-compatible maps and served as-is.
func loadPricing(path string) (map[string]interface{}, error) {
	if path == "" {
		return map[string]interface{}{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read pricing config: %w", err)
	}
	raw, err = interpolateEnv(raw)
	if err != nil {
		return nil, err
	}

	var doc map[interface{}]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, invalidf("pricing", "yaml: %v", err)
	}
	norm := normalizeYAML(doc)
	out, _ := norm.(map[string]interface{})
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

// normalizeYAML rewrites yaml.v2 interface maps into string-keyed maps so
// the pricing document can be marshaled to JSON.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}

// Load parses both configuration files into a Config snapshot.
func Load(metersPath, pricingPath string) (*Config, error) {
	meters, err := loadMeters(metersPath)
	if err != nil {
		return nil, err
	}
	pricing, err := loadPricing(pricingPath)
	if err != nil {
		return nil, err
	}
	return &Config{Meters: meters, Pricing: pricing}, nil
}
