// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package reading

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/meterview/meterview/pkg/config"
)

// ParseError reports vision output that could not be turned into a reading.
// It is terminal for the current image: retrying the same JSON cannot help.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse reading: %s", e.Reason)
}

func parseErrorf(format string, args ...interface{}) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// Parse converts raw provider output into a canonical Reading. The models
// routinely decorate their JSON with prose, code fences and comments, so the
// first balanced JSON object is extracted and comments are stripped before
// decoding. Numeric strings are coerced. The returned reading carries no
// timestamp or refs; the caller fills those in.
func Parse(rawJSON string, meter config.Meter) (*Reading, error) {
	objText, err := extractObject([]byte(rawJSON))
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(stripComments(objText)))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, parseErrorf("invalid JSON: %v", err)
	}

	if _, ok := doc["odometer_value"]; ok {
		return parseSimple(doc, meter)
	}
	return parseDetailed(doc, meter)
}

// detailedFields and simpleFields are the keys consumed by each schema;
// anything else lands in notes_extra.
var detailedFields = map[string]bool{
	"digital_reading": true, "black_digit": true, "dial_reading": true,
	"dial_angle_degrees": true, "total_reading": true, "confidence": true,
	"notes": true,
}

var simpleFields = map[string]bool{
	"odometer_value": true, "dial_value": true, "total_reading": true,
	"needle_angle_degrees": true, "confidence": true, "notes": true,
}

func parseDetailed(doc map[string]interface{}, meter config.Meter) (*Reading, error) {
	r := &Reading{SchemaVersion: SchemaVersion, Format: FormatDetailed}

	conf, ok := doc["confidence"]
	if !ok {
		return nil, parseErrorf("missing confidence")
	}
	if err := applyConfidence(r, conf); err != nil {
		return nil, err
	}

	if v, ok := doc["digital_reading"]; ok {
		n, err := coerceFloat(v, "digital_reading")
		if err != nil {
			return nil, err
		}
		d := int64(math.Floor(n))
		r.DigitalInt = &d
	}
	if v, ok := doc["dial_reading"]; ok {
		n, err := coerceFloat(v, "dial_reading")
		if err != nil {
			return nil, err
		}
		r.DialFraction = &n
	}
	if v, ok := doc["dial_angle_degrees"]; ok {
		n, err := coerceFloat(v, "dial_angle_degrees")
		if err != nil {
			return nil, err
		}
		r.DialAngleDeg = &n
	}
	if v, ok := doc["notes"]; ok {
		r.Notes, _ = v.(string)
	}

	if err := applyTotal(r, doc, meter); err != nil {
		return nil, err
	}
	collectExtras(r, doc, detailedFields)
	return r, nil
}

func parseSimple(doc map[string]interface{}, meter config.Meter) (*Reading, error) {
	r := &Reading{SchemaVersion: SchemaVersion, Format: FormatSimple}

	conf, ok := doc["confidence"]
	if !ok {
		return nil, parseErrorf("missing confidence")
	}
	if err := applyConfidence(r, conf); err != nil {
		return nil, err
	}

	odo, err := coerceFloat(doc["odometer_value"], "odometer_value")
	if err != nil {
		return nil, err
	}
	d := int64(math.Floor(odo))
	r.DigitalInt = &d

	if v, ok := doc["dial_value"]; ok {
		n, err := coerceFloat(v, "dial_value")
		if err != nil {
			return nil, err
		}
		r.DialFraction = &n
	}
	if v, ok := doc["needle_angle_degrees"]; ok {
		n, err := coerceFloat(v, "needle_angle_degrees")
		if err != nil {
			return nil, err
		}
		r.DialAngleDeg = &n
	}
	if v, ok := doc["notes"]; ok {
		r.Notes, _ = v.(string)
	}

	if err := applyTotal(r, doc, meter); err != nil {
		return nil, err
	}
	collectExtras(r, doc, simpleFields)
	return r, nil
}

// applyTotal uses the model's total when present, otherwise derives it from
// the components: digital + dial fraction for dial meters, digital alone for
// digital-only meters.
func applyTotal(r *Reading, doc map[string]interface{}, meter config.Meter) error {
	if v, ok := doc["total_reading"]; ok {
		n, err := coerceFloat(v, "total_reading")
		if err != nil {
			return err
		}
		r.Total = n
		return nil
	}
	if r.DigitalInt == nil {
		return parseErrorf("neither total_reading nor components present")
	}
	r.Total = float64(*r.DigitalInt)
	if meter.MeterKind == config.KindDigitalPlusDial && r.DialFraction != nil {
		r.Total += *r.DialFraction
	}
	return nil
}

func applyConfidence(r *Reading, v interface{}) error {
	switch val := v.(type) {
	case string:
		switch Confidence(val) {
		case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
			r.Confidence = Confidence(val)
			return nil
		}
		// Some models answer "0.9" as a string.
		if score, err := strconv.ParseFloat(val, 64); err == nil {
			r.Confidence = ConfidenceFromNumeric(score)
			r.ConfidenceNumeric = &score
			return nil
		}
		return parseErrorf("unknown confidence %q", val)
	case json.Number:
		score, err := val.Float64()
		if err != nil {
			return parseErrorf("bad confidence number %q", val.String())
		}
		r.Confidence = ConfidenceFromNumeric(score)
		r.ConfidenceNumeric = &score
		return nil
	default:
		return parseErrorf("confidence has unexpected type %T", v)
	}
}

func coerceFloat(v interface{}, field string) (float64, error) {
	switch val := v.(type) {
	case json.Number:
		n, err := val.Float64()
		if err != nil {
			return 0, parseErrorf("%s: bad number %q", field, val.String())
		}
		return n, nil
	case string:
		n, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, parseErrorf("%s: cannot coerce %q to number", field, val)
		}
		return n, nil
	case nil:
		return 0, parseErrorf("%s: missing", field)
	default:
		return 0, parseErrorf("%s: unexpected type %T", field, v)
	}
}

// collectExtras preserves unknown fields as opaque strings so odd model
// output survives for review without widening the canonical schema.
func collectExtras(r *Reading, doc map[string]interface{}, known map[string]bool) {
	for k, v := range doc {
		if known[k] {
			continue
		}
		if r.NotesExtra == nil {
			r.NotesExtra = map[string]string{}
		}
		r.NotesExtra[k] = fmt.Sprintf("%v", v)
	}
}

// extractObject returns the first balanced top-level JSON object in raw,
// skipping any prose or markdown fencing around it. String literals are
// honored so braces inside notes do not confuse the scan.
func extractObject(raw []byte) ([]byte, error) {
	start := bytes.IndexByte(raw, '{')
	if start < 0 {
		return nil, parseErrorf("no JSON object in provider output")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], nil
			}
		}
	}
	return nil, parseErrorf("unterminated JSON object in provider output")
}

// stripComments removes // line comments and /* */ block comments outside of
// string literals. Some models insist on annotating their JSON.
func stripComments(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(raw) && raw[i+1] == '/':
			for i < len(raw) && raw[i] != '\n' {
				i++
			}
			if i < len(raw) {
				out = append(out, '\n')
			}
		case c == '/' && i+1 < len(raw) && raw[i+1] == '*':
			i += 2
			for i+1 < len(raw) && !(raw[i] == '*' && raw[i+1] == '/') {
				i++
			}
			i++ // skip the closing '/'
		default:
			out = append(out, c)
		}
	}
	return out
}
