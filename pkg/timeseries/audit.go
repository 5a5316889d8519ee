// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package timeseries

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/meterview/meterview/pkg/reading"
)

// auditLog is the append-only JSONL trail, one reading per line. It is the
// authoritative record; the time-series store is an index over it.
type auditLog struct {
	dir string
}

func newAuditLog(root string) (*auditLog, error) {
	dir := filepath.Join(root, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot open audit log dir: %w", err)
	}
	return &auditLog{dir: dir}, nil
}

func (l *auditLog) path(meterName string) string {
	return filepath.Join(l.dir, meterName+"_readings.jsonl")
}

// append writes one reading as a newline-framed JSON object.
func (l *auditLog) append(r *reading.Reading) error {
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.path(r.MeterName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return err
	}
	return f.Sync()
}

// scan walks the meter's audit file in append order, calling fn per reading
// until fn returns false. A missing file yields no readings.
func (l *auditLog) scan(meterName string, fn func(r reading.Reading) bool) error {
	f, err := os.Open(l.path(meterName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var r reading.Reading
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			// A torn final line from a crash is tolerated.
			continue
		}
		if !fn(r) {
			return nil
		}
	}
	return scanner.Err()
}

// latest returns the newest reading in the audit file, nil when empty.
func (l *auditLog) latest(meterName string) (*reading.Reading, error) {
	var last *reading.Reading
	err := l.scan(meterName, func(r reading.Reading) bool {
		last = &r
		return true
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// queryRange returns readings with t0 <= timestamp <= t1 in append order.
func (l *auditLog) queryRange(meterName string, t0, t1 time.Time) ([]reading.Reading, error) {
	var out []reading.Reading
	err := l.scan(meterName, func(r reading.Reading) bool {
		if !r.Timestamp.Before(t0) && !r.Timestamp.After(t1) {
			out = append(out, r)
		}
		return true
	})
	return out, err
}
