// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package archive stores captured meter snapshots: the JPEG frame plus a
// JSON sidecar mirroring the reading it produced. Files are immutable after
// write; pruning removes image and sidecar as a pair.
//
// Layout: <root>/meter_snapshots/<meter>/<meter>_<YYYYMMDDTHHMMSSZ>.jpg
// with the sidecar next to it as .json and the raw provider response as
// _raw.txt. Writers go through atomic temp-file renames, so readers never
// observe partial files. Per-meter write serialization is the caller's job
// (the meter monitor holds the per-meter mutex).
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/meterview/meterview/pkg/reading"
	"github.com/meterview/meterview/pkg/telemetry"
	"github.com/meterview/meterview/pkg/util/log"
)

// TimestampLayout is the basic-ISO UTC layout used in snapshot ids.
const TimestampLayout = "20060102T150405Z"

const snapshotsDir = "meter_snapshots"

// ErrNotFound means the referenced snapshot does not exist (possibly
// pruned).
var ErrNotFound = errors.New("snapshot not found")

// Ref identifies one archived snapshot.
type Ref struct {
	ID          string `json:"id"`
	MeterName   string `json:"meter_name"`
	ImagePath   string `json:"-"`
	SidecarPath string `json:"-"`
}

// Sidecar is the metadata written next to each image.
type Sidecar struct {
	reading.Reading
	ImageSize       int    `json:"image_size"`
	ImageHashSHA256 string `json:"image_hash_sha256"`
	CameraEndpoint  string `json:"camera_endpoint"`
}

// Archive owns the snapshot tree under one root directory.
type Archive struct {
	root string
}

// Open ensures the archive root exists and garbage-collects leftovers from
// a previous crash: orphan temp files, and images or sidecars whose pair is
// missing.
func Open(root string) (*Archive, error) {
	a := &Archive{root: filepath.Join(root, snapshotsDir)}
	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return nil, fmt.Errorf("cannot open archive root: %w", err)
	}
	a.gc()
	return a, nil
}

// MakeID builds the snapshot id for a meter and capture time. One capture
// per meter per second keeps ids collision-free.
func MakeID(meterName string, ts time.Time) string {
	return fmt.Sprintf("%s_%s", meterName, ts.UTC().Format(TimestampLayout))
}

func (a *Archive) meterDir(meterName string) string {
	return filepath.Join(a.root, meterName)
}

func (a *Archive) paths(meterName, id string) (imagePath, sidecarPath, rawPath string) {
	dir := a.meterDir(meterName)
	return filepath.Join(dir, id+".jpg"), filepath.Join(dir, id+".json"), filepath.Join(dir, id+"_raw.txt")
}

// Put archives a capture. It stamps SnapshotRef (and RawResponseRef when a
// raw response is given) on the reading, then writes image, optional raw
// response and sidecar, the sidecar last so a complete sidecar implies a
// complete image.
func (a *Archive) Put(meterName string, image []byte, r *reading.Reading, rawResponse, cameraEndpoint string) (*Ref, error) {
	if err := os.MkdirAll(a.meterDir(meterName), 0o755); err != nil {
		return nil, err
	}

	id := MakeID(meterName, r.Timestamp)
	imagePath, sidecarPath, rawPath := a.paths(meterName, id)

	r.SnapshotRef = id
	if rawResponse != "" {
		r.RawResponseRef = id
	}

	hash := sha256.Sum256(image)
	sidecar := Sidecar{
		Reading:         *r,
		ImageSize:       len(image),
		ImageHashSHA256: hex.EncodeToString(hash[:]),
		CameraEndpoint:  cameraEndpoint,
	}
	sidecarJSON, err := json.Marshal(&sidecar)
	if err != nil {
		return nil, err
	}

	if err := atomicWrite(imagePath, image); err != nil {
		return nil, err
	}
	if rawResponse != "" {
		if err := atomicWrite(rawPath, []byte(rawResponse)); err != nil {
			return nil, err
		}
	}
	if err := atomicWrite(sidecarPath, sidecarJSON); err != nil {
		return nil, err
	}

	return &Ref{ID: id, MeterName: meterName, ImagePath: imagePath, SidecarPath: sidecarPath}, nil
}

// GetImage returns the archived frame bytes.
func (a *Archive) GetImage(meterName, id string) ([]byte, error) {
	imagePath, _, _ := a.paths(meterName, id)
	b, err := os.ReadFile(imagePath)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return b, err
}

// GetSidecar returns the parsed sidecar for a snapshot.
func (a *Archive) GetSidecar(meterName, id string) (*Sidecar, error) {
	_, sidecarPath, _ := a.paths(meterName, id)
	b, err := os.ReadFile(sidecarPath)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sc Sidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		return nil, fmt.Errorf("corrupt sidecar %s: %w", id, err)
	}
	return &sc, nil
}

// List returns snapshot refs for a meter, newest first. When beforeID is
// set, only snapshots strictly older than it are returned. The fixed
// timestamp layout makes ids sort chronologically.
func (a *Archive) List(meterName string, limit int, beforeID string) ([]Ref, error) {
	entries, err := os.ReadDir(a.meterDir(meterName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	refs := make([]Ref, 0, limit)
	for _, id := range ids {
		if beforeID != "" && id >= beforeID {
			continue
		}
		imagePath, sidecarPath, _ := a.paths(meterName, id)
		refs = append(refs, Ref{ID: id, MeterName: meterName, ImagePath: imagePath, SidecarPath: sidecarPath})
		if limit > 0 && len(refs) >= limit {
			break
		}
	}
	return refs, nil
}

// Prune applies the retention limits for one meter, oldest snapshots first.
// Image, sidecar and raw response are removed together. Pruning twice is a
// no-op the second time.
func (a *Archive) Prune(meterName string, maxAge time.Duration, maxCount int) error {
	refs, err := a.List(meterName, 0, "")
	if err != nil {
		return err
	}

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().UTC().Add(-maxAge)
	}

	pruned := 0
	for i, ref := range refs {
		drop := maxCount > 0 && i >= maxCount
		if !drop && !cutoff.IsZero() {
			if ts, ok := timestampOf(ref.ID, meterName); ok && ts.Before(cutoff) {
				drop = true
			}
		}
		if !drop {
			continue
		}
		a.removePair(meterName, ref.ID)
		pruned++
	}
	if pruned > 0 {
		telemetry.SnapshotsPruned.WithLabelValues(meterName).Add(float64(pruned))
		log.Debugf("Pruned %d snapshots for meter %s", pruned, meterName)
	}
	return nil
}

func (a *Archive) removePair(meterName, id string) {
	imagePath, sidecarPath, rawPath := a.paths(meterName, id)
	// Sidecar first: a snapshot without a sidecar is already invisible to List.
	for _, p := range []string{sidecarPath, imagePath, rawPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warnf("Cannot remove %s: %v", p, err) //nolint:errcheck
		}
	}
}

func timestampOf(id, meterName string) (time.Time, bool) {
	suffix := strings.TrimPrefix(id, meterName+"_")
	ts, err := time.Parse(TimestampLayout, suffix)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// gc removes temp files and unpaired snapshot halves left by a crash.
func (a *Archive) gc() {
	meters, err := os.ReadDir(a.root)
	if err != nil {
		return
	}
	for _, meter := range meters {
		if !meter.IsDir() {
			continue
		}
		dir := filepath.Join(a.root, meter.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		have := map[string]bool{}
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, tmpPrefix) {
				log.Debugf("Removing orphan temp file %s", name)
				os.Remove(filepath.Join(dir, name)) //nolint:errcheck
				continue
			}
			have[name] = true
		}

		for name := range have {
			var id string
			switch {
			case strings.HasSuffix(name, ".jpg"):
				id = strings.TrimSuffix(name, ".jpg")
			case strings.HasSuffix(name, ".json"):
				id = strings.TrimSuffix(name, ".json")
			default:
				continue
			}
			if have[id+".jpg"] && have[id+".json"] {
				continue
			}
			log.Warnf("Removing unpaired snapshot files for %s", id) //nolint:errcheck
			a.removePair(meter.Name(), id)
		}
	}
}

const tmpPrefix = ".tmp-"

// atomicWrite writes data to path via a temp file in the same directory,
// fsyncs and renames.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, tmpPrefix+filepath.Base(path))
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
