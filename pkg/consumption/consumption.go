// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package consumption turns the rolling meter counter into per-bucket usage
// deltas, on demand. Results are briefly cached so a dashboard refreshing
// every few seconds does not rescan history each time.
package consumption

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/meterview/meterview/pkg/reading"
)

// maxCacheTTL caps how stale a cached aggregation may be.
const maxCacheTTL = 5 * time.Minute

// Bucket is one aggregation window. DeltaUnits is max-min of the readings
// inside it, clamped to zero; empty buckets report zero.
type Bucket struct {
	MeterName   string    `json:"meter_name"`
	BucketStart time.Time `json:"bucket_start"`
	BucketEnd   time.Time `json:"bucket_end"`
	DeltaUnits  float64   `json:"delta_units"`
}

// RangeQuerier is the slice of the time-series writer the aggregator needs.
type RangeQuerier interface {
	QueryRange(meterName string, t0, t1 time.Time) ([]reading.Reading, error)
}

// Aggregator computes consumption buckets over persisted readings.
type Aggregator struct {
	source RangeQuerier
	cache  *gocache.Cache
}

// New returns an aggregator over the given reading source.
func New(source RangeQuerier) *Aggregator {
	return &Aggregator{
		source: source,
		cache:  gocache.New(maxCacheTTL, 10*time.Minute),
	}
}

// Aggregate partitions the last period into equal interval-wide buckets
// ending now and computes each bucket's usage delta.
func (a *Aggregator) Aggregate(meterName string, period, interval time.Duration) ([]Bucket, error) {
	if interval <= 0 || period <= 0 {
		return nil, fmt.Errorf("consumption: period and interval must be positive")
	}
	if interval > period {
		interval = period
	}

	key := fmt.Sprintf("%s|%s|%s", meterName, period, interval)
	if cached, ok := a.cache.Get(key); ok {
		return cached.([]Bucket), nil
	}

	end := time.Now().UTC().Truncate(interval).Add(interval)
	start := end.Add(-period)

	readings, err := a.source.QueryRange(meterName, start, end)
	if err != nil {
		return nil, err
	}

	n := int(period / interval)
	buckets := make([]Bucket, n)
	type minmax struct {
		min, max float64
		seen     bool
	}
	stats := make([]minmax, n)

	for _, r := range readings {
		i := int(r.Timestamp.Sub(start) / interval)
		if i < 0 || i >= n {
			continue
		}
		s := &stats[i]
		if !s.seen {
			s.min, s.max, s.seen = r.Total, r.Total, true
			continue
		}
		if r.Total < s.min {
			s.min = r.Total
		}
		if r.Total > s.max {
			s.max = r.Total
		}
	}

	for i := range buckets {
		delta := 0.0
		if stats[i].seen {
			delta = stats[i].max - stats[i].min
			if delta < 0 {
				delta = 0
			}
		}
		buckets[i] = Bucket{
			MeterName:   meterName,
			BucketStart: start.Add(time.Duration(i) * interval),
			BucketEnd:   start.Add(time.Duration(i+1) * interval),
			DeltaUnits:  delta,
		}
	}

	a.cache.Set(key, buckets, cacheTTL(interval))
	return buckets, nil
}

func cacheTTL(interval time.Duration) time.Duration {
	ttl := interval / 4
	if ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
