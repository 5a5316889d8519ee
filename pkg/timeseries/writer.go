// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package timeseries persists readings twice: as points in InfluxDB for
// queries and dashboards, and as an append-only JSONL audit trail which is
// the authoritative record. Failed point writes are queued and replayed in
// order by a background worker.
package timeseries

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/meterview/meterview/pkg/config"
	"github.com/meterview/meterview/pkg/reading"
	"github.com/meterview/meterview/pkg/telemetry"
	"github.com/meterview/meterview/pkg/util/log"
)

const (
	measurement    = "meter_reading"
	replayInterval = 30 * time.Second
)

// WriteError is a persistence failure on the audit trail. Primary-store
// failures are not surfaced as errors; they set ts_write_failed and queue a
// replay.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("timeseries: %v", e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// Writer owns the audit log, the primary store connection and the replay
// queue. Per-meter call ordering is the caller's responsibility; the writer
// preserves whatever order it is given.
type Writer struct {
	influx   influxdb2.Client
	writeAPI influxapi.WriteAPIBlocking
	audit    *auditLog
	queue    *retryQueue

	stop chan struct{}
	done chan struct{}
}

// NewWriter opens the audit log and retry queue under root and connects to
// the primary store when a TIMESERIES_URL is configured. Without one, the
// agent runs audit-only.
func NewWriter(root string, settings config.Settings) (*Writer, error) {
	audit, err := newAuditLog(root)
	if err != nil {
		return nil, err
	}
	queue, err := openRetryQueue(root)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		audit: audit,
		queue: queue,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	if settings.TimeseriesURL != "" {
		w.influx = influxdb2.NewClient(settings.TimeseriesURL, settings.TimeseriesToken)
		w.writeAPI = w.influx.WriteAPIBlocking(settings.TimeseriesOrg, settings.TimeseriesBucket)
		log.Infof("Time-series store: %s org=%s bucket=%s", settings.TimeseriesURL, settings.TimeseriesOrg, settings.TimeseriesBucket)
	} else {
		log.Warnf("TIMESERIES_URL not set, running audit-log only") //nolint:errcheck
	}

	go w.replayLoop()
	return w, nil
}

// Close stops the replay worker and releases the store handles.
func (w *Writer) Close() {
	close(w.stop)
	<-w.done
	if w.influx != nil {
		w.influx.Close()
	}
	w.queue.close() //nolint:errcheck
}

// Append persists one reading. The audit line is always written; a primary
// store failure flags the record with ts_write_failed and queues it for
// replay. Only an audit failure is an error.
func (w *Writer) Append(ctx context.Context, r *reading.Reading) error {
	if w.writeAPI != nil {
		if err := w.writePoint(ctx, r); err != nil {
			log.Warnf("Time-series write failed for meter %s, queueing replay: %v", r.MeterName, err) //nolint:errcheck
			telemetry.TimeseriesWriteFailures.WithLabelValues(r.MeterName).Inc()
			r.TSWriteFailed = true
			if qerr := w.queue.enqueue(r); qerr != nil {
				log.Errorf("Cannot queue reading for replay: %v", qerr)
			}
		}
	}

	if err := w.audit.append(r); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

func (w *Writer) writePoint(ctx context.Context, r *reading.Reading) error {
	tags := map[string]string{
		"meter":           r.MeterName,
		"confidence":      string(r.Confidence),
		"vision_provider": r.VisionProvider,
		"vision_model":    r.VisionModel,
	}
	fields := map[string]interface{}{
		"total": r.Total,
	}
	if r.DigitalInt != nil {
		fields["digital_int"] = *r.DigitalInt
	}
	if r.DialFraction != nil {
		fields["dial_fraction"] = *r.DialFraction
	}
	if r.DialAngleDeg != nil {
		fields["dial_angle_deg"] = *r.DialAngleDeg
	}

	pt := write.NewPoint(measurement, tags, fields, r.Timestamp)
	return w.writeAPI.WritePoint(ctx, pt)
}

// QueryLatest returns the newest persisted reading for a meter, nil when
// the meter has no history.
func (w *Writer) QueryLatest(meterName string) (*reading.Reading, error) {
	return w.audit.latest(meterName)
}

// QueryRange returns the readings in [t0, t1] in timestamp order.
func (w *Writer) QueryRange(meterName string, t0, t1 time.Time) ([]reading.Reading, error) {
	return w.audit.queryRange(meterName, t0, t1)
}

// PendingReplays returns the current retry queue depth, for status.
func (w *Writer) PendingReplays() int {
	return w.queue.size()
}

// replayLoop drains the retry queue whenever the primary store accepts
// writes again. Replays stop at the first failure per meter so the store
// sees each meter's points in timestamp order.
func (w *Writer) replayLoop() {
	defer close(w.done)
	if w.writeAPI == nil {
		<-w.stop
		return
	}

	ticker := time.NewTicker(replayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.replayPending()
		}
	}
}

func (w *Writer) replayPending() {
	pending, err := w.queue.pending()
	if err != nil {
		log.Errorf("Cannot read retry queue: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	failed := map[string]bool{}
	replayed := 0
	for i := range pending {
		r := &pending[i]
		if failed[r.MeterName] {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := w.writePoint(ctx, r)
		cancel()
		if err != nil {
			failed[r.MeterName] = true
			continue
		}
		if err := w.queue.remove(r); err != nil {
			log.Errorf("Cannot dequeue replayed reading: %v", err)
		}
		telemetry.TimeseriesReplays.WithLabelValues(r.MeterName).Inc()
		replayed++
	}
	if replayed > 0 {
		log.Infof("Replayed %d queued time-series points", replayed)
	}
}
