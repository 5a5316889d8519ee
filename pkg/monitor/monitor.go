// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package monitor runs the per-meter capture, read, validate, persist cycle.
// One Monitor owns one meter: its timer, its last-reading cache and the
// mutex that serializes scheduled cycles, manual captures and reprocessing.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meterview/meterview/pkg/archive"
	"github.com/meterview/meterview/pkg/camera"
	"github.com/meterview/meterview/pkg/config"
	"github.com/meterview/meterview/pkg/reading"
	"github.com/meterview/meterview/pkg/telemetry"
	"github.com/meterview/meterview/pkg/timeseries"
	"github.com/meterview/meterview/pkg/util/log"
	"github.com/meterview/meterview/pkg/vision"
)

// State names one phase of the cycle state machine.
type State string

// Monitor states.
const (
	StateIdle       State = "idle"
	StateCapturing  State = "capturing"
	StateReading    State = "reading"
	StateValidating State = "validating"
	StatePersisting State = "persisting"
	StateBackoff    State = "backoff"
)

// Backoff parameters: after N consecutive failures the next attempt runs
// base*2^(N-1) seconds later, capped.
const (
	backoffBase = 5 * time.Second
	backoffCap  = 300 * time.Second
)

// maxCycleDeadline bounds a cycle even on long intervals.
const maxCycleDeadline = 90 * time.Second

// ErrCycleTimeout marks a cycle that overran its deadline; it is handled
// like a camera failure.
var ErrCycleTimeout = errors.New("cycle timeout")

// Event is emitted on the sink after every successfully persisted reading.
type Event struct {
	MeterName string
	Reading   *reading.Reading
}

// ProviderResolver returns the vision backend for a configured target.
// Implementations may memoize; the monitor calls it once per attempt.
type ProviderResolver func(target config.VisionTarget) (vision.Provider, error)

// Deps are the collaborators a Monitor drives. All of them are shared
// across monitors and safe for concurrent use.
type Deps struct {
	Camera    *camera.Client
	Archive   *archive.Archive
	Writer    *timeseries.Writer
	Providers ProviderResolver
	Events    chan<- Event
}

// Status is the externally visible state of one monitor.
type Status struct {
	Meter               string           `json:"meter"`
	State               State            `json:"state"`
	LastSuccessAt       time.Time        `json:"last_success_at"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastError           string           `json:"last_error,omitempty"`
	NextAttemptAt       time.Time        `json:"next_attempt_at"`
	LastReading         *reading.Reading `json:"last_reading,omitempty"`
}

// Monitor is the per-meter state machine.
type Monitor struct {
	meter config.Meter
	deps  Deps

	// cycleMu serializes scheduled cycles with manual captures and
	// reprocessing. Archive pruning for this meter also runs under it.
	cycleMu sync.Mutex

	// statusMu guards the fields below.
	statusMu            sync.Mutex
	state               State
	lastReading         *reading.Reading
	lastSuccessAt       time.Time
	consecutiveFailures int
	lastError           string
	nextAttemptAt       time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a monitor for the meter, seeding the last-reading cache from
// the audit log so validation context survives restarts.
func New(meter config.Meter, deps Deps) *Monitor {
	m := &Monitor{
		meter: meter,
		deps:  deps,
		state: StateIdle,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if last, err := deps.Writer.QueryLatest(meter.Name); err == nil && last != nil {
		m.lastReading = last
		log.Debugf("Meter %s: seeded last reading %v from audit log", meter.Name, last.Total)
	}
	return m
}

// Meter returns the meter definition this monitor runs.
func (m *Monitor) Meter() config.Meter { return m.meter }

func (m *Monitor) interval() time.Duration {
	return time.Duration(m.meter.ReadingIntervalSeconds) * time.Second
}

// Run drives the cycle timer until Stop. The first cycle runs immediately;
// later cycles are anchored to the start epoch so the cadence does not
// drift with cycle duration. Failures reschedule on the backoff curve
// instead.
func (m *Monitor) Run() {
	defer close(m.done)

	epoch := time.Now().Truncate(time.Second)
	log.Infof("Meter %s: monitoring every %s", m.meter.Name, m.interval())

	for {
		_, err := m.runScheduledCycle()

		var wait time.Duration
		if err != nil && m.backoffApplies(err) {
			failures := m.failureCount()
			wait = backoffDelay(failures)
			m.setNextAttempt(time.Now().Add(wait), StateBackoff)
			log.Warnf("Meter %s: %d consecutive failures, next attempt in %s", m.meter.Name, failures, wait) //nolint:errcheck
		} else {
			wait = untilNextTick(epoch, m.interval(), time.Now())
			m.setNextAttempt(time.Now().Add(wait), StateIdle)
		}

		select {
		case <-m.stop:
			return
		case <-time.After(wait):
		}
	}
}

// Stop signals the run loop. The in-flight cycle completes its persist step
// before the loop exits; Wait blocks until then.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Wait blocks until the run loop has exited.
func (m *Monitor) Wait() {
	<-m.done
}

// Done exposes completion for the orchestrator's grace-deadline select.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// untilNextTick returns the wait until the next interval boundary after
// now, anchored at epoch and aligned to whole seconds.
func untilNextTick(epoch time.Time, interval time.Duration, now time.Time) time.Duration {
	elapsed := now.Sub(epoch)
	n := elapsed/interval + 1
	return epoch.Add(n * interval).Sub(now)
}

func backoffDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := backoffBase << uint(failures-1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	return d
}

func (m *Monitor) runScheduledCycle() (*reading.Reading, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	select {
	case <-m.stop:
		return nil, nil
	default:
	}
	return m.cycle(context.Background(), nil)
}

// CaptureOnce runs one cycle outside the schedule, e.g. for the manual
// trigger endpoint. It shares the per-meter mutex with scheduled cycles.
func (m *Monitor) CaptureOnce(ctx context.Context) (*reading.Reading, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()
	return m.cycle(ctx, nil)
}

func (m *Monitor) cycleDeadline() time.Duration {
	d := m.interval() - time.Second
	if d > maxCycleDeadline || d <= 0 {
		d = maxCycleDeadline
	}
	return d
}

// cycle runs capture, read, validate, persist once. When fromSnapshot is
// set the capture step is replaced by the archived image (reprocess path).
func (m *Monitor) cycle(ctx context.Context, fromSnapshot *reprocessSource) (*reading.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cycleDeadline())
	defer cancel()

	var img []byte
	var err error

	if fromSnapshot != nil {
		img = fromSnapshot.image
	} else {
		m.setState(StateCapturing)
		img, err = m.deps.Camera.Fetch(ctx, m.meter)
		if err != nil {
			err = m.wrapTimeout(ctx, err)
			m.recordFailure(err, errorKind(err))
			return nil, err
		}
	}

	captureTime := time.Now().UTC().Truncate(time.Millisecond)

	m.setState(StateReading)
	raw, parsed, err := m.readWithFallback(ctx, img)
	if err != nil {
		err = m.wrapTimeout(ctx, err)
		m.recordFailure(err, errorKind(err))
		return nil, err
	}

	m.setState(StateValidating)
	parsed.MeterName = m.meter.Name
	parsed.Timestamp = captureTime
	parsed.VisionProvider = raw.Provider
	parsed.VisionModel = raw.Model
	parsed.PromptProfile = m.promptProfileOf(raw)
	if fromSnapshot != nil {
		parsed.SnapshotRef = fromSnapshot.id
		parsed.ReprocessedFrom = fromSnapshot.originalTimestamp
	}

	prev := m.LastReading()
	if err := reading.Validate(parsed, prev, m.meter); err != nil {
		if errors.Is(err, reading.ErrDuplicateCapture) {
			log.Debugf("Meter %s: duplicate capture, skipping writes", m.meter.Name)
			telemetry.CycleRuns.WithLabelValues(m.meter.Name, "duplicate").Inc()
			m.setState(StateIdle)
			return nil, err
		}
		m.recordFailure(err, errorKind(err))
		return nil, err
	}

	m.setState(StatePersisting)
	if fromSnapshot == nil {
		if _, err := m.deps.Archive.Put(m.meter.Name, img, parsed, raw.JSONText, m.meter.Camera.EndpointURL); err != nil {
			err = fmt.Errorf("archive: %w", err)
			m.recordFailure(err, "WriteError")
			return nil, err
		}
	}
	if err := m.deps.Writer.Append(ctx, parsed); err != nil {
		m.recordFailure(err, "WriteError")
		return nil, err
	}

	m.recordSuccess(parsed, fromSnapshot == nil)
	m.pruneArchive()

	if m.deps.Events != nil {
		select {
		case m.deps.Events <- Event{MeterName: m.meter.Name, Reading: parsed}:
		default:
		}
	}
	return parsed, nil
}

type reprocessSource struct {
	id                string
	image             []byte
	originalTimestamp string
}

// Reprocess re-runs the read pipeline on an archived image. The new reading
// references the same snapshot and records the source reading's timestamp;
// the image file is untouched and the last-reading cache is not updated.
func (m *Monitor) Reprocess(ctx context.Context, snapshotID string) (*reading.Reading, error) {
	img, err := m.deps.Archive.GetImage(m.meter.Name, snapshotID)
	if err != nil {
		return nil, err
	}
	sidecar, err := m.deps.Archive.GetSidecar(m.meter.Name, snapshotID)
	if err != nil {
		return nil, err
	}

	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	return m.cycle(ctx, &reprocessSource{
		id:                snapshotID,
		image:             img,
		originalTimestamp: sidecar.Timestamp.Format(time.RFC3339Nano),
	})
}

// readWithFallback walks the provider chain. A provider error or a
// low-confidence reading moves on to the next target; the last target's
// result stands even at low confidence. When every provider errors the
// cycle fails with ErrUnavailable.
func (m *Monitor) readWithFallback(ctx context.Context, img []byte) (*vision.Raw, *reading.Reading, error) {
	targets := append([]config.VisionTarget{m.meter.Vision.Primary}, m.meter.Vision.Fallbacks...)

	var (
		bestRaw    *vision.Raw
		bestParsed *reading.Reading
		lastErr    error
	)

	for i, target := range targets {
		provider, err := m.deps.Providers(target)
		if err != nil {
			lastErr = err
			continue
		}

		raw, err := provider.Read(ctx, img, target.Model, target.PromptProfile)
		if err != nil {
			telemetry.ProviderCalls.WithLabelValues(target.Provider, target.Model, "error").Inc()
			log.Warnf("Meter %s: provider %s/%s failed: %v", m.meter.Name, target.Provider, target.Model, err) //nolint:errcheck
			lastErr = err
			continue
		}
		telemetry.ProviderCalls.WithLabelValues(target.Provider, target.Model, "ok").Inc()
		telemetry.ProviderTokens.WithLabelValues(target.Provider, target.Model, "in").Add(float64(raw.TokensIn))
		telemetry.ProviderTokens.WithLabelValues(target.Provider, target.Model, "out").Add(float64(raw.TokensOut))

		parsed, err := reading.Parse(raw.JSONText, m.meter)
		if err != nil {
			log.Warnf("Meter %s: cannot parse %s/%s output: %v", m.meter.Name, target.Provider, target.Model, err) //nolint:errcheck
			lastErr = err
			continue
		}

		bestRaw, bestParsed = raw, parsed
		if parsed.Confidence != reading.ConfidenceLow {
			return raw, parsed, nil
		}
		if i < len(targets)-1 {
			log.Infof("Meter %s: %s/%s returned low confidence, trying fallback", m.meter.Name, target.Provider, target.Model)
		}
	}

	if bestParsed != nil {
		return bestRaw, bestParsed, nil
	}
	if lastErr == nil {
		lastErr = vision.ErrUnavailable
	}
	var parseErr *reading.ParseError
	if errors.As(lastErr, &parseErr) {
		return nil, nil, lastErr
	}
	return nil, nil, fmt.Errorf("%w: %v", vision.ErrUnavailable, lastErr)
}

func (m *Monitor) promptProfileOf(raw *vision.Raw) string {
	if raw.Provider == m.meter.Vision.Primary.Provider && raw.Model == m.meter.Vision.Primary.Model {
		return m.meter.Vision.Primary.PromptProfile
	}
	for _, fb := range m.meter.Vision.Fallbacks {
		if raw.Provider == fb.Provider && raw.Model == fb.Model {
			return fb.PromptProfile
		}
	}
	return m.meter.Vision.Primary.PromptProfile
}

// wrapTimeout converts a deadline overrun into ErrCycleTimeout.
func (m *Monitor) wrapTimeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrCycleTimeout, m.cycleDeadline(), err)
	}
	return err
}

// backoffApplies says whether a failed cycle reschedules on the backoff
// curve. Parse failures and duplicate captures stay on the normal cadence:
// the camera is healthy, backing off would only widen the gap.
func (m *Monitor) backoffApplies(err error) bool {
	var parseErr *reading.ParseError
	if errors.As(err, &parseErr) {
		return false
	}
	return !errors.Is(err, reading.ErrDuplicateCapture)
}

func errorKind(err error) string {
	var camErr *camera.Error
	var httpErr *vision.HTTPError
	var parseErr *reading.ParseError
	var writeErr *timeseries.WriteError
	switch {
	case errors.Is(err, ErrCycleTimeout):
		return "CycleTimeout"
	case errors.As(err, &camErr):
		return string(camErr.Kind)
	case errors.Is(err, vision.ErrRateLimited):
		return "ProviderRateLimited"
	case errors.Is(err, vision.ErrUnavailable):
		return "VisionUnavailable"
	case errors.As(err, &httpErr):
		return "ProviderHTTPError"
	case errors.As(err, &parseErr):
		return "ParseError"
	case errors.As(err, &writeErr):
		return "WriteError"
	default:
		return "Unknown"
	}
}

func (m *Monitor) recordFailure(err error, kind string) {
	telemetry.CycleRuns.WithLabelValues(m.meter.Name, "failure").Inc()
	telemetry.CycleErrors.WithLabelValues(m.meter.Name, kind).Inc()

	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.consecutiveFailures++
	m.lastError = fmt.Sprintf("%s: %v", kind, err)
	m.state = StateIdle
	log.Errorf("Meter %s: cycle failed (%s): %v", m.meter.Name, kind, err)
}

func (m *Monitor) recordSuccess(r *reading.Reading, updateCache bool) {
	telemetry.CycleRuns.WithLabelValues(m.meter.Name, "success").Inc()

	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.consecutiveFailures = 0
	m.lastError = ""
	m.lastSuccessAt = time.Now()
	m.state = StateIdle
	if updateCache {
		m.lastReading = r
	}
	log.Infof("Meter %s: reading %v %s (confidence %s, %s/%s)",
		m.meter.Name, r.Total, m.meter.Unit, r.Confidence, r.VisionProvider, r.VisionModel)
}

func (m *Monitor) pruneArchive() {
	ret := m.meter.Retention
	if ret.MaxAgeHours == 0 && ret.MaxCount == 0 {
		return
	}
	maxAge := time.Duration(ret.MaxAgeHours) * time.Hour
	if err := m.deps.Archive.Prune(m.meter.Name, maxAge, ret.MaxCount); err != nil {
		log.Warnf("Meter %s: prune failed: %v", m.meter.Name, err) //nolint:errcheck
	}
}

func (m *Monitor) setState(s State) {
	m.statusMu.Lock()
	m.state = s
	m.statusMu.Unlock()
}

func (m *Monitor) setNextAttempt(t time.Time, s State) {
	m.statusMu.Lock()
	m.nextAttemptAt = t
	m.state = s
	m.statusMu.Unlock()
}

func (m *Monitor) failureCount() int {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.consecutiveFailures
}

// LastReading returns the cached last successful reading, nil when none.
func (m *Monitor) LastReading() *reading.Reading {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.lastReading
}

// Status snapshots the monitor state for the status endpoint.
func (m *Monitor) Status() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return Status{
		Meter:               m.meter.Name,
		State:               m.state,
		LastSuccessAt:       m.lastSuccessAt,
		ConsecutiveFailures: m.consecutiveFailures,
		LastError:           m.lastError,
		NextAttemptAt:       m.nextAttemptAt,
		LastReading:         m.lastReading,
	}
}
