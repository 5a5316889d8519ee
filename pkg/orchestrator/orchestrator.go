// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package orchestrator owns the set of running meter monitors: it starts
// one per enabled meter, diffs config reloads into monitor lifecycle
// changes and aggregates status.
package orchestrator

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/meterview/meterview/pkg/archive"
	"github.com/meterview/meterview/pkg/camera"
	"github.com/meterview/meterview/pkg/config"
	"github.com/meterview/meterview/pkg/monitor"
	"github.com/meterview/meterview/pkg/timeseries"
	"github.com/meterview/meterview/pkg/util/log"
	"github.com/meterview/meterview/pkg/vision"
)

// Orchestrator holds the only strong references to the monitors. Monitors
// talk back through the event channel, never through the orchestrator.
type Orchestrator struct {
	store   *config.Store
	camera  *camera.Client
	archive *archive.Archive
	writer  *timeseries.Writer

	mu       sync.Mutex
	monitors map[string]*monitor.Monitor
	started  bool

	events     chan monitor.Event
	eventsDone chan struct{}

	providerMu sync.Mutex
	providers  map[string]vision.Provider
}

// New builds an orchestrator over the shared components.
func New(store *config.Store, cam *camera.Client, arc *archive.Archive, writer *timeseries.Writer) *Orchestrator {
	return &Orchestrator{
		store:      store,
		camera:     cam,
		archive:    arc,
		writer:     writer,
		monitors:   map[string]*monitor.Monitor{},
		events:     make(chan monitor.Event, 64),
		eventsDone: make(chan struct{}),
		providers:  map[string]vision.Provider{},
	}
}

// resolveProvider memoizes vision backends by provider name; every monitor
// shares the same backend instance per provider.
func (o *Orchestrator) resolveProvider(target config.VisionTarget) (vision.Provider, error) {
	o.providerMu.Lock()
	defer o.providerMu.Unlock()
	if p, ok := o.providers[target.Provider]; ok {
		return p, nil
	}
	p, err := vision.New(target)
	if err != nil {
		return nil, err
	}
	o.providers[target.Provider] = p
	return p, nil
}

func (o *Orchestrator) deps() monitor.Deps {
	return monitor.Deps{
		Camera:    o.camera,
		Archive:   o.archive,
		Writer:    o.writer,
		Providers: o.resolveProvider,
		Events:    o.events,
	}
}

// Start spawns one monitor per enabled meter and begins draining events.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}
	o.started = true

	go o.drainEvents()

	for _, meter := range o.store.Current().EnabledMeters() {
		o.startMonitorLocked(meter)
	}
	log.Infof("Orchestrator started with %d monitors", len(o.monitors))
	return nil
}

func (o *Orchestrator) startMonitorLocked(meter config.Meter) {
	m := monitor.New(meter, o.deps())
	o.monitors[meter.Name] = m
	go m.Run()
}

func (o *Orchestrator) drainEvents() {
	defer close(o.eventsDone)
	for ev := range o.events {
		log.Debugf("Reading ready: meter=%s total=%v", ev.MeterName, ev.Reading.Total)
	}
}

// Stop signals every monitor and waits until they exit or the grace
// deadline passes. Monitors still running at the deadline are abandoned;
// their persist step is atomic so no partial state is left behind.
func (o *Orchestrator) Stop(grace time.Duration) {
	o.mu.Lock()
	monitors := make([]*monitor.Monitor, 0, len(o.monitors))
	for _, m := range o.monitors {
		monitors = append(monitors, m)
	}
	o.mu.Unlock()

	for _, m := range monitors {
		m.Stop()
	}

	deadline := time.After(grace)
	for _, m := range monitors {
		select {
		case <-m.Done():
		case <-deadline:
			log.Warnf("Grace deadline reached, abandoning %d monitors", len(monitors)) //nolint:errcheck
			goto drained
		}
	}
drained:
	close(o.events)
	<-o.eventsDone
	log.Info("Orchestrator stopped")
}

// GetMonitor returns the running monitor for a meter.
func (o *Orchestrator) GetMonitor(name string) (*monitor.Monitor, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.monitors[name]
	return m, ok
}

// Status returns per-meter monitor status, sorted by meter name.
func (o *Orchestrator) Status() []monitor.Status {
	o.mu.Lock()
	monitors := make([]*monitor.Monitor, 0, len(o.monitors))
	for _, m := range o.monitors {
		monitors = append(monitors, m)
	}
	o.mu.Unlock()

	out := make([]monitor.Status, 0, len(monitors))
	for _, m := range monitors {
		out = append(out, m.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meter < out[j].Meter })
	return out
}

// ApplyConfig diffs a reloaded config against the running monitors:
// monitors for new or re-enabled meters start, monitors for removed or
// disabled meters stop, changed meters restart, unchanged ones keep
// running.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return
	}

	wanted := map[string]config.Meter{}
	for _, meter := range cfg.EnabledMeters() {
		wanted[meter.Name] = meter
	}

	// Plan first: mutating the monitor map while ranging over it would let
	// a just-restarted monitor be visited again and torn down.
	var toStop, toRestart []string
	for name, m := range o.monitors {
		newMeter, stillWanted := wanted[name]
		switch {
		case !stillWanted:
			toStop = append(toStop, name)
		case !reflect.DeepEqual(m.Meter(), newMeter):
			toRestart = append(toRestart, name)
		default:
			delete(wanted, name)
		}
	}

	for _, name := range toStop {
		log.Infof("Meter %s removed or disabled, stopping monitor", name)
		o.stopMonitorLocked(name, o.monitors[name])
	}
	for _, name := range toRestart {
		log.Infof("Meter %s changed, restarting monitor", name)
		meter := wanted[name]
		delete(wanted, name)
		o.stopMonitorLocked(name, o.monitors[name])
		o.startMonitorLocked(meter)
	}
	for _, meter := range wanted {
		log.Infof("Meter %s added, starting monitor", meter.Name)
		o.startMonitorLocked(meter)
	}
}

func (o *Orchestrator) stopMonitorLocked(name string, m *monitor.Monitor) {
	m.Stop()
	m.Wait()
	delete(o.monitors, name)
}

// WatchReloads applies config events until the context ends. It pairs with
// config.Store.Watch, which publishes on the same channel.
func (o *Orchestrator) WatchReloads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.store.Events():
			if !ok {
				return
			}
			if ev.Err != nil {
				continue // store kept the previous config
			}
			o.ApplyConfig(ev.Config)
		}
	}
}
