// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/meterview/meterview/pkg/util/log"
)

// ReloadEvent reports the outcome of a reload attempt.
type ReloadEvent struct {
	Config *Config // nil when Err is set
	Err    error
}

// Store owns the current configuration snapshot. Reads are lock-free;
// reloads swap the snapshot atomically and never expose a partially-loaded
// config.
type Store struct {
	metersPath  string
	pricingPath string

	current  atomic.Value // *Config
	reloadMu sync.Mutex
	events   chan ReloadEvent
}

// NewStore loads the initial configuration and returns a store for it.
func NewStore(metersPath, pricingPath string) (*Store, error) {
	cfg, err := Load(metersPath, pricingPath)
	if err != nil {
		return nil, err
	}
	s := &Store{
		metersPath:  metersPath,
		pricingPath: pricingPath,
		events:      make(chan ReloadEvent, 8),
	}
	s.current.Store(cfg)
	return s, nil
}

// Current returns the latest valid configuration snapshot.
func (s *Store) Current() *Config {
	return s.current.Load().(*Config)
}

// Events returns the channel carrying reload outcomes.
func (s *Store) Events() <-chan ReloadEvent {
	return s.events
}

// Reload re-parses both files. On failure the previous snapshot is kept and
// the error is published on the event channel.
func (s *Store) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	cfg, err := Load(s.metersPath, s.pricingPath)
	if err != nil {
		log.Errorf("Config reload failed, keeping previous config: %v", err)
		s.publish(ReloadEvent{Err: err})
		return err
	}
	s.current.Store(cfg)
	log.Infof("Config reloaded: %d meters (%d enabled)", len(cfg.Meters), len(cfg.EnabledMeters()))
	s.publish(ReloadEvent{Config: cfg})
	return nil
}

func (s *Store) publish(ev ReloadEvent) {
	select {
	case s.events <- ev:
	default:
		log.Warnf("Config event channel full, dropping event") //nolint:errcheck
	}
}

// watchDebounce coalesces editor write bursts into a single reload.
const watchDebounce = 500 * time.Millisecond

// Watch follows both config files until the context is cancelled, reloading
// on change. Watching the parent directories keeps atomic-rename saves
// (vim, sed -i) visible.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := map[string]bool{filepath.Dir(s.metersPath): true}
	if s.pricingPath != "" {
		dirs[filepath.Dir(s.pricingPath)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
	}

	go func() {
		defer watcher.Close()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !s.isConfigPath(ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				log.Debugf("Config file event: %s", ev)
				pending = time.After(watchDebounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("Config watcher error: %v", err) //nolint:errcheck
			case <-pending:
				pending = nil
				s.Reload() //nolint:errcheck
			}
		}
	}()
	return nil
}

func (s *Store) isConfigPath(name string) bool {
	clean := filepath.Clean(name)
	return clean == filepath.Clean(s.metersPath) ||
		(s.pricingPath != "" && clean == filepath.Clean(s.pricingPath))
}
