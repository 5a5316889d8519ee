// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreInitialLoad(t *testing.T) {
	store, err := NewStore(writeConfig(t, "meters.yaml", validMeters), "")
	require.NoError(t, err)
	assert.Len(t, store.Current().Meters, 2)
}

func TestStoreInitialLoadFailure(t *testing.T) {
	_, err := NewStore(writeConfig(t, "meters.yaml", "meters: []"), "")
	require.Error(t, err)
}

func TestStoreReload(t *testing.T) {
	path := writeConfig(t, "meters.yaml", validMeters)
	store, err := NewStore(path, "")
	require.NoError(t, err)

	updated := strings.Replace(validMeters, "enabled: false", "enabled: true", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, store.Reload())

	assert.Len(t, store.Current().EnabledMeters(), 2)
	ev := <-store.Events()
	require.NoError(t, ev.Err)
	assert.Len(t, ev.Config.EnabledMeters(), 2)
}

func TestStoreReloadKeepsPreviousOnFailure(t *testing.T) {
	path := writeConfig(t, "meters.yaml", validMeters)
	store, err := NewStore(path, "")
	require.NoError(t, err)
	before := store.Current()

	require.NoError(t, os.WriteFile(path, []byte("meters: [{name: 1bad}]"), 0o644))
	require.Error(t, store.Reload())

	assert.Same(t, before, store.Current())
	ev := <-store.Events()
	require.Error(t, ev.Err)
	assert.Nil(t, ev.Config)
}
