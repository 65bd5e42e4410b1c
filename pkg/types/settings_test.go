package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateSettings(t *testing.T) {
	t.Run("v1: initial defaults", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{}, 0)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, DefaultUpdateInterval, s.UpdateInterval.Duration())
		assert.True(t, s.RatesSensors)
		assert.False(t, s.DiagnosticSensors)
	})

	t.Run("v1 to v2: minimum interval", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{UpdateInterval: Duration(time.Minute)}, 1)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, MinUpdateInterval, s.UpdateInterval.Duration())
	})

	t.Run("v1 to v2: rates sensors stay off", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{UpdateInterval: Duration(2 * time.Hour)}, 1)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.False(t, s.RatesSensors)
	})

	t.Run("no change: current version", func(t *testing.T) {
		current := Settings{UpdateInterval: Duration(3 * time.Hour)}
		s, changed, err := MigrateSettings(current, CurrentSettingsVersion)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, current, s)
	})
}

func TestSettingsValidate(t *testing.T) {
	assert.NoError(t, Settings{UpdateInterval: Duration(DefaultUpdateInterval)}.Validate())
	assert.Error(t, Settings{UpdateInterval: Duration(time.Minute)}.Validate())
}

func TestDuration(t *testing.T) {
	t.Run("Marshal", func(t *testing.T) {
		b, err := json.Marshal(Settings{UpdateInterval: Duration(90 * time.Minute)})
		require.NoError(t, err)
		assert.Contains(t, string(b), `"updateInterval":"1h30m0s"`)
	})

	t.Run("Unmarshal String", func(t *testing.T) {
		var s Settings
		require.NoError(t, json.Unmarshal([]byte(`{"updateInterval":"6h"}`), &s))
		assert.Equal(t, 6*time.Hour, s.UpdateInterval.Duration())
	})

	t.Run("Unmarshal Nanoseconds", func(t *testing.T) {
		var s Settings
		require.NoError(t, json.Unmarshal([]byte(`{"updateInterval":3600000000000}`), &s))
		assert.Equal(t, time.Hour, s.UpdateInterval.Duration())
	})

	t.Run("Unmarshal Invalid", func(t *testing.T) {
		var s Settings
		assert.Error(t, json.Unmarshal([]byte(`{"updateInterval":"soon"}`), &s))
		assert.Error(t, json.Unmarshal([]byte(`{"updateInterval":true}`), &s))
	})
}
