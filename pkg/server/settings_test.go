package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/pescbridge/pescbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestHandleGetSettings(t *testing.T) {
	t.Run("Current Version", func(t *testing.T) {
		ts := newTestServer(t)
		ts.db.On("GetSettings", mock.Anything, "entry").Return(types.Settings{
			UpdateInterval:       types.Duration(6 * time.Hour),
			RatesSensors:         true,
			AuthStatus:           types.AuthStatus{ReauthRequired: true, ConsecutiveFailures: 1},
			EncryptedCredentials: []byte("secret"),
		}, types.CurrentSettingsVersion, nil)

		w := ts.do("GET", "/api/settings", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

		var raw map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
		assert.NotContains(t, raw, "encryptedCredentials")
		assert.NotContains(t, raw, "authStatus")
		assert.NotContains(t, raw, "hasCredentials")

		var got SettingsRes
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, types.Duration(6*time.Hour), got.UpdateInterval)
		assert.True(t, got.RatesSensors)
	})

	t.Run("Defaults For New Entry", func(t *testing.T) {
		ts := newTestServer(t)
		ts.db.On("GetSettings", mock.Anything, "entry").Return(types.Settings{}, 0, nil)

		w := ts.do("GET", "/api/settings", "")
		require.Equal(t, http.StatusOK, w.Code)

		var got SettingsRes
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, types.Duration(types.DefaultUpdateInterval), got.UpdateInterval)
		assert.True(t, got.RatesSensors)
		assert.False(t, got.DiagnosticSensors)
	})

	t.Run("Storage Error", func(t *testing.T) {
		ts := newTestServer(t)
		ts.db.On("GetSettings", mock.Anything, "entry").Return(types.Settings{}, 0, errors.New("disk full"))

		w := ts.do("GET", "/api/settings", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestHandleUpdateSettings(t *testing.T) {
	existing := types.Settings{
		UpdateInterval:       types.Duration(12 * time.Hour),
		RatesSensors:         true,
		AuthStatus:           types.AuthStatus{ConsecutiveFailures: 2},
		EncryptedCredentials: []byte("secret"),
	}

	t.Run("Partial Update", func(t *testing.T) {
		ts := newTestServer(t)
		ts.db.On("GetSettings", mock.Anything, "entry").Return(existing, types.CurrentSettingsVersion, nil)
		want := existing
		want.UpdateInterval = types.Duration(2 * time.Hour)
		want.DiagnosticSensors = true
		ts.db.On("SetSettings", mock.Anything, "entry", want, types.CurrentSettingsVersion).Return(nil)
		ts.coordinator.On("Trigger").Return()

		w := ts.do("POST", "/api/settings", `{"updateInterval": "2h", "diagnosticSensors": true}`)
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
		ts.db.AssertExpectations(t)
		ts.coordinator.AssertExpectations(t)
	})

	t.Run("Credentials Are Not Writable", func(t *testing.T) {
		ts := newTestServer(t)
		ts.db.On("GetSettings", mock.Anything, "entry").Return(existing, types.CurrentSettingsVersion, nil)
		want := existing
		want.Pause = true
		ts.db.On("SetSettings", mock.Anything, "entry", want, types.CurrentSettingsVersion).Return(nil)
		ts.coordinator.On("Trigger").Return()

		w := ts.do("POST", "/api/settings", `{"pause": true, "encryptedCredentials": "AAAA", "authStatus": {"consecutiveFailures": 0}}`)
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
		ts.db.AssertExpectations(t)
	})

	t.Run("Interval Too Short", func(t *testing.T) {
		ts := newTestServer(t)
		ts.db.On("GetSettings", mock.Anything, "entry").Return(existing, types.CurrentSettingsVersion, nil)

		w := ts.do("POST", "/api/settings", `{"updateInterval": "5m"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "updateInterval must be at least")
		ts.db.AssertNotCalled(t, "SetSettings", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Invalid Body", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do("POST", "/api/settings", `{"updateInterval": "soon"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Save Error", func(t *testing.T) {
		ts := newTestServer(t)
		ts.db.On("GetSettings", mock.Anything, "entry").Return(existing, types.CurrentSettingsVersion, nil)
		ts.db.On("SetSettings", mock.Anything, "entry", mock.Anything, types.CurrentSettingsVersion).Return(errors.New("read-only"))

		w := ts.do("POST", "/api/settings", `{"pause": false}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		ts.coordinator.AssertNotCalled(t, "Trigger")
	})
}
