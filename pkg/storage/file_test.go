package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pescbridge/pescbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileProvider(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")
	f := NewFileProvider(path)
	require.NoError(t, f.Validate())
	defer f.Close()

	t.Run("Missing", func(t *testing.T) {
		s, version, err := f.GetSettings(ctx, "entry")
		require.NoError(t, err)
		assert.Equal(t, 0, version)
		assert.Equal(t, types.Settings{}, s)

		subs, err := f.GetSubmissionHistory(ctx, "entry", time.Time{}, time.Now())
		require.NoError(t, err)
		assert.Empty(t, subs)
	})

	t.Run("EmptyEntryID", func(t *testing.T) {
		_, _, err := f.GetSettings(ctx, "")
		assert.ErrorContains(t, err, "entryID cannot be empty")
		assert.ErrorContains(t, f.SetSettings(ctx, "", types.Settings{}, 1), "entryID cannot be empty")
	})

	t.Run("Settings", func(t *testing.T) {
		settings := types.Settings{
			UpdateInterval:       types.Duration(2 * time.Hour),
			DiagnosticSensors:    true,
			EncryptedCredentials: []byte{1, 2, 3},
		}
		require.NoError(t, f.SetSettings(ctx, "entry", settings, types.CurrentSettingsVersion))

		got, version, err := f.GetSettings(ctx, "entry")
		require.NoError(t, err)
		assert.Equal(t, types.CurrentSettingsVersion, version)
		assert.Equal(t, settings, got)

		// other entries are untouched
		_, version, err = f.GetSettings(ctx, "other")
		require.NoError(t, err)
		assert.Equal(t, 0, version)
	})

	t.Run("Submissions", func(t *testing.T) {
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, f.InsertSubmission(ctx, "entry", types.Submission{Timestamp: now, ReadingID: "b"}))
		require.NoError(t, f.InsertSubmission(ctx, "entry", types.Submission{Timestamp: now.Add(-time.Hour), ReadingID: "a"}))
		require.NoError(t, f.InsertSubmission(ctx, "entry", types.Submission{Timestamp: now.Add(time.Hour), ReadingID: "c"}))

		got, err := f.GetSubmissionHistory(ctx, "entry", now.Add(-2*time.Hour), now.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].ReadingID)
		assert.Equal(t, "b", got[1].ReadingID)

		// settings survive submission writes
		_, version, err := f.GetSettings(ctx, "entry")
		require.NoError(t, err)
		assert.Equal(t, types.CurrentSettingsVersion, version)
	})
}

func TestFileProviderHuJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
	// edited by hand
	"entries": {
		"entry": {
			"settings": {"updateInterval": "6h", "pause": true,},
			"settingsVersion": 1,
		},
	},
}`), 0o600))

	f := NewFileProvider(path)
	s, version, err := f.GetSettings(context.Background(), "entry")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.True(t, s.Pause)
	assert.Equal(t, 6*time.Hour, s.UpdateInterval.Duration())
}

func TestFileProviderInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"entries": [`), 0o600))

	f := NewFileProvider(path)
	_, _, err := f.GetSettings(context.Background(), "entry")
	assert.ErrorContains(t, err, "failed to parse storage file")
}
