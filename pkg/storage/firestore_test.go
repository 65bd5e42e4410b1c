package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pescbridge/pescbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreProvider(t *testing.T) {
	// requires the emulator, e.g. gcloud emulators firestore start --host-port=127.0.0.1:8087
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  randDB,
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("SettingsMissing", func(t *testing.T) {
		s, version, err := f.GetSettings(ctx, "missing-entry")
		require.NoError(t, err)
		assert.Equal(t, 0, version)
		assert.Equal(t, types.Settings{}, s)
	})

	t.Run("Settings", func(t *testing.T) {
		settings := types.Settings{
			UpdateInterval:       types.Duration(3 * time.Hour),
			RatesSensors:         true,
			EncryptedCredentials: []byte("secret"),
		}
		require.NoError(t, f.SetSettings(ctx, "test-entry", settings, 2))

		got, version, err := f.GetSettings(ctx, "test-entry")
		require.NoError(t, err)
		assert.Equal(t, 2, version)
		assert.Equal(t, settings.UpdateInterval, got.UpdateInterval)
		assert.True(t, got.RatesSensors)
		assert.Equal(t, []byte("secret"), got.EncryptedCredentials)
	})

	t.Run("EmptyEntryID", func(t *testing.T) {
		_, _, err := f.GetSettings(ctx, "")
		assert.ErrorContains(t, err, "entryID cannot be empty")
	})

	t.Run("Submissions", func(t *testing.T) {
		now := time.Now().Truncate(time.Second).UTC()
		s1 := types.Submission{Timestamp: now.Add(-time.Hour), ReadingID: "1_2", AccountID: 1, Values: []types.ScaleValue{{ScaleID: 2, Value: 10}}}
		s2 := types.Submission{Timestamp: now, ReadingID: "1_3", AccountID: 1, Code: -2, Message: "bad value"}

		require.NoError(t, f.InsertSubmission(ctx, "test-entry", s2))
		require.NoError(t, f.InsertSubmission(ctx, "test-entry", s1))

		got, err := f.GetSubmissionHistory(ctx, "test-entry", now.Add(-2*time.Hour), now.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "1_2", got[0].ReadingID)
		assert.Equal(t, "1_3", got[1].ReadingID)
		assert.Equal(t, -2, got[1].Code)

		got, err = f.GetSubmissionHistory(ctx, "test-entry", now.Add(-30*time.Minute), now.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "1_3", got[0].ReadingID)
	})
}
