package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pescbridge/pescbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestParseTimeRange(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("Default", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/history/submissions", nil)
		start, end, err := parseTimeRange(req, now)
		require.NoError(t, err)
		assert.Equal(t, now, end)
		assert.Equal(t, time.Date(2024, 2, 9, 12, 0, 0, 0, time.UTC), start)
	})

	tests := []struct {
		name    string
		query   string
		wantErr string
	}{
		{name: "Valid", query: "start=2024-01-01T00:00:00Z&end=2024-02-01T00:00:00Z"},
		{name: "Invalid Start", query: "start=yesterday&end=2024-02-01T00:00:00Z", wantErr: "invalid start time"},
		{name: "Invalid End", query: "start=2024-01-01T00:00:00Z&end=later", wantErr: "invalid end time"},
		{name: "Reversed", query: "start=2024-02-01T00:00:00Z&end=2024-01-01T00:00:00Z", wantErr: "start time must be before end time"},
		{name: "Too Long", query: "start=2022-01-01T00:00:00Z&end=2024-01-01T00:00:00Z", wantErr: "cannot exceed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/history/submissions?"+tt.query, nil)
			_, _, err := parseTimeRange(req, now)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHandleHistorySubmissions(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	path := "/api/history/submissions?start=2024-01-01T00:00:00Z&end=2024-02-01T00:00:00Z"

	t.Run("Success", func(t *testing.T) {
		ts := newTestServer(t)
		ts.readings.On("History", mock.Anything, start, end).Return([]types.Submission{
			{
				Timestamp: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
				ReadingID: "000000_2",
				Values:    []types.ScaleValue{{ScaleID: 2, Value: 2500}},
				Message:   "operation completed",
			},
		}, nil)

		w := ts.do("GET", path, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "private, max-age=86400", w.Header().Get("Cache-Control"))

		var got []types.Submission
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "000000_2", got[0].ReadingID)
	})

	t.Run("Empty", func(t *testing.T) {
		ts := newTestServer(t)
		ts.readings.On("History", mock.Anything, start, end).Return(nil, nil)

		w := ts.do("GET", path, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, "[]", w.Body.String())
	})

	t.Run("Error", func(t *testing.T) {
		ts := newTestServer(t)
		ts.readings.On("History", mock.Anything, start, end).Return(nil, errors.New("storage down"))

		w := ts.do("GET", path, "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("Bad Range", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do("GET", "/api/history/submissions?start=x&end=y", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
