package storagemock

import (
	"context"
	"time"

	"github.com/pescbridge/pescbridge/pkg/storage"
	"github.com/pescbridge/pescbridge/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context, entryID string) (types.Settings, int, error) {
	args := m.Called(ctx, entryID)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, entryID string, settings types.Settings, version int) error {
	args := m.Called(ctx, entryID, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) InsertSubmission(ctx context.Context, entryID string, submission types.Submission) error {
	args := m.Called(ctx, entryID, submission)
	return args.Error(0)
}

func (m *MockDatabase) GetSubmissionHistory(ctx context.Context, entryID string, start, end time.Time) ([]types.Submission, error) {
	args := m.Called(ctx, entryID, start, end)
	if v := args.Get(0); v != nil {
		return v.([]types.Submission), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
