package server

import (
	"context"
	"time"

	"github.com/pescbridge/pescbridge/pkg/coordinator"
	"github.com/pescbridge/pescbridge/pkg/sensor"
	"github.com/pescbridge/pescbridge/pkg/types"
	"github.com/stretchr/testify/mock"
)

type mockCoordinator struct {
	mock.Mock
}

func (m *mockCoordinator) Status() coordinator.Status {
	args := m.Called()
	return args.Get(0).(coordinator.Status)
}

func (m *mockCoordinator) Sensors() []sensor.Sensor {
	args := m.Called()
	if v := args.Get(0); v != nil {
		return v.([]sensor.Sensor)
	}
	return nil
}

func (m *mockCoordinator) Sensor(uniqueID string) (sensor.Sensor, bool) {
	args := m.Called(uniqueID)
	return args.Get(0).(sensor.Sensor), args.Bool(1)
}

func (m *mockCoordinator) Refresh(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockCoordinator) Trigger() {
	m.Called()
}

type mockReadings struct {
	mock.Mock
}

func (m *mockReadings) UpdateValue(ctx context.Context, readingID string, value int) (sensor.Result, error) {
	args := m.Called(ctx, readingID, value)
	return args.Get(0).(sensor.Result), args.Error(1)
}

func (m *mockReadings) History(ctx context.Context, start, end time.Time) ([]types.Submission, error) {
	args := m.Called(ctx, start, end)
	if v := args.Get(0); v != nil {
		return v.([]types.Submission), args.Error(1)
	}
	return nil, args.Error(1)
}
