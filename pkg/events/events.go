// Package events defines the messages passed over the daemon's event bus.
package events

import (
	"time"

	"github.com/pescbridge/pescbridge/pkg/sensor"
)

// Client names on the bus.
const (
	ClientCoordinator = "coordinator"
	ClientMQTT        = "mqtt"
	ClientHTTP        = "http"
	ClientMetrics     = "metrics"
)

// RefreshEvent is published after every refresh attempt.
type RefreshEvent struct {
	Timestamp time.Time `json:"timestamp"`
	// State is the coordinator state after the refresh
	State string `json:"state"`
	Error string `json:"error,omitempty"`
	// Sensors is empty when nothing should be published
	Sensors  []sensor.Sensor `json:"sensors,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// SubmissionEvent is published after a manual reading was handled.
type SubmissionEvent struct {
	Timestamp time.Time `json:"timestamp"`
	// Source is "http" or "mqtt"
	Source    string `json:"source"`
	ReadingID string `json:"reading_id"`
	Code      int    `json:"code"`
	Error     string `json:"error,omitempty"`
}

// ConnectionStatus represents lifecycle state for a component.
type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusFailed       ConnectionStatus = "failed"
)

// AllConnectionStatuses lists every status, used to reset gauges.
var AllConnectionStatuses = []ConnectionStatus{
	ConnectionStatusDisconnected,
	ConnectionStatusConnecting,
	ConnectionStatusConnected,
	ConnectionStatusFailed,
}

// ConnectionStatusEvent conveys component lifecycle information.
type ConnectionStatusEvent struct {
	Timestamp time.Time        `json:"timestamp"`
	Component string           `json:"component"`
	Status    ConnectionStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
}
