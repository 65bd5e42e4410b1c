package types

import "time"

// Submission records a manual reading that was sent to the provider.
type Submission struct {
	Timestamp time.Time    `json:"timestamp"`
	ReadingID string       `json:"readingID"`
	AccountID int          `json:"accountID"`
	MeterID   string       `json:"meterID"`
	Values    []ScaleValue `json:"values"`
	Code      int          `json:"code"`
	Message   string       `json:"message"`
}

// ScaleValue is a single scale reading as the provider expects it.
type ScaleValue struct {
	ScaleID int     `json:"scaleId"`
	Value   float64 `json:"value"`
}
