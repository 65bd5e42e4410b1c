package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/pescbridge/pescbridge/pkg/coordinator"
	"github.com/pescbridge/pescbridge/pkg/events"
	"github.com/pescbridge/pescbridge/pkg/log"
	"github.com/pescbridge/pescbridge/pkg/sensor"
	"github.com/pescbridge/pescbridge/pkg/session"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.coordinator.Status(), http.StatusOK)
}

func (s *Server) handleMeters(w http.ResponseWriter, r *http.Request) {
	sensors := s.coordinator.Sensors()
	if sensors == nil {
		sensors = []sensor.Sensor{}
	}
	writeJSON(w, sensors, http.StatusOK)
}

type meterValueRequest struct {
	Value int `json:"value" validate:"required,min=1"`
	// Throws turns a rejected reading into an error response
	Throws bool `json:"throws"`
}

type meterValueError struct {
	Error string `json:"error"`
	sensor.Result
}

func (s *Server) handleMeterValue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("uniqueID", id)))

	var req meterValueRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode request", slog.Any("error", err))
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSONError(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}

	meter, ok := s.coordinator.Sensor(id)
	if !ok || meter.Kind != sensor.KindMeter {
		writeJSONError(w, "unknown meter", http.StatusNotFound)
		return
	}

	res, err := s.readings.UpdateValue(ctx, meter.ReadingID, req.Value)
	evt := events.SubmissionEvent{
		Timestamp: time.Now(),
		Source:    events.ClientHTTP,
		ReadingID: meter.ReadingID,
		Code:      res.Code,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	s.submissionPub.Publish(evt)

	switch {
	case err == nil:
	case errors.Is(err, sensor.ErrUnknownReading):
		writeJSONError(w, "unknown meter", http.StatusNotFound)
		return
	case errors.Is(err, sensor.ErrInvalidValue):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, session.ErrReauthRequired):
		writeJSONError(w, "re-authentication required", http.StatusServiceUnavailable)
		return
	default:
		log.Ctx(ctx).ErrorContext(ctx, "failed to submit reading", slog.Any("error", err))
		writeJSONError(w, "failed to submit reading", http.StatusBadGateway)
		return
	}

	if req.Throws {
		if rerr := res.Err(); rerr != nil {
			writeJSON(w, meterValueError{Error: rerr.Error(), Result: res}, http.StatusUnprocessableEntity)
			return
		}
	}
	writeJSON(w, res, http.StatusOK)
}

type refreshResponse struct {
	coordinator.Status
	Error string `json:"error,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	err := s.coordinator.Refresh(ctx)
	resp := refreshResponse{Status: s.coordinator.Status()}
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		switch {
		case errors.Is(err, session.ErrReauthRequired), errors.Is(err, coordinator.ErrNotLoggedIn):
			code = http.StatusServiceUnavailable
		default:
			log.Ctx(ctx).WarnContext(ctx, "refresh failed", slog.Any("error", err))
			code = http.StatusBadGateway
		}
	}
	writeJSON(w, resp, code)
}
