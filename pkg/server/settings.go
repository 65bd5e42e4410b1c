package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/pescbridge/pescbridge/pkg/log"
	"github.com/pescbridge/pescbridge/pkg/types"
)

func (s *Server) getSettingsWithMigration(ctx context.Context) (types.Settings, error) {
	settings, version, err := s.storage.GetSettings(ctx, s.options.EntryID())
	if err != nil {
		return types.Settings{}, err
	}
	if version < types.CurrentSettingsVersion {
		migrated, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			// Log error but return settings as is (best effort)
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings", slog.Int("currentVersion", version), slog.Any("error", err))
		} else if changed {
			settings = migrated
		}
	}
	return settings, nil
}

// SettingsRes is the response type for GetSettings. Credentials and the auth
// status are left out, the login state is part of /api/status.
type SettingsRes struct {
	Pause             bool           `json:"pause"`
	UpdateInterval    types.Duration `json:"updateInterval"`
	RatesSensors      bool           `json:"ratesSensors"`
	DiagnosticSensors bool           `json:"diagnosticSensors"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, err := s.getSettingsWithMigration(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, SettingsRes{
		Pause:             settings.Pause,
		UpdateInterval:    settings.UpdateInterval,
		RatesSensors:      settings.RatesSensors,
		DiagnosticSensors: settings.DiagnosticSensors,
	}, http.StatusOK)
}

// settingsUpdate only changes the fields that are present.
type settingsUpdate struct {
	Pause             *bool           `json:"pause"`
	UpdateInterval    *types.Duration `json:"updateInterval"`
	RatesSensors      *bool           `json:"ratesSensors"`
	DiagnosticSensors *bool           `json:"diagnosticSensors"`
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req settingsUpdate
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// credentials and auth status are only changed by the session
	var invalid error
	_, err := s.options.UpdateSettings(ctx, func(settings *types.Settings) error {
		if req.Pause != nil {
			settings.Pause = *req.Pause
		}
		if req.UpdateInterval != nil {
			settings.UpdateInterval = *req.UpdateInterval
		}
		if req.RatesSensors != nil {
			settings.RatesSensors = *req.RatesSensors
		}
		if req.DiagnosticSensors != nil {
			settings.DiagnosticSensors = *req.DiagnosticSensors
		}
		invalid = settings.Validate()
		return invalid
	})
	switch {
	case invalid != nil:
		writeJSONError(w, invalid.Error(), http.StatusBadRequest)
		return
	case err != nil:
		log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "settings updated")

	// the coordinator reloads the settings on its next refresh
	s.coordinator.Trigger()
	w.WriteHeader(http.StatusOK)
}
