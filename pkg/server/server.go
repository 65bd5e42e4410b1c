package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/go-playground/validator/v10"
	"github.com/levenlabs/go-lflag"
	"github.com/pescbridge/pescbridge/pkg/coordinator"
	"github.com/pescbridge/pescbridge/pkg/events"
	"github.com/pescbridge/pescbridge/pkg/log"
	"github.com/pescbridge/pescbridge/pkg/sensor"
	"github.com/pescbridge/pescbridge/pkg/storage"
	"github.com/pescbridge/pescbridge/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/util/eventbus"
)

// Coordinator is the part of the coordinator the API exposes.
type Coordinator interface {
	Status() coordinator.Status
	Sensors() []sensor.Sensor
	Sensor(uniqueID string) (sensor.Sensor, bool)
	Refresh(ctx context.Context) error
	Trigger()
}

// Readings submits manual readings and lists past submissions.
type Readings interface {
	UpdateValue(ctx context.Context, readingID string, value int) (sensor.Result, error)
	History(ctx context.Context, start, end time.Time) ([]types.Submission, error)
}

// Options changes the stored settings of the entry. Updates are serialized
// with the session's own writes of the credentials and auth status.
type Options interface {
	EntryID() string
	UpdateSettings(ctx context.Context, fn func(*types.Settings) error) (types.Settings, error)
}

// Server handles the HTTP API of the bridge.
type Server struct {
	coordinator Coordinator
	readings    Readings
	storage     storage.Database
	options     Options
	gatherer    prometheus.Gatherer
	validate    *validator.Validate

	submissionPub *eventbus.Publisher[events.SubmissionEvent]

	listenAddr string
	httpServer *http.Server

	verifier      tokenVerifier
	allowedEmails []string
	serverName    string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(c Coordinator, r Readings, db storage.Database, opts Options, bus *eventbus.Bus, g prometheus.Gatherer) *Server {
	srv := New(c, r, db, opts, bus, g)

	listenAddr := lflag.String("http-listen", ":8080", "HTTP server listen address")
	oidcIssuer := lflag.String("oidc-issuer", "", "OIDC issuer whose ID tokens are accepted on POST endpoints, empty disables auth")
	oidcAudience := lflag.String("oidc-audience", "", "audience (client ID) to validate in ID tokens")
	allowedEmails := lflag.String("oidc-allowed-emails", "", "comma-delimited list of email addresses allowed to call POST endpoints")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *allowedEmails != "" {
			srv.allowedEmails = strings.Split(*allowedEmails, ",")
			for i, email := range srv.allowedEmails {
				srv.allowedEmails[i] = strings.TrimSpace(email)
			}
		}
		if *oidcIssuer != "" {
			if *oidcAudience == "" {
				log.Ctx(context.Background()).Error("oidc-audience is required with oidc-issuer")
				os.Exit(1)
			}
			verifier, err := newOIDCVerifier(context.Background(), *oidcIssuer, *oidcAudience)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
				os.Exit(1)
			}
			srv.verifier = verifier
		}
	})

	return srv
}

// New returns a server without authentication listening on :8080.
func New(c Coordinator, r Readings, db storage.Database, opts Options, bus *eventbus.Bus, g prometheus.Gatherer) *Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Server{
		coordinator:   c,
		readings:      r,
		storage:       db,
		options:       opts,
		gatherer:      g,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		submissionPub: eventbus.Publish[events.SubmissionEvent](bus.Client(events.ClientHTTP)),
		listenAddr:    ":8080",
		serverName:    "pescbridge",
	}
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/meters", s.handleMeters)
	apiMux.HandleFunc("POST /api/meters/{id}/value", s.handleMeterValue)
	apiMux.HandleFunc("POST /api/refresh", s.handleRefresh)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	apiMux.HandleFunc("GET /api/history/submissions", s.handleHistorySubmissions)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}
