// Package admin exposes the loopback HTTP surface: snapshot reads, manual
// scheduler controls, probe transcripts and a live dashboard. There is no
// authentication; the server binds to loopback by default.
package admin

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/quotawatch/internal/scheduler"
	"github.com/goodtune/quotawatch/internal/usage"
)

//go:embed static
var staticFS embed.FS

// Config holds the admin server configuration.
type Config struct {
	ListenAddr   string
	ProbeLogSize int
}

// Controller is the scheduler surface the admin API drives.
type Controller interface {
	Status() scheduler.Status
	Snapshots() []usage.Snapshot
	Snapshot(accountID string) (usage.Snapshot, bool)
	History(ctx context.Context, accountID string, limit int) ([]usage.Snapshot, error)
	Refresh()
	Pause()
	Resume()
	ClearAlerts(ctx context.Context, accountID string, dim usage.Dimension) error
}

// Server represents the admin HTTP server.
type Server struct {
	config     Config
	controller Controller
	probeLog   *ProbeLog
	hub        *hub
	server     *http.Server
	router     *mux.Router
	templates  *template.Template
	listener   net.Listener
	logger     zerolog.Logger
}

// NewServer creates a new admin server. A nil probeLog provisions one of
// the configured size; passing it in lets the prober start recording before
// this server exists.
func NewServer(cfg Config, controller Controller, probeLog *ProbeLog, logger zerolog.Logger) *Server {
	log := logger.With().Str("component", "admin").Logger()

	// Create router
	router := mux.NewRouter()

	// Parse templates
	tmpl, err := template.ParseFS(staticFS, "static/templates/*.html")
	if err != nil {
		log.Error().Err(err).Msg("Failed to parse templates")
		tmpl = template.New("fallback")
	}

	if probeLog == nil {
		probeLog = NewProbeLog(cfg.ProbeLogSize)
	}

	s := &Server{
		config:     cfg,
		controller: controller,
		probeLog:   probeLog,
		hub:        newHub(log),
		router:     router,
		templates:  tmpl,
		logger:     log,
	}

	// Setup routes
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// ProbeLog returns the transcript log so the prober can feed it.
func (s *Server) ProbeLog() *ProbeLog {
	return s.probeLog
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Apply global middleware
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/", s.handleDashboard).Methods("GET")

	s.router.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/snapshots", s.handleSnapshots).Methods("GET")
	s.router.HandleFunc("/api/snapshots/{id}", s.handleSnapshot).Methods("GET")
	s.router.HandleFunc("/api/snapshots/{id}/history", s.handleHistory).Methods("GET")
	s.router.HandleFunc("/api/probes", s.handleProbes).Methods("GET")
	s.router.HandleFunc("/api/probes/{id}", s.handleProbe).Methods("GET")
	s.router.HandleFunc("/api/refresh", s.handleRefresh).Methods("POST")
	s.router.HandleFunc("/api/pause", s.handlePause).Methods("POST")
	s.router.HandleFunc("/api/resume", s.handleResume).Methods("POST")
	s.router.HandleFunc("/api/alerts/clear", s.handleClearAlerts).Methods("POST")
	s.router.HandleFunc("/api/events", s.handleEvents).Methods("GET")
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the admin HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting admin server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Info().Msg("Using systemd socket activation")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Admin server error")
		}
	}()

	return nil
}

// Stop gracefully stops the admin HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping admin server")

	s.hub.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"Title":     "quotawatch",
		"Status":    s.controller.Status(),
		"Snapshots": s.controller.Snapshots(),
	}
	if err := s.templates.ExecuteTemplate(w, "dashboard.html", data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render dashboard template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
