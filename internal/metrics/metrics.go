package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Probe metrics
	ProbeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotawatch_probe_attempts_total",
			Help: "Total usage probe attempts",
		},
		[]string{"account", "strategy", "outcome"},
	)

	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotawatch_probe_duration_seconds",
			Help:    "Probe attempt duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 30, 60, 90},
		},
		[]string{"strategy"},
	)

	// Usage metrics
	UsagePercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quotawatch_usage_percent",
			Help: "Latest known usage percentage per account and window",
		},
		[]string{"account", "window"},
	)

	LastSuccessTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quotawatch_last_success_timestamp_seconds",
			Help: "Unix time of the last successful probe per account",
		},
		[]string{"account"},
	)

	// Alert metrics
	AlertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotawatch_alerts_fired_total",
			Help: "Threshold alerts fired",
		},
		[]string{"account", "window", "threshold"},
	)

	// Scheduler metrics
	RoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quotawatch_rounds_total",
			Help: "Completed polling rounds",
		},
	)

	RoundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quotawatch_round_duration_seconds",
			Help:    "Polling round duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	RetryBackoff = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quotawatch_retry_backoff_seconds",
			Help: "Current retry backoff delay per account, zero when healthy",
		},
		[]string{"account"},
	)

	ActiveAccounts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quotawatch_active_accounts",
			Help: "Number of accounts being polled",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		ProbeAttempts,
		ProbeDuration,
		UsagePercent,
		LastSuccessTimestamp,
		AlertsFired,
		RoundsTotal,
		RoundDuration,
		RetryBackoff,
		ActiveAccounts,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
