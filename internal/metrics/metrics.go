package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all the Prometheus metrics for cellscan. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Scan pipeline
	Cycles     *prometheus.CounterVec
	Verdicts   *prometheus.CounterVec
	Jobs       *prometheus.CounterVec
	Candidates *prometheus.CounterVec
	Frames     *prometheus.CounterVec
	Extracted  *prometheus.CounterVec
	Rejected   *prometheus.CounterVec
	Failures   *prometheus.CounterVec

	// Sinks
	RecordsEmitted *prometheus.CounterVec
	SinkErrors     *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec

	// Histograms
	JobDuration       *prometheus.HistogramVec
	BatchFlushLatency *prometheus.HistogramVec
}

// Config holds configuration for the metrics server
type Config struct {
	Enabled    bool
	Addr       string
	TLSCert    string
	TLSKey     string
	ClientCA   string
	RequireTLS bool
}

// LoadConfig loads metrics configuration from environment variables
func LoadConfig() Config {
	return Config{
		Enabled:    getBool("METRICS_ENABLED", false),
		Addr:       getOr("METRICS_ADDR", "127.0.0.1:9090"),
		TLSCert:    getOr("METRICS_TLS_CERT", ""),
		TLSKey:     getOr("METRICS_TLS_KEY", ""),
		ClientCA:   getOr("METRICS_CLIENT_CA", ""),
		RequireTLS: getBool("METRICS_REQUIRE_TLS", false),
	}
}

// NewMetrics creates all cellscan metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellscan_cycles_total",
				Help: "Scan cycles by result",
			},
			[]string{"result"},
		),

		Verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellscan_verdicts_total",
				Help: "Hardware gate verdicts by family and result",
			},
			[]string{"family", "result"},
		),

		Jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellscan_capture_jobs_total",
				Help: "Capture jobs by device and outcome",
			},
			[]string{"device", "outcome"},
		),

		Candidates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellscan_bts_candidates_total",
				Help: "BTS candidates by technology",
			},
			[]string{"technology"},
		),

		Frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellscan_gsm_frames_total",
				Help: "Decoded GSM frames by channel type",
			},
			[]string{"channel"},
		),

		Extracted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellscan_extracted_total",
				Help: "Validated identifiers and messages by kind",
			},
			[]string{"kind"},
		),

		Rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellscan_rejected_total",
				Help: "Items rejected by the validator by kind and reason",
			},
			[]string{"kind", "reason"},
		),

		Failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellscan_failures_total",
				Help: "Stage failures by kind",
			},
			[]string{"kind"},
		),

		RecordsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellscan_records_emitted_total",
				Help: "Records handed to a sink",
			},
			[]string{"sink"},
		),

		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellscan_sink_errors_total",
				Help: "Total errors writing to a sink",
			},
			[]string{"sink", "error_type"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cellscan_sink_queue_depth",
				Help: "Records buffered in a sink awaiting flush",
			},
			[]string{"sink"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cellscan_capture_job_duration_seconds",
				Help:    "Wall time of a capture job including retries",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"family"},
		),

		BatchFlushLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cellscan_batch_flush_latency_seconds",
				Help:    "Latency of flushing a batch to sinks",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sink"},
		),
	}

	reg.MustRegister(
		m.Cycles, m.Verdicts, m.Jobs, m.Candidates, m.Frames, m.Extracted,
		m.Rejected, m.Failures, m.RecordsEmitted, m.SinkErrors, m.QueueDepth,
		m.JobDuration, m.BatchFlushLatency,
	)
	return m
}

// Server represents the metrics HTTP server
type Server struct {
	server *http.Server
	config Config
	logger *zap.Logger
	addr   string
}

// NewServer creates a new metrics server serving the default gatherer.
func NewServer(config Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if config.RequireTLS {
		if config.TLSCert == "" || config.TLSKey == "" {
			return nil, errors.New("metrics: METRICS_REQUIRE_TLS needs METRICS_TLS_CERT and METRICS_TLS_KEY")
		}
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if config.ClientCA != "" {
			clientCAs, err := loadCertPool(config.ClientCA)
			if err != nil {
				return nil, fmt.Errorf("metrics: load client CA: %w", err)
			}
			tlsConfig.ClientCAs = clientCAs
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
			logger.Info("metrics mTLS enabled", zap.String("client_ca", config.ClientCA))
		}
		srv.TLSConfig = tlsConfig
	}

	return &Server{server: srv, config: config, logger: logger}, nil
}

// Start binds the listener and serves in a separate goroutine. Bind errors
// are returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Debug("metrics disabled")
		return nil
	}
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", s.config.Addr, err)
	}
	s.addr = ln.Addr().String()
	s.logger.Info("metrics server listening", zap.String("addr", s.addr), zap.Bool("tls", s.config.RequireTLS))

	go func() {
		var err error
		if s.config.RequireTLS {
			err = s.server.ServeTLS(ln, s.config.TLSCert, s.config.TLSKey)
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address once Start has succeeded.
func (s *Server) Addr() string { return s.addr }

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}
	s.logger.Info("metrics server shutting down")
	return s.server.Shutdown(ctx)
}

// Helper functions
func getOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func loadCertPool(certFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", certFile)
	}
	return pool, nil
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// InitMetrics initializes the global metrics instance on the default registry
func InitMetrics() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// Convenience methods for common operations

func (m *Metrics) IncrementCycles(result string) {
	if m != nil {
		m.Cycles.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncrementVerdicts(family, result string) {
	if m != nil {
		m.Verdicts.WithLabelValues(family, result).Inc()
	}
}

func (m *Metrics) IncrementJobs(device, outcome string) {
	if m != nil {
		m.Jobs.WithLabelValues(device, outcome).Inc()
	}
}

func (m *Metrics) IncrementCandidates(technology string) {
	if m != nil {
		m.Candidates.WithLabelValues(technology).Inc()
	}
}

func (m *Metrics) AddFrames(channel string, n int) {
	if m != nil && n > 0 {
		m.Frames.WithLabelValues(channel).Add(float64(n))
	}
}

func (m *Metrics) IncrementExtracted(kind string) {
	if m != nil {
		m.Extracted.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncrementRejected(kind, reason string) {
	if m != nil {
		m.Rejected.WithLabelValues(kind, reason).Inc()
	}
}

func (m *Metrics) IncrementFailures(kind string) {
	if m != nil {
		m.Failures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncrementRecordsEmitted(sink string) {
	if m != nil {
		m.RecordsEmitted.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) IncrementSinkErrors(sink, errorType string) {
	if m != nil {
		m.SinkErrors.WithLabelValues(sink, errorType).Inc()
	}
}

func (m *Metrics) SetQueueDepth(sink string, depth float64) {
	if m != nil {
		m.QueueDepth.WithLabelValues(sink).Set(depth)
	}
}

func (m *Metrics) ObserveJobDuration(family string, d time.Duration) {
	if m != nil {
		m.JobDuration.WithLabelValues(family).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveBatchFlushLatency(sink string, duration time.Duration) {
	if m != nil {
		m.BatchFlushLatency.WithLabelValues(sink).Observe(duration.Seconds())
	}
}
