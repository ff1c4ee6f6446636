// Package server is kaitd's HTTP surface: the authenticated /ingest
// endpoint feeding the event queue, liveness, and Prometheus metrics.
package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kait/internal/config"
	"kait/internal/logging"
	"kait/internal/queue"
	"kait/internal/version"
)

const maxIngestBody = 1 << 20

// Options wires the kaitd server.
type Options struct {
	Token  string
	Queue  *queue.Queue
	Logger logging.Logger

	RatePerMinute      int
	QuarantinePath     string
	QuarantineMaxLines int
	QuarantineMaxChars int

	// now overrides the rate limiter clock in tests.
	now func() time.Time
}

// Server handles kaitd's HTTP traffic.
type Server struct {
	engine     *gin.Engine
	queue      *queue.Queue
	token      string
	limiter    *rateLimiter
	quarantine *quarantine
	logger     logging.Logger
	started    time.Time

	registry       *prometheus.Registry
	ingestTotal    *prometheus.CounterVec
	rateLimited    prometheus.Counter
	queueSizeGauge prometheus.Gauge
}

// New builds the server. Token and Queue are required.
func New(opts Options) (*Server, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("server: ingest token is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("server: event queue is required")
	}
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = config.DefaultIngestRatePerMin
	}
	if opts.QuarantinePath == "" {
		opts.QuarantinePath = config.QuarantinePath()
	}
	if opts.QuarantineMaxLines <= 0 {
		opts.QuarantineMaxLines = config.DefaultQuarantineMaxLines
	}
	if opts.QuarantineMaxChars <= 0 {
		opts.QuarantineMaxChars = config.DefaultQuarantineMaxPayload
	}

	registry := prometheus.NewRegistry()
	s := &Server{
		queue:      opts.Queue,
		token:      opts.Token,
		limiter:    newRateLimiter(opts.RatePerMinute, time.Minute, opts.now),
		quarantine: newQuarantine(opts.QuarantinePath, opts.QuarantineMaxLines, opts.QuarantineMaxChars),
		logger:     logging.OrNop(opts.Logger),
		started:    time.Now(),
		registry:   registry,
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kait_ingest_events_total",
			Help: "Ingested events by outcome.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kait_ingest_rate_limited_total",
			Help: "Requests rejected by the ingest rate limit.",
		}),
		queueSizeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kait_queue_size_bytes",
			Help: "Current size of the ingest queue file.",
		}),
	}
	registry.MustRegister(s.ingestTotal, s.rateLimited, s.queueSizeGauge)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	engine.POST("/ingest", s.handleIngest)

	s.engine = engine
	return s, nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until the context is cancelled, then drains with
// a short grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultStopGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"version":  version.Version,
		"uptime_s": int(time.Since(s.started).Seconds()),
	})
}

// handleIngest accepts one JSON event or an NDJSON batch. Malformed
// lines are quarantined rather than failing the batch.
func (s *Server) handleIngest(c *gin.Context) {
	if !s.authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
		return
	}

	source := c.ClientIP()
	if ok, retry := s.limiter.allow(source); !ok {
		s.rateLimited.Inc()
		c.Header("Retry-After", fmt.Sprintf("%d", int(retry.Seconds()+0.999)))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":         "rate limit exceeded",
			"retry_after_s": retry.Seconds(),
		})
		return
	}

	accepted, rejected := 0, 0
	scanner := bufio.NewScanner(http.MaxBytesReader(c.Writer, c.Request.Body, maxIngestBody))
	scanner.Buffer(make([]byte, 0, 64*1024), maxIngestBody)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if s.ingestLine(source, line) {
			accepted++
		} else {
			rejected++
		}
	}
	if err := scanner.Err(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if stats, err := s.queue.Stats(); err == nil {
		s.queueSizeGauge.Set(float64(stats.SizeBytes))
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted, "rejected": rejected})
}

// ingestLine parses, validates and enqueues one event.
func (s *Server) ingestLine(source, line string) bool {
	var e queue.Event
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		s.reject(source, "invalid json", line)
		return false
	}
	if err := e.Validate(); err != nil {
		s.reject(source, err.Error(), line)
		return false
	}
	if err := s.queue.Append(e); err != nil {
		s.logger.Error("queue append failed: %v", err)
		s.reject(source, "queue append failed", line)
		return false
	}
	s.ingestTotal.WithLabelValues("accepted").Inc()
	return true
}

func (s *Server) reject(source, reason, payload string) {
	s.ingestTotal.WithLabelValues("rejected").Inc()
	if err := s.quarantine.add(source, reason, payload); err != nil {
		s.logger.Error("quarantine write failed: %v", err)
	}
}

func (s *Server) authorized(c *gin.Context) bool {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}
