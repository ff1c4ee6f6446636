// Package pulse serves the status dashboard: a small HTML page, JSON
// APIs aggregating every subsystem, and a websocket that pushes the
// same status on an interval.
package pulse

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kait/internal/bank"
	"kait/internal/config"
	"kait/internal/evolution"
	"kait/internal/logging"
	"kait/internal/observability"
	"kait/internal/observer"
	"kait/internal/queue"
	"kait/internal/reflect"
	"kait/internal/supervisor"
	"kait/internal/version"
)

const defaultPushInterval = 5 * time.Second

// ProviderSource reports which LLM providers can take traffic.
// *llm.Gateway satisfies it.
type ProviderSource interface {
	AvailableProviders(ctx context.Context) []string
}

// Options wires the pulse server. Every dependency is optional; a
// missing one just blanks its section of the dashboard.
type Options struct {
	Supervisor *supervisor.Supervisor
	Observer   *observer.Observer
	Providers  ProviderSource
	Queue      *queue.Queue
	Bank       *bank.Bank
	Evolution  *evolution.Engine
	Reflect    *reflect.Pipeline
	Logger     logging.Logger

	// KaitdBaseURL is probed for the kaitd_healthy flag.
	KaitdBaseURL string

	// PushInterval overrides the websocket cadence, mainly in tests.
	PushInterval time.Duration
}

// Server is the pulse HTTP server.
type Server struct {
	opts     Options
	engine   *gin.Engine
	logger   logging.Logger
	upgrader websocket.Upgrader
	started  time.Time
	push     time.Duration
}

// New builds the server and its routes.
func New(opts Options) *Server {
	push := opts.PushInterval
	if push <= 0 {
		push = defaultPushInterval
	}
	s := &Server{
		opts:    opts,
		logger:  logging.OrNop(opts.Logger),
		started: time.Now(),
		push:    push,
		upgrader: websocket.Upgrader{
			// Local dashboard; same-host pages only.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), cors.Default())

	engine.GET("/", s.handleDashboard)
	engine.GET("/api/status", s.handleStatus)
	engine.GET("/api/llm", s.handleLLM)
	engine.GET("/api/intelligence", s.handleIntelligence)
	engine.GET("/api/queue", s.handleQueue)
	engine.GET("/api/ops", s.handleOps)
	engine.GET("/api/mission", s.handleMission)
	engine.GET("/api/acceptance", s.handleAcceptance)
	engine.GET("/ws", s.handleWS)
	// Gateway and learning-loop instruments land in the process-wide
	// registry; expose them for scraping alongside the dashboard.
	engine.GET("/metrics", gin.WrapH(observability.PrometheusHandler()))

	s.engine = engine
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the context is cancelled.
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

// statusPayload is the /api/status and websocket body.
func (s *Server) statusPayload(ctx context.Context) gin.H {
	payload := gin.H{
		"version":  version.Version,
		"uptime_s": int(time.Since(s.started).Seconds()),
	}
	if s.opts.Supervisor != nil {
		payload["services"] = s.opts.Supervisor.StatusAll()
	}
	payload["kaitd_healthy"] = s.kaitdHealthy(ctx)
	if s.opts.Providers != nil {
		providers := s.opts.Providers.AvailableProviders(ctx)
		if providers == nil {
			providers = []string{}
		}
		payload["llm_providers"] = providers
	}
	return payload
}

func (s *Server) kaitdHealthy(ctx context.Context) bool {
	if s.opts.KaitdBaseURL == "" {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, config.DefaultHealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.opts.KaitdBaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.statusPayload(c.Request.Context()))
}

func (s *Server) handleLLM(c *gin.Context) {
	if s.opts.Observer == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	window := 5 * time.Minute
	c.JSON(http.StatusOK, gin.H{
		"enabled":   true,
		"summary":   s.opts.Observer.Summary(window),
		"providers": s.opts.Observer.ProviderStats(window),
		"recent":    s.opts.Observer.Recent(20),
		"lifetime":  s.opts.Observer.Lifetime(),
	})
}

func (s *Server) handleIntelligence(c *gin.Context) {
	payload := gin.H{}
	if s.opts.Evolution != nil {
		payload["stage"] = s.opts.Evolution.Stage()
		payload["metrics"] = s.opts.Evolution.Metrics()
	}
	if s.opts.Reflect != nil {
		if report := s.opts.Reflect.LastReport(); report != nil {
			payload["last_report"] = report
		}
		if at := s.opts.Reflect.LastCycleAt(); !at.IsZero() {
			payload["last_cycle_at"] = float64(at.UnixNano()) / 1e9
		}
	}
	if s.opts.Bank != nil {
		if stats, err := s.opts.Bank.Stats(c.Request.Context()); err == nil {
			payload["bank"] = stats
		} else {
			s.logger.Warn("bank stats: %v", err)
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleQueue(c *gin.Context) {
	if s.opts.Queue == nil {
		c.JSON(http.StatusOK, gin.H{"event_count": 0, "size_mb": 0, "needs_rotation": false})
		return
	}
	stats, err := s.opts.Queue.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleOps(c *gin.Context) {
	payload := gin.H{
		"uptime_s": int(time.Since(s.started).Seconds()),
		"version":  version.Version,
	}
	if s.opts.Supervisor != nil {
		statuses := s.opts.Supervisor.StatusAll()
		running := 0
		for _, st := range statuses {
			if st.Running {
				running++
			}
		}
		payload["services"] = statuses
		payload["running"] = running
		payload["total"] = len(statuses)
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleMission(c *gin.Context) {
	payload := gin.H{
		"mission": "Run a durable, self-healing sidekick core on local-first LLMs.",
		"pillars": []string{
			"never lose a learned behaviour",
			"degrade gracefully when providers fail",
			"learn from every conversation",
		},
	}
	if s.opts.Evolution != nil {
		payload["stage"] = s.opts.Evolution.Stage().Name
	}
	c.JSON(http.StatusOK, payload)
}

// handleAcceptance reports live pass/fail checks for the running
// stack.
func (s *Server) handleAcceptance(c *gin.Context) {
	type check struct {
		Name string `json:"name"`
		Pass bool   `json:"pass"`
	}
	var checks []check

	checks = append(checks, check{"kaitd_reachable", s.kaitdHealthy(c.Request.Context())})
	if s.opts.Providers != nil {
		checks = append(checks, check{"llm_available", len(s.opts.Providers.AvailableProviders(c.Request.Context())) > 0})
	}
	if s.opts.Queue != nil {
		stats, err := s.opts.Queue.Stats()
		checks = append(checks, check{"queue_healthy", err == nil && !stats.NeedsRotation})
	}
	if s.opts.Supervisor != nil {
		allUp := true
		for _, st := range s.opts.Supervisor.StatusAll() {
			if !st.Running {
				allUp = false
				break
			}
		}
		checks = append(checks, check{"all_services_running", allUp})
	}

	passed := 0
	for _, ch := range checks {
		if ch.Pass {
			passed++
		}
	}
	c.JSON(http.StatusOK, gin.H{"checks": checks, "passed": passed, "total": len(checks)})
}

// handleWS upgrades and pushes the status payload on an interval until
// the client goes away.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	send := func() error {
		return conn.WriteJSON(s.statusPayload(ctx))
	}
	if err := send(); err != nil {
		return
	}

	ticker := time.NewTicker(s.push)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				return
			}
		}
	}
}
