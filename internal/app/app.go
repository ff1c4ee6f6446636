// Package app assembles the kait runtime. Every binary that needs the
// core stack (bank, gateway, learning loops) builds it here once, with
// explicit construction and teardown instead of package-level
// singletons.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"kait/internal/agent"
	"kait/internal/archive"
	"kait/internal/bank"
	"kait/internal/config"
	"kait/internal/costs"
	"kait/internal/evolution"
	"kait/internal/llm"
	"kait/internal/llm/breaker"
	"kait/internal/logging"
	"kait/internal/mind"
	"kait/internal/observability"
	"kait/internal/observer"
	"kait/internal/queue"
	"kait/internal/reflect"
	"kait/internal/resonance"
)

// Options tunes runtime assembly.
type Options struct {
	// Config overrides the loaded configuration; nil loads it.
	Config *config.Config
	Logger logging.Logger

	// WithMind opens the semantic index. It is off by default because
	// loading the persisted vectors is not free and most binaries never
	// search them.
	WithMind bool
}

// App is the assembled runtime.
type App struct {
	Config config.Config
	Logger logging.Logger

	Bank      *bank.Bank
	Observer  *observer.Observer
	Breakers  *breaker.Registry
	Gateway   *llm.Gateway
	Costs     *costs.Ledger
	Evolution *evolution.Engine
	Resonance *resonance.Engine
	Tracker   *resonance.Tracker
	Reflect   *reflect.Pipeline
	Archive   *archive.Worker
	Queue     *queue.Queue
	Mind      *mind.Index
	Agents    *agent.Registry

	Tracing *observability.TracerProvider
	Metrics *observability.MetricsCollector
}

// New assembles the runtime from configuration and the state directory.
// Construction is one-shot; the caller owns Close.
func New(opts Options) (*App, error) {
	var cfg config.Config
	if opts.Config != nil {
		cfg = *opts.Config
	} else {
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if _, err := config.EnsureStateDir(); err != nil {
		return nil, err
	}
	logger := logging.OrNop(opts.Logger)

	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if a.Bank, err = bank.Open(config.BankPath()); err != nil {
		return nil, fmt.Errorf("open reasoning bank: %w", err)
	}

	a.Observer = observer.New(observer.Options{
		RingSize: cfg.Observer.RingSize,
		Path:     config.CallLogPath(),
		MaxBytes: cfg.Observer.JSONLMaxBytes,
		Backups:  cfg.Observer.JSONLBackups,
		Enabled:  cfg.Observer.Enabled,
	})

	a.Breakers = breaker.NewRegistry(breaker.Options{
		Enabled: cfg.Breaker.Enabled,
		Config: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			HalfOpenTests:    cfg.Breaker.HalfOpenTests,
		},
	})
	if err := a.Breakers.Load(config.BreakerStatePath()); err != nil {
		logger.Warn("breaker state not restored: %v", err)
	}

	obsCfg, err := observability.LoadConfig(filepath.Join(config.StateDir(), "config.yaml"))
	if err != nil {
		logger.Warn("observability config: %v", err)
	}
	if a.Tracing, err = observability.NewTracerProvider(obsCfg.Tracing); err != nil {
		return nil, fmt.Errorf("build tracer: %w", err)
	}
	if a.Metrics, err = observability.NewMetricsCollector(obsCfg.Metrics); err != nil {
		return nil, fmt.Errorf("build metrics collector: %w", err)
	}

	a.Gateway = llm.NewGateway(llm.Options{
		Providers: providers(cfg),
		Router:    llm.NewRouter(cfg.Router, scorer(cfg)),
		Breakers:  a.Breakers,
		Observer:  a.Observer,
		Logger:    logger,
		Tracer:    a.Tracing,
		Metrics:   a.Metrics,
	})

	if a.Costs, err = costs.Open(config.CostLedgerPath()); err != nil {
		return nil, fmt.Errorf("open cost ledger: %w", err)
	}
	if a.Evolution, err = evolution.Open(config.EvolutionStatePath()); err != nil {
		return nil, fmt.Errorf("open evolution state: %w", err)
	}

	a.Resonance = resonance.NewEngine()
	a.Tracker = resonance.NewTracker(a.Bank)

	if a.Reflect, err = reflect.NewPipeline(reflect.Options{
		Bank:      a.Bank,
		Observer:  a.Observer,
		Evolution: a.Evolution,
		Logger:    logger,
		Config:    cfg.Reflection,
	}); err != nil {
		return nil, fmt.Errorf("build reflection pipeline: %w", err)
	}

	if a.Archive, err = archive.NewWorker(archive.Options{
		Bank:     a.Bank,
		Narrator: a.Gateway,
		Logger:   logger,
		Age:      cfg.Reflection.ArchiveAge,
	}); err != nil {
		return nil, fmt.Errorf("build archive worker: %w", err)
	}

	a.Queue = queue.Open(config.EventQueuePath())

	if opts.WithMind {
		if a.Mind, err = mind.Open(mind.Options{
			Dir:      config.MindDir(),
			Embedder: a.Gateway,
			Logger:   logger,
		}); err != nil {
			return nil, fmt.Errorf("open mind index: %w", err)
		}
	}

	sidekick, err := agent.NewSidekick(agent.SidekickOptions{
		Gateway:   a.Gateway,
		Bank:      a.Bank,
		Prompt:    a.Reflect,
		Resonance: a.Resonance,
		Tracker:   a.Tracker,
		Evolution: a.Evolution,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build sidekick agent: %w", err)
	}
	a.Agents = agent.NewRegistry()
	a.Agents.Register(sidekick)

	ok = true
	return a, nil
}

// Close releases everything New opened. Safe on a partially built App.
func (a *App) Close() error {
	var firstErr error
	if a.Tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.DefaultStopGrace)
		if err := a.Tracing.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	if a.Metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.DefaultStopGrace)
		if err := a.Metrics.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	if a.Breakers != nil {
		if err := a.Breakers.Save(config.BreakerStatePath()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Evolution != nil {
		if err := a.Evolution.Save(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Costs != nil {
		if err := a.Costs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Bank != nil {
		if err := a.Bank.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// providers builds the adapter set in routing order. Ollama is always
// registered; cloud adapters only when they are configured.
func providers(cfg config.Config) []llm.Provider {
	out := []llm.Provider{llm.NewOllama(cfg.Ollama)}
	if cfg.Claude.APIKey != "" {
		out = append(out, llm.NewClaude(cfg.Claude))
	}
	if cfg.OpenAI.APIKey != "" {
		out = append(out, llm.NewOpenAI(cfg.OpenAI))
	}
	if cfg.LiteLLM.Enabled {
		out = append(out, llm.NewLiteLLM(cfg.LiteLLM))
	}
	return out
}

func scorer(cfg config.Config) llm.Scorer {
	if !cfg.Router.Enabled {
		return nil
	}
	return llm.LexicalScorer{}
}
