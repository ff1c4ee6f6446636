package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"kait/internal/config"
	kaiterrors "kait/internal/errors"
	"kait/internal/llm/breaker"
	"kait/internal/logging"
	"kait/internal/observability"
	"kait/internal/observer"
)

// ChatResult is a successful gateway response.
type ChatResult struct {
	Text     string   `json:"text"`
	Provider string   `json:"provider"`
	Model    string   `json:"model"`
	Decision Decision `json:"decision"`
}

// ChatOptions tunes a single gateway call.
type ChatOptions struct {
	// Override forces the primary provider.
	Override string
	// Caller labels the observability records, e.g. "agent.sidekick".
	Caller string
}

// Options wires a Gateway together.
type Options struct {
	Providers []Provider
	Router    *Router
	Breakers  *breaker.Registry
	Observer  *observer.Observer
	Logger    logging.Logger

	// Tracer and Metrics are optional; absent, calls run untraced and
	// the OTel instruments stay silent.
	Tracer  *observability.TracerProvider
	Metrics *observability.MetricsCollector

	ChatTimeout  time.Duration // default 120s
	EmbedTimeout time.Duration // default 30s
}

// Gateway is the unified chat/stream/embed front to every provider.
// All providers fail → absence (nil result, nil error); the gateway
// never surfaces a provider error to its caller.
type Gateway struct {
	providers map[string]Provider
	order     []string
	router    *Router
	breakers  *breaker.Registry
	observer  *observer.Observer
	logger    logging.Logger
	tracer    *observability.TracerProvider
	metrics   *observability.MetricsCollector

	chatTimeout  time.Duration
	embedTimeout time.Duration

	health singleflight.Group

	mu           sync.Mutex
	lastDecision *Decision
}

// NewGateway builds a Gateway from opts.
func NewGateway(opts Options) *Gateway {
	g := &Gateway{
		providers:    make(map[string]Provider, len(opts.Providers)),
		router:       opts.Router,
		breakers:     opts.Breakers,
		observer:     opts.Observer,
		logger:       logging.OrNop(opts.Logger),
		tracer:       opts.Tracer,
		metrics:      opts.Metrics,
		chatTimeout:  opts.ChatTimeout,
		embedTimeout: opts.EmbedTimeout,
	}
	if g.tracer == nil {
		g.tracer, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}
	if g.metrics == nil {
		g.metrics = &observability.MetricsCollector{}
	}
	if g.chatTimeout <= 0 {
		g.chatTimeout = config.DefaultChatTimeout
	}
	if g.embedTimeout <= 0 {
		g.embedTimeout = config.DefaultEmbedTimeout
	}
	for _, p := range opts.Providers {
		g.providers[p.Name()] = p
		g.order = append(g.order, p.Name())
	}
	return g
}

// availability checks every registered provider: its own check AND the
// breaker currently admitting requests. The breaker peek does not
// consume half-open probes; the real Allow happens at call time.
func (g *Gateway) availability(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(g.providers))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, p := range g.providers {
		wg.Add(1)
		go func(name string, p Provider) {
			defer wg.Done()
			ok := p.Available(ctx) && g.breakers.CanRequest(name)
			mu.Lock()
			out[name] = ok
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()
	return out
}

// route resolves the provider chain and remembers the decision for
// Health().
func (g *Gateway) route(ctx context.Context, messages []Message, override string) Decision {
	decision := g.router.Route(lastUserContent(messages), override, g.availability(ctx))
	g.mu.Lock()
	g.lastDecision = &decision
	g.mu.Unlock()
	return decision
}

// Chat walks the resolved provider chain until one provider answers.
// Exhausting the chain returns (nil, nil); the caller handles absence.
func (g *Gateway) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResult, error) {
	ctx, span := g.tracer.StartSpan(ctx, observability.SpanGatewayChat)
	defer span.End()

	decision := g.route(ctx, messages, opts.Override)
	g.logger.Debug("routing: %s (primary=%s fallbacks=%v)", decision.Reason, decision.Primary, decision.Fallbacks)

	for _, name := range decision.Chain() {
		if ctx.Err() != nil {
			return nil, nil
		}
		p, ok := g.providers[name]
		if !ok {
			continue
		}
		if err := g.breakers.Allow(name); err != nil {
			continue
		}

		text, err := g.callChat(ctx, p, messages, opts.Caller)
		g.breakers.Mark(name, err)
		if err != nil {
			g.logger.Error("provider %s failed (%s): %v", name, kaiterrors.ClassifyProvider(err), err)
			continue
		}
		span.SetAttributes(observability.ProviderAttrs(name, p.Model())...)
		return &ChatResult{Text: text, Provider: name, Model: p.Model(), Decision: decision}, nil
	}

	g.logger.Error("all providers exhausted for chat")
	return nil, nil
}

func (g *Gateway) callChat(ctx context.Context, p Provider, messages []Message, caller string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.chatTimeout)
	defer cancel()
	start := time.Now()
	text, err := p.Chat(ctx, messages)
	g.recordCall(p, "chat", caller, start, text, messages, err, false)
	return text, err
}

// ChatStream yields tokens from the first provider that produces one.
// A provider that fails before its first token is recorded and skipped;
// once a token reaches the caller the stream sticks with that provider.
// Exhausting the chain returns (nil, nil).
func (g *Gateway) ChatStream(ctx context.Context, messages []Message, opts ChatOptions) (<-chan StreamChunk, *Decision, error) {
	ctx, span := g.tracer.StartSpan(ctx, observability.SpanGatewayStream)
	defer span.End()

	decision := g.route(ctx, messages, opts.Override)

	for _, name := range decision.Chain() {
		if ctx.Err() != nil {
			return nil, nil, nil
		}
		p, ok := g.providers[name]
		if !ok {
			continue
		}
		if err := g.breakers.Allow(name); err != nil {
			continue
		}

		out := g.tryStream(ctx, p, messages, opts.Caller)
		if out != nil {
			return out, &decision, nil
		}
	}

	g.logger.Error("all providers exhausted for chat_stream")
	return nil, nil, nil
}

// tryStream starts a stream and peeks its first chunk. A stream that
// errors or ends before producing a token counts as a provider failure
// and returns nil so the caller can move down the chain.
func (g *Gateway) tryStream(ctx context.Context, p Provider, messages []Message, caller string) <-chan StreamChunk {
	sctx, cancel := context.WithTimeout(ctx, g.chatTimeout)
	start := time.Now()
	name := p.Name()

	fail := func(err error) {
		cancel()
		g.breakers.Mark(name, err)
		g.recordCall(p, "chat_stream", caller, start, "", messages, err, true)
		g.logger.Error("provider %s stream failed before first token: %v", name, err)
	}

	upstream, err := p.ChatStream(sctx, messages)
	if err != nil {
		fail(err)
		return nil
	}

	first, ok := <-upstream
	if !ok {
		fail(fmt.Errorf("stream produced no tokens"))
		return nil
	}
	if first.Err != nil {
		fail(first.Err)
		return nil
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer cancel()
		total := first.Token
		streamErr := error(nil)

		if !emit(ctx, out, first) {
			g.finishStream(p, caller, start, total, messages, nil)
			return
		}
		for chunk := range upstream {
			if chunk.Err != nil {
				// Mid-response failure: classify and record, but the
				// caller already has partial output; do not re-route.
				streamErr = chunk.Err
				emit(ctx, out, chunk)
				break
			}
			total += chunk.Token
			if !emit(ctx, out, chunk) {
				break
			}
		}
		g.finishStream(p, caller, start, total, messages, streamErr)
	}()
	return out
}

// finishStream records the stream outcome. The breaker saw a success
// at commit time; only the record carries a mid-stream failure.
func (g *Gateway) finishStream(p Provider, caller string, start time.Time, text string, messages []Message, err error) {
	g.breakers.Mark(p.Name(), nil)
	g.recordCall(p, "chat_stream", caller, start, text, messages, err, true)
}

// Embed produces an embedding from the first provider that supports it
// (the local one). Unlike chat, embedding failures surface to the
// caller: the mind index needs to distinguish outage from empty.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := g.tracer.StartSpan(ctx, observability.SpanGatewayEmbed)
	defer span.End()

	for _, name := range g.order {
		p := g.providers[name]
		e, ok := p.(Embedder)
		if !ok {
			continue
		}
		if !p.Available(ctx) {
			continue
		}
		if err := g.breakers.Allow(name); err != nil {
			continue
		}

		ectx, cancel := context.WithTimeout(ctx, g.embedTimeout)
		start := time.Now()
		vec, err := e.Embed(ectx, text)
		cancel()
		g.breakers.Mark(name, err)
		g.recordCall(p, "embed", "", start, "", []Message{{Role: "user", Content: text}}, err, false)
		if err != nil {
			continue
		}
		return vec, nil
	}
	return nil, fmt.Errorf("%w: no embedding provider available", kaiterrors.ErrProviderConnection)
}

// recordCall emits one observability record for an adapter call.
func (g *Gateway) recordCall(p Provider, method, caller string, start time.Time, text string, messages []Message, err error, streaming bool) {
	rec := observer.CallRecord{
		Provider:  p.Name(),
		Model:     p.Model(),
		Method:    method,
		Caller:    caller,
		LatencyMS: float64(time.Since(start)) / float64(time.Millisecond),
		Streaming: streaming,
	}
	if err != nil {
		rec.Success = false
		rec.Error = err.Error()
		rec.ErrorType = kaiterrors.ClassifyProvider(err)
	} else {
		rec.Success = true
		rec.InputTokens = observer.EstimateTokens(joinForEstimate(messages))
		rec.OutputTokens = observer.EstimateTokens(text)
	}
	g.observer.Record(rec)

	status := "ok"
	if err != nil {
		status = rec.ErrorType
	}
	g.metrics.RecordLLMRequest(context.Background(), rec.Provider, rec.Model, status,
		time.Duration(rec.LatencyMS*float64(time.Millisecond)), rec.InputTokens, rec.OutputTokens, rec.EstimatedCostUSD)
}

// AvailableProviders lists providers that would take a request now.
func (g *Gateway) AvailableProviders(ctx context.Context) []string {
	availability := g.availability(ctx)
	var out []string
	for _, name := range routeOrder {
		if availability[name] {
			out = append(out, name)
		}
	}
	return out
}

// ProviderHealth is one provider's row in the Health() report.
type ProviderHealth struct {
	Available bool          `json:"available"`
	Breaker   breaker.State `json:"breaker"`
	Model     string        `json:"model,omitempty"`
}

// Health reports per-provider availability and breaker state, plus the
// last routing decision. Concurrent callers share one probe round via
// singleflight.
type Health struct {
	Providers    map[string]ProviderHealth `json:"providers"`
	LastDecision *Decision                 `json:"last_decision,omitempty"`
}

func (g *Gateway) Health(ctx context.Context) Health {
	v, _, _ := g.health.Do("health", func() (any, error) {
		availability := g.availability(ctx)
		providers := make(map[string]ProviderHealth, len(g.providers))
		for name, p := range g.providers {
			providers[name] = ProviderHealth{
				Available: availability[name],
				Breaker:   g.breakers.Get(name).State(),
				Model:     p.Model(),
			}
		}
		return providers, nil
	})
	providers, _ := v.(map[string]ProviderHealth)

	g.mu.Lock()
	last := g.lastDecision
	g.mu.Unlock()
	return Health{Providers: providers, LastDecision: last}
}

// Breakers exposes the registry for snapshot persistence.
func (g *Gateway) Breakers() *breaker.Registry { return g.breakers }

// Observer exposes the call telemetry collector.
func (g *Gateway) Observer() *observer.Observer { return g.observer }
