package observer

import (
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"kait/internal/config"
	kaiterrors "kait/internal/errors"
)

// Options configures an Observer. Zero values pick the defaults below;
// an empty Path disables file persistence (ring only).
type Options struct {
	RingSize int   // in-memory records kept, default 1000
	Path     string
	MaxBytes int64 // JSONL rotation threshold, default 10 MiB
	Backups  int   // rotated files kept, default 3
	Enabled  bool
}

// NewOptions returns the default options with the enabled flag resolved
// from KAIT_LLM_OBS_ENABLED (default on).
func NewOptions(path string) Options {
	return Options{
		Path:    path,
		Enabled: config.EnvFlag("LLM_OBS_ENABLED", true),
	}
}

// Observer is the central LLM call metrics collector. Safe for
// concurrent use. When disabled, every method is a cheap no-op.
type Observer struct {
	enabled bool

	mu          sync.Mutex
	ring        []CallRecord
	next        int
	full        bool
	totalCalls  int
	totalErrors int
	totalCost   float64

	sink *jsonlSink
}

// New builds an Observer from opts.
func New(opts Options) *Observer {
	if opts.RingSize <= 0 {
		opts.RingSize = config.DefaultRingSize
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = config.DefaultJSONLMaxBytes
	}
	if opts.Backups <= 0 {
		opts.Backups = config.DefaultJSONLBackups
	}
	o := &Observer{
		enabled: opts.Enabled,
		ring:    make([]CallRecord, opts.RingSize),
	}
	if opts.Path != "" {
		o.sink = &jsonlSink{path: opts.Path, maxBytes: opts.MaxBytes, backups: opts.Backups}
	}
	return o
}

// Enabled reports whether the observer records anything.
func (o *Observer) Enabled() bool { return o.enabled }

// Record stores one call record, filling derived fields.
func (o *Observer) Record(rec CallRecord) {
	if !o.enabled {
		return
	}
	rec.normalize()

	o.mu.Lock()
	o.ring[o.next] = rec
	o.next++
	if o.next == len(o.ring) {
		o.next = 0
		o.full = true
	}
	o.totalCalls++
	o.totalCost += rec.EstimatedCostUSD
	if !rec.Success {
		o.totalErrors++
	}
	o.mu.Unlock()

	// The sink has its own lock; a slow disk must not stall readers.
	if o.sink != nil {
		o.sink.append(rec)
	}
}

// Observe times fn and records the outcome under the given provider.
// The fn result is passed through unchanged; on error the record carries
// the classified failure and the error is returned as-is.
func (o *Observer) Observe(provider, model, method string, fn func() (string, error)) (string, error) {
	if !o.enabled {
		return fn()
	}
	streaming := strings.Contains(strings.ToLower(method), "stream")
	caller := callerName(2)
	start := time.Now()

	text, err := fn()
	elapsedMS := float64(time.Since(start)) / float64(time.Millisecond)

	rec := CallRecord{
		Provider:  provider,
		Model:     model,
		Method:    method,
		Caller:    caller,
		LatencyMS: elapsedMS,
		Streaming: streaming,
	}
	if err != nil {
		rec.Success = false
		rec.Error = err.Error()
		rec.ErrorType = kaiterrors.ClassifyProvider(err)
	} else {
		rec.Success = true
		rec.OutputTokens = EstimateTokens(text)
	}
	o.Record(rec)
	return text, err
}

// Recent returns up to limit records, oldest first.
func (o *Observer) Recent(limit int) []CallRecord {
	if !o.enabled {
		return nil
	}
	o.mu.Lock()
	records := o.snapshotLocked()
	o.mu.Unlock()
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records
}

// Summary aggregates the records inside the window.
type Summary struct {
	WindowS      float64 `json:"window_s"`
	TotalCalls   int     `json:"total_calls"`
	ErrorCount   int     `json:"error_count"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	P50LatencyMS float64 `json:"p50_latency_ms"`
	P99LatencyMS float64 `json:"p99_latency_ms"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// Summary computes window statistics over the ring.
func (o *Observer) Summary(window time.Duration) Summary {
	s := Summary{WindowS: window.Seconds()}
	records := o.windowRecords(window, "")
	if len(records) == 0 {
		return s
	}
	latencies := make([]float64, 0, len(records))
	for _, r := range records {
		latencies = append(latencies, r.LatencyMS)
		s.TotalTokens += r.TotalTokens
		s.TotalCostUSD += r.EstimatedCostUSD
		if !r.Success {
			s.ErrorCount++
		}
	}
	sort.Float64s(latencies)
	s.TotalCalls = len(records)
	s.ErrorRate = float64(s.ErrorCount) / float64(len(records))
	s.AvgLatencyMS = mean(latencies)
	s.P50LatencyMS = percentile(latencies, 50)
	s.P99LatencyMS = percentile(latencies, 99)
	s.TotalCostUSD = round6(s.TotalCostUSD)
	return s
}

// ProviderSummary is the per-provider slice of a window.
type ProviderSummary struct {
	Calls        int      `json:"calls"`
	Errors       int      `json:"errors"`
	ErrorRate    float64  `json:"error_rate"`
	AvgLatencyMS float64  `json:"avg_latency_ms"`
	P50LatencyMS float64  `json:"p50_latency_ms"`
	P99LatencyMS float64  `json:"p99_latency_ms"`
	TotalTokens  int      `json:"total_tokens"`
	TotalCostUSD float64  `json:"total_cost_usd"`
	Models       []string `json:"models"`
}

// ProviderStats groups window statistics by provider.
func (o *Observer) ProviderStats(window time.Duration) map[string]ProviderSummary {
	byProvider := make(map[string][]CallRecord)
	for _, r := range o.windowRecords(window, "") {
		byProvider[r.Provider] = append(byProvider[r.Provider], r)
	}

	out := make(map[string]ProviderSummary, len(byProvider))
	for provider, recs := range byProvider {
		var ps ProviderSummary
		latencies := make([]float64, 0, len(recs))
		models := make(map[string]struct{})
		for _, r := range recs {
			latencies = append(latencies, r.LatencyMS)
			ps.TotalTokens += r.TotalTokens
			ps.TotalCostUSD += r.EstimatedCostUSD
			if !r.Success {
				ps.Errors++
			}
			if r.Model != "" {
				models[r.Model] = struct{}{}
			}
		}
		sort.Float64s(latencies)
		ps.Calls = len(recs)
		ps.ErrorRate = float64(ps.Errors) / float64(len(recs))
		ps.AvgLatencyMS = round1(mean(latencies))
		ps.P50LatencyMS = round1(percentile(latencies, 50))
		ps.P99LatencyMS = round1(percentile(latencies, 99))
		ps.TotalCostUSD = round6(ps.TotalCostUSD)
		for m := range models {
			ps.Models = append(ps.Models, m)
		}
		sort.Strings(ps.Models)
		out[provider] = ps
	}
	return out
}

// ErrorRate is a provider's failure fraction inside the window.
func (o *Observer) ErrorRate(provider string, window time.Duration) float64 {
	records := o.windowRecords(window, provider)
	if len(records) == 0 {
		return 0
	}
	errors := 0
	for _, r := range records {
		if !r.Success {
			errors++
		}
	}
	return float64(errors) / float64(len(records))
}

// P50Latency is the median latency of successful calls in the window,
// optionally narrowed to one provider (empty = all).
func (o *Observer) P50Latency(provider string, window time.Duration) float64 {
	return o.latencyPercentile(50, provider, window)
}

// P99Latency is the tail latency of successful calls in the window.
func (o *Observer) P99Latency(provider string, window time.Duration) float64 {
	return o.latencyPercentile(99, provider, window)
}

func (o *Observer) latencyPercentile(pct float64, provider string, window time.Duration) float64 {
	var latencies []float64
	for _, r := range o.windowRecords(window, provider) {
		if r.Success {
			latencies = append(latencies, r.LatencyMS)
		}
	}
	if len(latencies) == 0 {
		return 0
	}
	sort.Float64s(latencies)
	return percentile(latencies, pct)
}

// LifetimeStats aggregates everything recorded since construction.
type LifetimeStats struct {
	TotalCalls     int     `json:"total_calls"`
	TotalErrors    int     `json:"total_errors"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	BufferSize     int     `json:"buffer_size"`
	BufferCapacity int     `json:"buffer_capacity"`
}

// Lifetime returns the since-construction aggregate.
func (o *Observer) Lifetime() LifetimeStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	size := o.next
	if o.full {
		size = len(o.ring)
	}
	return LifetimeStats{
		TotalCalls:     o.totalCalls,
		TotalErrors:    o.totalErrors,
		TotalCostUSD:   round6(o.totalCost),
		BufferSize:     size,
		BufferCapacity: len(o.ring),
	}
}

// snapshotLocked copies the ring oldest-first. Caller holds o.mu.
func (o *Observer) snapshotLocked() []CallRecord {
	if !o.full {
		out := make([]CallRecord, o.next)
		copy(out, o.ring[:o.next])
		return out
	}
	out := make([]CallRecord, 0, len(o.ring))
	out = append(out, o.ring[o.next:]...)
	out = append(out, o.ring[:o.next]...)
	return out
}

func (o *Observer) windowRecords(window time.Duration, provider string) []CallRecord {
	if !o.enabled {
		return nil
	}
	cutoff := float64(time.Now().Add(-window).UnixNano()) / 1e9
	o.mu.Lock()
	all := o.snapshotLocked()
	o.mu.Unlock()

	var out []CallRecord
	for _, r := range all {
		if r.Timestamp >= cutoff && (provider == "" || r.Provider == provider) {
			out = append(out, r)
		}
	}
	return out
}

// percentile interpolates linearly between the two nearest ranks of an
// already-sorted slice.
func percentile(sorted []float64, pct float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	idx := (pct / 100.0) * float64(n-1)
	lower := int(idx)
	upper := lower + 1
	if upper > n-1 {
		upper = n - 1
	}
	frac := idx - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func round1(v float64) float64 { return float64(int64(v*10+0.5)) / 10 }

func round6(v float64) float64 { return float64(int64(v*1e6+0.5)) / 1e6 }

// callerName names the function `skip` frames up the stack, trimmed to
// its package-local form.
func callerName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
