package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// OperationStats is the expvar view of one patient operation.
type OperationStats struct {
	Succeeded int64   `json:"succeeded"`
	Failed    int64   `json:"failed"`
	TotalMS   float64 `json:"total_ms"`
}

type operationVars struct {
	succeeded expvar.Int
	failed    expvar.Int
	totalMS   expvar.Float
}

func (v *operationVars) publish() *expvar.Map {
	m := new(expvar.Map).Init()
	m.Set("succeeded", &v.succeeded)
	m.Set("failed", &v.failed)
	m.Set("total_ms", &v.totalMS)
	return m
}

// ExpvarMetricsRecorder exports one expvar map per operation under a single
// published name. Every name in Operations is registered up front so
// /debug/vars shows the full operation set at zero before the first request.
type ExpvarMetricsRecorder struct {
	name string
	root *expvar.Map

	mu  sync.RWMutex
	ops map[string]*operationVars
}

// NewExpvarMetricsRecorder publishes a recorder under name, or under a
// generated patient_service_metrics_<n> name when name is empty. expvar names
// are process-global; publishing the same name twice panics.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("patient_service_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	rec := &ExpvarMetricsRecorder{
		name: name,
		root: new(expvar.Map).Init(),
		ops:  make(map[string]*operationVars, len(Operations)),
	}
	for _, op := range Operations {
		rec.vars(op)
	}
	expvar.Publish(name, rec.root)
	return rec
}

// Name returns the published expvar name.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

func (r *ExpvarMetricsRecorder) vars(op string) *operationVars {
	r.mu.RLock()
	v, ok := r.ops[op]
	r.mu.RUnlock()
	if ok {
		return v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok = r.ops[op]; ok {
		return v
	}
	v = &operationVars{}
	r.ops[op] = v
	r.root.Set(op, v.publish())
	return v
}

// Observe implements MetricsRecorder. Empty operation names are dropped.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	v := r.vars(operation)
	if success {
		v.succeeded.Add(1)
	} else {
		v.failed.Add(1)
	}
	v.totalMS.Add(float64(duration) / float64(time.Millisecond))
}

// Snapshot reads the current counters keyed by operation.
func (r *ExpvarMetricsRecorder) Snapshot() map[string]OperationStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]OperationStats, len(r.ops))
	for op, v := range r.ops {
		out[op] = OperationStats{
			Succeeded: v.succeeded.Value(),
			Failed:    v.failed.Value(),
			TotalMS:   v.totalMS.Value(),
		}
	}
	return out
}

// DefaultSpanRetention bounds how many recent spans a JSONTraceTracer keeps.
const DefaultSpanRetention = 256

// TraceSpanRecord is one finished span as written to the trace output.
type TraceSpanRecord struct {
	Operation  string    `json:"operation"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	ClientErr  bool      `json:"client_error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS float64   `json:"duration_ms"`
}

// JSONTracerOption tunes a JSONTraceTracer.
type JSONTracerOption func(*JSONTraceTracer)

// WithSpanRetention keeps the n most recent spans for Recent; n <= 0 keeps none.
func WithSpanRetention(n int) JSONTracerOption {
	return func(t *JSONTraceTracer) {
		if n < 0 {
			n = 0
		}
		t.ring = make([]TraceSpanRecord, n)
	}
}

// JSONTraceTracer writes each finished span as a JSON line and keeps a
// fixed-size ring of the latest spans.
type JSONTraceTracer struct {
	mu      sync.Mutex
	enc     *json.Encoder
	ring    []TraceSpanRecord
	next    int
	size    int
	evicted uint64
	now     func() time.Time
}

// NewJSONTracer writes spans to w; a nil w only fills the ring.
func NewJSONTracer(w io.Writer, opts ...JSONTracerOption) *JSONTraceTracer {
	t := &JSONTraceTracer{
		ring: make([]TraceSpanRecord, DefaultSpanRetention),
		now:  func() time.Time { return time.Now().UTC() },
	}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Recent returns the retained spans, oldest first.
func (t *JSONTraceTracer) Recent() []TraceSpanRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceSpanRecord, 0, t.size)
	start := t.next - t.size
	if start < 0 {
		start += len(t.ring)
	}
	for i := 0; i < t.size; i++ {
		out = append(out, t.ring[(start+i)%len(t.ring)])
	}
	return out
}

// Evicted counts spans that fell out of the ring.
func (t *JSONTraceTracer) Evicted() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evicted
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonSpan{tracer: t, operation: operation, started: t.now()}
}

func (t *JSONTraceTracer) finish(rec TraceSpanRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enc != nil {
		_ = t.enc.Encode(rec)
	}
	if len(t.ring) == 0 {
		t.evicted++
		return
	}
	if t.size == len(t.ring) {
		t.evicted++
	} else {
		t.size++
	}
	t.ring[t.next] = rec
	t.next = (t.next + 1) % len(t.ring)
}

type jsonSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
}

func (s *jsonSpan) End(err error) {
	rec := TraceSpanRecord{
		Operation:  s.operation,
		Outcome:    string(AuditStatusSuccess),
		StartedAt:  s.started,
		DurationMS: float64(s.tracer.now().Sub(s.started)) / float64(time.Millisecond),
	}
	if err != nil {
		rec.Outcome = string(AuditStatusError)
		rec.Error = err.Error()
		rec.ClientErr = IsClientError(err)
	}
	s.tracer.finish(rec)
}
