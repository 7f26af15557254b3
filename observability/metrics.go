// Package observability provides a small in-process metrics registry:
// atomic counters and gauges plus duration timers, snapshotted as JSON by
// the API server.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type Counter struct {
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

type Gauge struct {
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Timer accumulates observed durations.
type Timer struct {
	mu    sync.Mutex
	count int64
	total time.Duration
	last  time.Duration
}

func (t *Timer) Observe(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	t.total += d
	t.last = d
}

func (t *Timer) Snapshot() (count int64, total, last time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count, t.total, t.last
}

type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	timers   map[string]*Timer
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		timers:   make(map[string]*Timer),
	}
}

func (r *Registry) Counter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{}
	r.counters[name] = c
	return c
}

func (r *Registry) Gauge(name string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{}
	r.gauges[name] = g
	return g
}

func (r *Registry) Timer(name string) *Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[name]; ok {
		return t
	}
	t := &Timer{}
	r.timers[name] = t
	return t
}

// Snapshot returns a flat map suitable for JSON encoding.
func (r *Registry) Snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]any)
	for name, c := range r.counters {
		out["counter."+name] = c.Value()
	}
	for name, g := range r.gauges {
		out["gauge."+name] = g.Value()
	}
	for name, t := range r.timers {
		count, total, last := t.Snapshot()
		out["timer."+name+".count"] = count
		out["timer."+name+".total_ms"] = total.Milliseconds()
		out["timer."+name+".last_ms"] = last.Milliseconds()
	}
	return out
}
