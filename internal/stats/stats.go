// Package stats counts generation requests, tokens and errors per provider.
package stats

import (
	"runtime"
	"sort"
	"sync"
	"time"
)

// Collector collects generation statistics. It is safe for concurrent use.
type Collector struct {
	mu            sync.Mutex
	startTime     time.Time
	requestCount  int64
	tokenCount    int64
	errorCount    int64
	totalDuration int64 // nanoseconds
	providers     map[string]*ProviderStats
}

// ProviderStats are the counters of one provider.
type ProviderStats struct {
	Provider     string  `json:"provider"`
	Requests     int64   `json:"requests"`
	Tokens       int64   `json:"tokens"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`

	duration int64
}

// NewCollector creates a new stats collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		providers: map[string]*ProviderStats{},
	}
}

// Stats is a snapshot.
type Stats struct {
	MemoryStats MemoryStats `json:"memory"`
	Goroutines  int         `json:"goroutines"`
	Uptime      string      `json:"uptime"`

	RequestCount int64           `json:"request_count"`
	TokenCount   int64           `json:"token_count"`
	ErrorCount   int64           `json:"error_count"`
	AvgLatencyMs float64         `json:"avg_latency_ms"`
	Providers    []ProviderStats `json:"providers"`

	IndexSize   int64   `json:"index_size_bytes"`
	IndexSizeMB float64 `json:"index_size_mb"`
	IndexPath   string  `json:"index_path,omitempty"`
}

// MemoryStats is the process memory at snapshot time.
type MemoryStats struct {
	HeapAlloc   int64   `json:"heap_alloc_bytes"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	HeapInuse   int64   `json:"heap_inuse_bytes"`
	HeapInuseMB float64 `json:"heap_inuse_mb"`
	NumGC       uint32  `json:"num_gc"`
}

// Collect returns a snapshot. indexSize and indexPath describe the note
// index database.
func (c *Collector) Collect(indexSize int64, indexPath string) *Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.mu.Lock()
	defer c.mu.Unlock()

	out := &Stats{
		MemoryStats: MemoryStats{
			HeapAlloc:   int64(m.HeapAlloc),
			HeapAllocMB: bytesToMB(int64(m.HeapAlloc)),
			HeapInuse:   int64(m.HeapInuse),
			HeapInuseMB: bytesToMB(int64(m.HeapInuse)),
			NumGC:       m.NumGC,
		},
		Goroutines:   runtime.NumGoroutine(),
		Uptime:       time.Since(c.startTime).Round(time.Second).String(),
		RequestCount: c.requestCount,
		TokenCount:   c.tokenCount,
		ErrorCount:   c.errorCount,
		AvgLatencyMs: avgMs(c.totalDuration, c.requestCount),
		IndexSize:    indexSize,
		IndexSizeMB:  bytesToMB(indexSize),
		IndexPath:    indexPath,
	}
	for _, p := range c.providers {
		snap := *p
		snap.AvgLatencyMs = avgMs(p.duration, p.Requests)
		out.Providers = append(out.Providers, snap)
	}
	sort.Slice(out.Providers, func(i, j int) bool { return out.Providers[i].Provider < out.Providers[j].Provider })
	return out
}

func (c *Collector) provider(id string) *ProviderStats {
	p, ok := c.providers[id]
	if !ok {
		p = &ProviderStats{Provider: id}
		c.providers[id] = p
	}
	return p
}

// RecordRequest records a completed generation.
func (c *Collector) RecordRequest(providerID string, tokens int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestCount++
	c.tokenCount += int64(tokens)
	c.totalDuration += duration.Nanoseconds()

	p := c.provider(providerID)
	p.Requests++
	p.Tokens += int64(tokens)
	p.duration += duration.Nanoseconds()
}

// RecordError records a failed generation.
func (c *Collector) RecordError(providerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
	c.provider(providerID).Errors++
}

// StartTime returns when the collector started.
func (c *Collector) StartTime() time.Time {
	return c.startTime
}

func avgMs(total, n int64) float64 {
	if n == 0 {
		return 0
	}
	return float64(total) / float64(n) / 1e6
}

func bytesToMB(b int64) float64 {
	return float64(b) / 1024 / 1024
}
