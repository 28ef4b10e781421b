// Package cost tracks token usage and estimated spend per day and month.
package cost

import (
	"sync"
	"time"
)

// Tracker accumulates usage. Local providers are counted but cost nothing.
type Tracker struct {
	mu      sync.Mutex
	now     func() time.Time
	daily   *DailyStats
	monthly *MonthlyStats
	spend   map[string]float64 // provider id -> cost this month
}

// DailyStats tracks cost for a single day.
type DailyStats struct {
	Date        string  `json:"date"`
	LocalTokens int     `json:"local_tokens"`
	CloudTokens int     `json:"cloud_tokens"`
	CloudCost   float64 `json:"cloud_cost"`
	Requests    int     `json:"requests"`
}

// MonthlyStats tracks cost for a month.
type MonthlyStats struct {
	Month       string             `json:"month"`
	LocalTokens int                `json:"local_tokens"`
	CloudTokens int                `json:"cloud_tokens"`
	CloudCost   float64            `json:"cloud_cost"`
	Requests    int                `json:"requests"`
	ByProvider  map[string]float64 `json:"by_provider"`
}

// NewTracker creates a tracker for the current day and month.
func NewTracker() *Tracker {
	return newTracker(time.Now)
}

func newTracker(now func() time.Time) *Tracker {
	t := &Tracker{now: now, spend: map[string]float64{}}
	n := now()
	t.daily = &DailyStats{Date: n.Format("2006-01-02")}
	t.monthly = &MonthlyStats{Month: n.Format("2006-01")}
	return t
}

// rollLocked starts new buckets when the day or month changed.
func (t *Tracker) rollLocked() {
	n := t.now()
	if d := n.Format("2006-01-02"); d != t.daily.Date {
		t.daily = &DailyStats{Date: d}
	}
	if m := n.Format("2006-01"); m != t.monthly.Month {
		t.monthly = &MonthlyStats{Month: m}
		t.spend = map[string]float64{}
	}
}

// Record records one generation.
func (t *Tracker) Record(providerID string, isLocal bool, tokens int, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()

	if isLocal {
		t.daily.LocalTokens += tokens
		t.monthly.LocalTokens += tokens
	} else {
		t.daily.CloudTokens += tokens
		t.monthly.CloudTokens += tokens
		t.daily.CloudCost += cost
		t.monthly.CloudCost += cost
		t.spend[providerID] += cost
	}
	t.daily.Requests++
	t.monthly.Requests++
}

// LocalRate returns the percentage of today's tokens handled locally.
func (t *Tracker) LocalRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := t.daily.LocalTokens + t.daily.CloudTokens
	if total == 0 {
		return 0
	}
	return float64(t.daily.LocalTokens) / float64(total) * 100
}

// Daily returns a copy of today's statistics.
func (t *Tracker) Daily() DailyStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	return *t.daily
}

// Monthly returns a copy of this month's statistics.
func (t *Tracker) Monthly() MonthlyStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	out := *t.monthly
	out.ByProvider = make(map[string]float64, len(t.spend))
	for k, v := range t.spend {
		out.ByProvider[k] = v
	}
	return out
}
