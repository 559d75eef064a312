package quota

import (
	"sync"
	"time"
)

type Settings struct {
	Window           time.Duration
	MaxCalls         int
	MaxRateLimitHits int
}

// window is a fixed counting window per (provider, account). Counters are
// advisory; an occasional undercount only shifts when backpressure kicks in.
type window struct {
	start         time.Time
	calls         int
	rateLimitHits int
}

type Snapshot struct {
	WindowStart   time.Time `json:"window_start"`
	Calls         int       `json:"calls"`
	RateLimitHits int       `json:"rate_limit_hits"`
	Remaining     int       `json:"remaining"`
}

// Monitor tracks recent call volume and rate-limit rejections per
// (provider, account) and answers whether another call is safe.
type Monitor struct {
	mu       sync.Mutex
	windows  map[string]*window
	settings Settings
	now      func() time.Time
}

func NewMonitor(settings Settings) *Monitor {
	if settings.Window <= 0 {
		settings.Window = time.Minute
	}
	if settings.MaxCalls <= 0 {
		settings.MaxCalls = 50
	}
	if settings.MaxRateLimitHits <= 0 {
		settings.MaxRateLimitHits = 3
	}
	return &Monitor{
		windows:  make(map[string]*window),
		settings: settings,
		now:      time.Now,
	}
}

func key(providerKind, accountID string) string {
	return providerKind + ":" + accountID
}

func (m *Monitor) current(k string) *window {
	w, ok := m.windows[k]
	now := m.now()
	if !ok || now.Sub(w.start) >= m.settings.Window {
		w = &window{start: now}
		m.windows[k] = w
	}
	return w
}

// CanProceed reports whether another provider call is within budget.
func (m *Monitor) CanProceed(providerKind, accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.current(key(providerKind, accountID))
	if w.rateLimitHits >= m.settings.MaxRateLimitHits {
		return false
	}
	return w.calls < m.settings.MaxCalls
}

// RecordCall updates the window after a provider call completed.
func (m *Monitor) RecordCall(providerKind, accountID string, rateLimited bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.current(key(providerKind, accountID))
	w.calls++
	if rateLimited {
		w.rateLimitHits++
	}
}

func (m *Monitor) Snapshot(providerKind, accountID string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.current(key(providerKind, accountID))
	remaining := m.settings.MaxCalls - w.calls
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		WindowStart:   w.start,
		Calls:         w.calls,
		RateLimitHits: w.rateLimitHits,
		Remaining:     remaining,
	}
}
