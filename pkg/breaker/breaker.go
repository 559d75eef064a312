package breaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned without invoking the wrapped call.
var ErrOpen = errors.New("circuit breaker open")

type Settings struct {
	FailureThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

// record tracks failures for one (provider, account) pair. Records are
// transient and advisory; losing them degrades to "assume healthy".
type record struct {
	state         State
	failures      int
	lastFailure   time.Time
	retryAt       time.Time
	cooldown      time.Duration
	trialInFlight bool
}

type Snapshot struct {
	State       State      `json:"state"`
	Failures    int        `json:"failures"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	RetryAt     *time.Time `json:"retry_at,omitempty"`
}

// Registry holds breaker records keyed by (provider, account).
type Registry struct {
	mu       sync.Mutex
	records  map[string]*record
	settings Settings
	now      func() time.Time
}

func NewRegistry(settings Settings) *Registry {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.MaxCooldown <= 0 {
		settings.MaxCooldown = 15 * time.Minute
	}
	return &Registry{
		records:  make(map[string]*record),
		settings: settings,
		now:      time.Now,
	}
}

func key(providerKind, accountID string) string {
	return providerKind + ":" + accountID
}

func (r *Registry) get(k string) *record {
	rec, ok := r.records[k]
	if !ok {
		rec = &record{state: StateClosed, cooldown: r.settings.Cooldown}
		r.records[k] = rec
	}
	return rec
}

// Execute runs call unless the breaker is open. While half-open exactly one
// trial call is admitted; concurrent callers get ErrOpen.
func (r *Registry) Execute(providerKind, accountID string, call func() error) error {
	k := key(providerKind, accountID)

	r.mu.Lock()
	rec := r.get(k)
	switch rec.state {
	case StateOpen:
		if r.now().Before(rec.retryAt) {
			r.mu.Unlock()
			return ErrOpen
		}
		rec.state = StateHalfOpen
		rec.trialInFlight = true
		log.Printf("[Breaker] %s cooled down, admitting trial call", k)
	case StateHalfOpen:
		if rec.trialInFlight {
			r.mu.Unlock()
			return ErrOpen
		}
		rec.trialInFlight = true
	}
	r.mu.Unlock()

	err := call()

	r.mu.Lock()
	defer r.mu.Unlock()
	rec = r.get(k)
	rec.trialInFlight = false

	if err == nil {
		if rec.state != StateClosed {
			log.Printf("[Breaker] %s trial succeeded, closing", k)
		}
		rec.state = StateClosed
		rec.failures = 0
		rec.cooldown = r.settings.Cooldown
		return nil
	}

	rec.failures++
	rec.lastFailure = r.now()

	if rec.state == StateHalfOpen {
		// Trial failed: reopen and double the cooldown, bounded.
		rec.cooldown *= 2
		if rec.cooldown > r.settings.MaxCooldown {
			rec.cooldown = r.settings.MaxCooldown
		}
		rec.state = StateOpen
		rec.retryAt = r.now().Add(rec.cooldown)
		log.Printf("[Breaker] %s trial failed, reopening for %v", k, rec.cooldown)
	} else if rec.failures >= r.settings.FailureThreshold {
		rec.state = StateOpen
		rec.retryAt = r.now().Add(rec.cooldown)
		log.Printf("[Breaker] %s opened after %d consecutive failures (cooldown %v)", k, rec.failures, rec.cooldown)
	}
	return err
}

// RetryAt reports when the breaker next admits a call. Zero time when closed.
func (r *Registry) RetryAt(providerKind, accountID string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key(providerKind, accountID)]
	if !ok || rec.state == StateClosed {
		return time.Time{}
	}
	return rec.retryAt
}

func (r *Registry) Snapshot(providerKind, accountID string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key(providerKind, accountID)]
	if !ok {
		return Snapshot{State: StateClosed}
	}
	snap := Snapshot{State: rec.state, Failures: rec.failures}
	if !rec.lastFailure.IsZero() {
		t := rec.lastFailure
		snap.LastFailure = &t
	}
	if rec.state != StateClosed && !rec.retryAt.IsZero() {
		t := rec.retryAt
		snap.RetryAt = &t
	}
	return snap
}
