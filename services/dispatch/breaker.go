package dispatch

import (
	"sync"
	"time"

	"github.com/upb/llm-gateway/services/providers"
)

// State is a circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Outcome is what a call admitted by the breaker reports back
type Outcome int

const (
	// OutcomeSuccess closes a half-open breaker and resets the failure count
	OutcomeSuccess Outcome = iota

	// OutcomeFailure counts toward opening the breaker
	OutcomeFailure

	// OutcomeNeutral says nothing about the vendor's health (e.g., a rejected request)
	OutcomeNeutral
)

// BreakerConfig tunes a circuit breaker
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker; 0 disables it
	Threshold int

	// Cooldown is how long the breaker stays open before admitting a probe
	Cooldown time.Duration
}

// Ticket identifies one admitted call
type Ticket struct {
	generation uint64
	probe      bool
}

// CircuitBreaker isolates callers from a persistently failing provider
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	// onTransition runs after the lock is released
	onTransition func(name string, from, to State)

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probing    bool
	generation uint64
}

// NewCircuitBreaker creates a closed breaker. A nil clock uses time.Now.
func NewCircuitBreaker(name string, cfg BreakerConfig, now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: now}
}

// State returns the current state, accounting for an elapsed cooldown
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.cooledDown() {
		return StateHalfOpen
	}
	return b.state
}

// Allow admits a call or returns providers.ErrCircuitOpen. An open breaker whose
// cooldown has elapsed admits exactly one probe; everyone else keeps failing fast
// until the probe reports back.
func (b *CircuitBreaker) Allow() (Ticket, error) {
	if b.cfg.Threshold <= 0 {
		return Ticket{}, nil
	}

	b.mu.Lock()
	var from, to State
	transitioned := false

	switch b.state {
	case StateOpen:
		if !b.cooledDown() {
			b.mu.Unlock()
			return Ticket{}, providers.ErrCircuitOpen
		}
		from, to, transitioned = b.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return Ticket{}, providers.ErrCircuitOpen
		}
		b.probing = true
		t := Ticket{generation: b.generation, probe: true}
		b.mu.Unlock()
		if transitioned {
			b.notify(from, to)
		}
		return t, nil
	}

	t := Ticket{generation: b.generation}
	b.mu.Unlock()
	return t, nil
}

// Done reports the outcome of a call admitted by Allow
func (b *CircuitBreaker) Done(t Ticket, outcome Outcome) {
	if b.cfg.Threshold <= 0 {
		return
	}

	b.mu.Lock()
	var from, to State
	transitioned := false

	switch {
	case t.probe:
		if t.generation != b.generation || b.state != StateHalfOpen {
			break
		}
		b.probing = false
		switch outcome {
		case OutcomeSuccess:
			from, to, transitioned = b.transition(StateClosed)
		case OutcomeFailure:
			from, to, transitioned = b.transition(StateOpen)
		}

	case b.state == StateClosed && t.generation == b.generation:
		switch outcome {
		case OutcomeSuccess:
			b.failures = 0
		case OutcomeFailure:
			b.failures++
			if b.failures >= b.cfg.Threshold {
				from, to, transitioned = b.transition(StateOpen)
			}
		}
	}
	b.mu.Unlock()

	if transitioned {
		b.notify(from, to)
	}
}

// Reset closes the breaker
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	from, to, transitioned := b.transition(StateClosed)
	b.mu.Unlock()
	if transitioned {
		b.notify(from, to)
	}
}

// transition must be called with mu held. Calls admitted under an earlier
// generation no longer affect the state.
func (b *CircuitBreaker) transition(to State) (State, State, bool) {
	from := b.state
	if from == to {
		return from, to, false
	}
	b.state = to
	b.generation++
	b.failures = 0
	b.probing = false
	if to == StateOpen {
		b.openedAt = b.now()
	}
	return from, to, true
}

func (b *CircuitBreaker) cooledDown() bool {
	return !b.now().Before(b.openedAt.Add(b.cfg.Cooldown))
}

func (b *CircuitBreaker) notify(from, to State) {
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}
