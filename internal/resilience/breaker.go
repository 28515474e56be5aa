// Package resilience implements the circuit breaker pattern protecting
// VSTP senders from hammering an unresponsive peer: once a peer's failure
// rate trips the breaker, further sends fail fast until a cooldown elapses
// and a trial request is allowed through.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is a circuit breaker's position in the closed/open/half-open
// state machine.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests blocked
	StateHalfOpen              // trial requests allowed to probe recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Errors returned by Execute/Allow when a request is rejected without
// being attempted.
var (
	ErrCircuitOpen     = errors.New("resilience: circuit breaker is open")
	ErrTooManyRequests = errors.New("resilience: too many trial requests in half-open state")
)

// Config configures one breaker.
type Config struct {
	Name string

	// MaxRequests bounds the trial requests allowed while half-open.
	MaxRequests uint32
	// Interval is how often counts reset while closed; zero disables
	// periodic reset.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration

	// ReadyToTrip decides, from a snapshot of Counts after a closed-state
	// failure, whether to trip to open.
	ReadyToTrip func(counts Counts) bool
	// OnStateChange is called on every transition, for logging/metrics.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips once at least 5 requests in the current counting
// window have a failure ratio above 50%, and cools down for 30s,
// matching the reliable-datagram layer's retry budget closely enough that
// a tripped breaker and an exhausted retry loop fail at comparable paces.
func DefaultConfig(name string, logger *slog.Logger) *Config {
	if logger == nil {
		logger = slog.Default()
	}
	return &Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.Requests >= 5 && c.FailureRatio() > 0.5
		},
		OnStateChange: func(name string, from, to State) {
			logger.Info("resilience: circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	}
}

// Counts tallies requests within the breaker's current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns TotalFailures/Requests, or 0 if no requests yet.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() { *c = Counts{} }

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is one peer's circuit breaker instance.
type Breaker struct {
	cfg *Config

	mu            sync.Mutex
	state         State
	generation    uint64
	counts        Counts
	expiry        time.Time
	lastStateTime time.Time
}

// New creates a breaker; a nil cfg uses DefaultConfig("default", nil).
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig("default", nil)
	}
	return &Breaker{cfg: cfg, state: StateClosed, lastStateTime: time.Now()}
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, resolving any pending timeout-based
// transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Counts returns a snapshot of the current generation's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Execute runs req if the breaker allows it, recording the outcome.
// Matches the Execute(func() (interface{}, error)) (interface{}, error)
// shape that reliableudp.Client.SetBreaker expects, so a *Breaker plugs in
// directly as its Breaker dependency.
func (b *Breaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	generation, err := b.beforeRequest()
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(generation, false)
			panic(r)
		}
	}()
	result, err := req()
	b.afterRequest(generation, err == nil)
	return result, err
}

// ExecuteContext is Execute for a context-aware request function.
func (b *Breaker) ExecuteContext(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	generation, err := b.beforeRequest()
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(generation, false)
			panic(r)
		}
	}()
	result, err := req(ctx)
	b.afterRequest(generation, err == nil)
	return result, err
}

// Allow reports whether a request would currently be permitted, without
// attempting or recording one.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	if state == StateOpen {
		return ErrCircuitOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxRequests {
		return ErrTooManyRequests
	}
	return nil
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, generation := b.currentState(time.Now())
	if state == StateOpen {
		return generation, ErrCircuitOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxRequests {
		return generation, ErrTooManyRequests
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterRequest(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	state, current := b.currentState(now)
	if generation != current {
		return // stale result from a prior generation
	}
	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxRequests {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.lastStateTime = now
	b.toNewGeneration(now)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	var expiry time.Time
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			expiry = now.Add(b.cfg.Interval)
		}
	case StateOpen:
		expiry = now.Add(b.cfg.Timeout)
	}
	b.expiry = expiry
}

func (b *Breaker) String() string {
	state := b.State()
	counts := b.Counts()
	return fmt.Sprintf("Breaker[%s: state=%s, requests=%d, failures=%d]", b.cfg.Name, state, counts.Requests, counts.TotalFailures)
}

// PeerBreakers lazily creates and holds one Breaker per peer address
// (a net.Addr.String() or stream session key), so a server talking to
// many peers isolates one peer's failures from another's.
type PeerBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	logger   *slog.Logger
}

// NewPeerBreakers creates an empty per-peer breaker table.
func NewPeerBreakers(logger *slog.Logger) *PeerBreakers {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerBreakers{breakers: make(map[string]*Breaker), logger: logger}
}

// Get returns the breaker for peer, creating one with DefaultConfig on
// first use.
func (p *PeerBreakers) Get(peer string) *Breaker {
	p.mu.RLock()
	b, ok := p.breakers[peer]
	p.mu.RUnlock()
	if ok {
		return b
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok = p.breakers[peer]; ok {
		return b
	}
	b = New(DefaultConfig(peer, p.logger))
	p.breakers[peer] = b
	return b
}

// Remove drops a peer's breaker, e.g. once its session closes.
func (p *PeerBreakers) Remove(peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.breakers, peer)
}

// Snapshot returns each tracked peer's current state, for admin/metrics
// reporting.
func (p *PeerBreakers) Snapshot() map[string]State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]State, len(p.breakers))
	for peer, b := range p.breakers {
		out[peer] = b.State()
	}
	return out
}
