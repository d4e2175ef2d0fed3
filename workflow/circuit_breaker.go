package workflow

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is the breaker state machine position.
type CircuitState int

const (
	// CircuitClosed allows dispatch
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects dispatch until the timeout elapses
	CircuitOpen
	// CircuitHalfOpen permits exactly one trial dispatch
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes the per-step breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Timeout is how long an open breaker blocks before permitting a trial
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultCircuitBreakerConfig returns the standard breaker parameters.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
	}
}

// StateChangeHandler observes breaker transitions. Invoked asynchronously
// so a slow handler cannot hold the breaker lock.
type StateChangeHandler func(key string, oldState, newState CircuitState, failures int)

// circuitBreaker tracks consecutive failures for one (instance, step) key.
// Transitions are the only mutation path.
type circuitBreaker struct {
	key             string
	config          CircuitBreakerConfig
	state           CircuitState
	failures        int
	lastFailureTime time.Time
	trialInFlight   bool
	mu              sync.Mutex
}

// CircuitBreakerRegistry owns the breakers keyed by (instance-id, step-id).
// Breakers are created lazily and garbage-collected with the instance.
type CircuitBreakerRegistry struct {
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	handler  StateChangeHandler
	logger   *zap.Logger
	nowFn    func() time.Time
	mu       sync.RWMutex
}

// NewCircuitBreakerRegistry creates a breaker registry.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
		nowFn:    time.Now,
	}
}

// OnStateChange installs a transition observer.
func (r *CircuitBreakerRegistry) OnStateChange(handler StateChangeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// BreakerKey builds the registry key for an (instance, step) pair.
func BreakerKey(instanceID, stepID string) string {
	return instanceID + ":" + stepID
}

// CanDispatch reports whether a dispatch may proceed for the key. When
// blocked, wait is the remaining time before the next permissible check.
// An open breaker whose timeout has elapsed transitions to half-open and
// permits exactly one trial; further calls are blocked until the trial
// reports success or failure.
func (r *CircuitBreakerRegistry) CanDispatch(key string) (bool, time.Duration) {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		// No failure has ever been recorded for this key.
		return true, 0
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true, 0

	case CircuitOpen:
		elapsed := r.nowFn().Sub(cb.lastFailureTime)
		if elapsed >= cb.config.Timeout {
			r.transition(cb, CircuitHalfOpen)
			cb.trialInFlight = true
			return true, 0
		}
		return false, cb.config.Timeout - elapsed

	case CircuitHalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			return true, 0
		}
		return false, cb.config.Timeout

	default:
		return false, cb.config.Timeout
	}
}

// RecordSuccess resets the key after a successful dispatch. A half-open
// trial success closes the breaker and zeroes the failure count.
func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.failures = 0
		cb.trialInFlight = false
		r.transition(cb, CircuitClosed)
	}
}

// RecordFailure increments the key's consecutive-failure count, creating
// the breaker lazily on first failure. Crossing the threshold while
// closed, or any half-open trial failure, opens the breaker.
func (r *CircuitBreakerRegistry) RecordFailure(key string) {
	cb := r.getOrCreate(key)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailureTime = r.nowFn()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			r.transition(cb, CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.trialInFlight = false
		r.transition(cb, CircuitOpen)
	}
}

// State returns the current state and failure count for a key.
func (r *CircuitBreakerRegistry) State(key string) (CircuitState, int) {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		return CircuitClosed, 0
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures
}

// RemoveInstance drops all breakers belonging to a workflow instance.
// Called when the instance reaches terminal status.
func (r *CircuitBreakerRegistry) RemoveInstance(instanceID string) {
	prefix := instanceID + ":"
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.breakers {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(r.breakers, key)
		}
	}
}

// AllStates returns the state of every tracked breaker.
func (r *CircuitBreakerRegistry) AllStates() map[string]CircuitState {
	r.mu.RLock()
	breakers := make(map[string]*circuitBreaker, len(r.breakers))
	for key, cb := range r.breakers {
		breakers[key] = cb
	}
	r.mu.RUnlock()

	out := make(map[string]CircuitState, len(breakers))
	for key, cb := range breakers {
		cb.mu.Lock()
		out[key] = cb.state
		cb.mu.Unlock()
	}
	return out
}

func (r *CircuitBreakerRegistry) getOrCreate(key string) *circuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[key]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := &circuitBreaker{key: key, config: r.config, state: CircuitClosed}
	r.breakers[key] = cb
	return cb
}

// transition changes a breaker's state. Caller holds cb.mu.
func (r *CircuitBreakerRegistry) transition(cb *circuitBreaker, newState CircuitState) {
	oldState := cb.state
	cb.state = newState

	r.logger.Info("circuit breaker state change",
		zap.String("key", cb.key),
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.Int("failures", cb.failures))

	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()
	if handler != nil {
		// Async so handlers cannot deadlock against breaker locks.
		go handler(cb.key, oldState, newState, cb.failures)
	}
}
