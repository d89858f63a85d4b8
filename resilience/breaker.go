package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/jameslbray/chatrelay/common"
)

// BreakerState circuit breaker state
type BreakerState int

// Circuit breaker states
const (
	// BreakerClosed dependency assumed healthy, calls flow through
	BreakerClosed BreakerState = iota
	// BreakerOpen dependency assumed down, calls are not attempted
	BreakerOpen
	// BreakerHalfOpen cooldown elapsed, one probe call is allowed through
	BreakerHalfOpen
)

// String toString function
func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// BreakerSnapshot point-in-time view of one circuit breaker
type BreakerSnapshot struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Failures      int       `json:"failures"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

// CircuitBreaker failure-counting gate which stops calling a failing
// dependency for a cooldown window
type CircuitBreaker interface {
	// Name the dependency this breaker guards
	Name() string
	// IsOpen consult the gate before an attempt. An open breaker whose
	// cooldown has elapsed transitions to HALF_OPEN and lets one probe through
	IsOpen() bool
	// RecordSuccess reset the failure count, close the breaker
	RecordSuccess()
	// RecordFailure count a failure, opening the breaker at the threshold
	RecordFailure()
	// Snapshot report the current breaker state
	Snapshot() BreakerSnapshot
}

// circuitBreakerImpl implements CircuitBreaker
type circuitBreakerImpl struct {
	common.Component
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	clk              clock.Clock
	lock             sync.Mutex
	failures         int
	lastFailureAt    time.Time
	state            BreakerState
}

// GetCircuitBreaker define a new CircuitBreaker for one dependency
func GetCircuitBreaker(
	name string, failureThreshold int, resetTimeout time.Duration, clk clock.Clock,
) (CircuitBreaker, error) {
	if name == "" || failureThreshold < 1 || resetTimeout <= 0 {
		return nil, fmt.Errorf("invalid circuit breaker parameters for '%s'", name)
	}
	logTags := log.Fields{
		"module": "resilience", "component": "circuit-breaker", "instance": name,
	}
	return &circuitBreakerImpl{
		Component:        common.Component{LogTags: logTags},
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		clk:              clk,
		state:            BreakerClosed,
	}, nil
}

// Name the dependency this breaker guards
func (b *circuitBreakerImpl) Name() string {
	return b.name
}

// IsOpen consult the gate before an attempt
func (b *circuitBreakerImpl) IsOpen() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	switch b.state {
	case BreakerClosed:
		return false
	case BreakerHalfOpen:
		// The probe is still in flight. Hold everyone else back until its
		// outcome is recorded
		return true
	}
	if b.clk.Now().Sub(b.lastFailureAt) >= b.resetTimeout {
		// Cooldown elapsed. Allow a single probe through
		b.state = BreakerHalfOpen
		log.WithFields(b.LogTags).Warn("Breaker transition OPEN -> HALF_OPEN")
		return false
	}
	return true
}

// RecordSuccess reset the failure count, close the breaker
func (b *circuitBreakerImpl) RecordSuccess() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.state != BreakerClosed {
		log.WithFields(b.LogTags).Warnf("Breaker transition %s -> CLOSED", b.state)
	}
	b.failures = 0
	b.state = BreakerClosed
}

// RecordFailure count a failure, opening the breaker at the threshold
func (b *circuitBreakerImpl) RecordFailure() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.failures++
	b.lastFailureAt = b.clk.Now()
	if b.failures >= b.failureThreshold && b.state != BreakerOpen {
		log.WithFields(b.LogTags).Warnf(
			"Breaker transition %s -> OPEN after %d failures", b.state, b.failures,
		)
		b.state = BreakerOpen
	}
}

// Snapshot report the current breaker state
func (b *circuitBreakerImpl) Snapshot() BreakerSnapshot {
	b.lock.Lock()
	defer b.lock.Unlock()
	return BreakerSnapshot{
		Name:          b.name,
		State:         b.state.String(),
		Failures:      b.failures,
		LastFailureAt: b.lastFailureAt,
	}
}

// ==============================================================================

// Overall health states reported by the breaker registry
const (
	// StatusHealthy no breaker is open
	StatusHealthy = "healthy"
	// StatusDegraded at least one breaker is open
	StatusDegraded = "degraded"
)

// HealthReport aggregate state of every registered circuit breaker
type HealthReport struct {
	Status   string            `json:"status"`
	Breakers []BreakerSnapshot `json:"breakers"`
}

// BreakerRegistry tracks the set of per-dependency circuit breakers
type BreakerRegistry interface {
	// Get fetch the breaker for a dependency name, creating it on first use
	Get(name string) CircuitBreaker
	// HealthCheck aggregate the state of every registered breaker
	HealthCheck() HealthReport
}

// breakerRegistryImpl implements BreakerRegistry
type breakerRegistryImpl struct {
	common.Component
	failureThreshold int
	resetTimeout     time.Duration
	clk              clock.Clock
	lock             sync.Mutex
	breakers         map[string]CircuitBreaker
	names            []string
}

// GetBreakerRegistry define a new BreakerRegistry. All breakers it creates
// share one failure threshold and reset timeout
func GetBreakerRegistry(
	failureThreshold int, resetTimeout time.Duration, clk clock.Clock,
) (BreakerRegistry, error) {
	if failureThreshold < 1 || resetTimeout <= 0 {
		return nil, fmt.Errorf("invalid breaker registry parameters")
	}
	logTags := log.Fields{
		"module": "resilience", "component": "breaker-registry",
	}
	return &breakerRegistryImpl{
		Component:        common.Component{LogTags: logTags},
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		clk:              clk,
		breakers:         make(map[string]CircuitBreaker),
	}, nil
}

// Get fetch the breaker for a dependency name, creating it on first use
func (r *breakerRegistryImpl) Get(name string) CircuitBreaker {
	r.lock.Lock()
	defer r.lock.Unlock()
	if breaker, ok := r.breakers[name]; ok {
		return breaker
	}
	breaker, err := GetCircuitBreaker(name, r.failureThreshold, r.resetTimeout, r.clk)
	if err != nil {
		// Parameters were validated at registry construction
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to define breaker %s", name)
		return nil
	}
	log.WithFields(r.LogTags).Infof("Registered breaker %s", name)
	r.breakers[name] = breaker
	r.names = append(r.names, name)
	return breaker
}

// HealthCheck aggregate the state of every registered breaker
func (r *breakerRegistryImpl) HealthCheck() HealthReport {
	r.lock.Lock()
	defer r.lock.Unlock()
	report := HealthReport{Status: StatusHealthy}
	for _, name := range r.names {
		snapshot := r.breakers[name].Snapshot()
		if snapshot.State == BreakerOpen.String() {
			report.Status = StatusDegraded
		}
		report.Breakers = append(report.Breakers, snapshot)
	}
	return report
}
