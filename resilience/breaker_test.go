package resilience

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerTransitions(t *testing.T) {
	assert := assert.New(t)

	mock := clock.NewMock()
	uut, err := GetCircuitBreaker("postgres", 3, time.Second*5, mock)
	assert.Nil(err)

	// CLOSED breaker allows calls
	assert.False(uut.IsOpen())

	// Failures below the threshold keep the breaker closed
	uut.RecordFailure()
	uut.RecordFailure()
	assert.False(uut.IsOpen())

	// Threshold reached
	uut.RecordFailure()
	assert.True(uut.IsOpen())
	assert.Equal("OPEN", uut.Snapshot().State)

	// Still within the reset window
	mock.Add(time.Second)
	assert.True(uut.IsOpen())

	// Window elapsed. Gate allows exactly one probe
	mock.Add(time.Second * 4)
	assert.False(uut.IsOpen())
	assert.Equal("HALF_OPEN", uut.Snapshot().State)
	// Further checks are held back until the probe's outcome is in
	assert.True(uut.IsOpen())
	assert.True(uut.IsOpen())

	// Probe failure re-opens with a refreshed failure timestamp
	before := uut.Snapshot().LastFailureAt
	mock.Add(time.Second)
	uut.RecordFailure()
	assert.True(uut.IsOpen())
	assert.True(uut.Snapshot().LastFailureAt.After(before))

	// Probe success closes and resets the count
	mock.Add(time.Second * 5)
	assert.False(uut.IsOpen())
	assert.True(uut.IsOpen())
	uut.RecordSuccess()
	assert.False(uut.IsOpen())
	snapshot := uut.Snapshot()
	assert.Equal("CLOSED", snapshot.State)
	assert.Equal(0, snapshot.Failures)
}

func TestBreakerRegistryHealthCheck(t *testing.T) {
	assert := assert.New(t)

	mock := clock.NewMock()
	uut, err := GetBreakerRegistry(2, time.Second*10, mock)
	assert.Nil(err)

	natsBreaker := uut.Get("nats")
	mongoBreaker := uut.Get("mongo")
	// Repeated lookups return the same breaker
	assert.Equal(natsBreaker, uut.Get("nats"))

	report := uut.HealthCheck()
	assert.Equal(StatusHealthy, report.Status)
	assert.Len(report.Breakers, 2)

	mongoBreaker.RecordFailure()
	mongoBreaker.RecordFailure()
	report = uut.HealthCheck()
	assert.Equal(StatusDegraded, report.Status)

	mongoBreaker.RecordSuccess()
	assert.Equal(StatusHealthy, uut.HealthCheck().Status)
}
