package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreakers(threshold int, cooldown time.Duration) (*CircuitBreakerRegistry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cfg := CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1}
	return NewCircuitBreakerRegistry(cfg, clock.now), clock
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig(), nil)
	assert.NoError(t, cbr.Allow("task:echo"))
	assert.Equal(t, CircuitClosed, cbr.State("task:echo"))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cbr, _ := newTestBreakers(3, 10*time.Second)

	cbr.RecordFailure("task:charge")
	cbr.RecordFailure("task:charge")
	assert.Equal(t, CircuitClosed, cbr.State("task:charge"))

	assert.Equal(t, CircuitOpen, cbr.RecordFailure("task:charge"))

	err := cbr.Allow("task:charge")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))

	fe, _ := schema.AsFlowError(err)
	assert.True(t, fe.IsRetryable(), "an open circuit must leave the retry policy in charge")
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cbr, _ := newTestBreakers(3, 10*time.Second)

	cbr.RecordFailure("task:charge")
	cbr.RecordFailure("task:charge")
	cbr.RecordSuccess("task:charge")

	cbr.RecordFailure("task:charge")
	cbr.RecordFailure("task:charge")
	assert.Equal(t, CircuitClosed, cbr.State("task:charge"))
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cbr, clock := newTestBreakers(2, time.Minute)

	cbr.RecordFailure("ai_agent:gpt")
	cbr.RecordFailure("ai_agent:gpt")
	require.Error(t, cbr.Allow("ai_agent:gpt"))

	clock.advance(time.Minute)
	assert.Equal(t, CircuitHalfOpen, cbr.State("ai_agent:gpt"))
	assert.NoError(t, cbr.Allow("ai_agent:gpt"), "first probe passes")
	assert.Error(t, cbr.Allow("ai_agent:gpt"), "second probe is rejected")
}

func TestCircuitBreaker_ProbeOutcome(t *testing.T) {
	cbr, clock := newTestBreakers(1, time.Minute)

	cbr.RecordFailure("task:a")
	clock.advance(time.Minute)
	require.NoError(t, cbr.Allow("task:a"))
	cbr.RecordSuccess("task:a")
	assert.Equal(t, CircuitClosed, cbr.State("task:a"))

	cbr.RecordFailure("task:b")
	clock.advance(time.Minute)
	require.NoError(t, cbr.Allow("task:b"))
	assert.Equal(t, CircuitOpen, cbr.RecordFailure("task:b"))
}

func TestCircuitBreaker_PerHandlerIsolation(t *testing.T) {
	cbr, _ := newTestBreakers(1, time.Minute)

	cbr.RecordFailure("task:a")
	assert.Error(t, cbr.Allow("task:a"))
	assert.NoError(t, cbr.Allow("task:b"))
}

func TestCircuitBreaker_DisabledWithZeroThreshold(t *testing.T) {
	cbr, _ := newTestBreakers(0, time.Minute)
	for range 10 {
		cbr.RecordFailure("task:a")
	}
	assert.NoError(t, cbr.Allow("task:a"))

	var none *CircuitBreakerRegistry
	assert.NoError(t, none.Allow("task:a"))
	none.RecordSuccess("task:a")
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
