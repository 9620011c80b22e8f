package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoffDoublesUntilCap(t *testing.T) {
	policy := ExponentialBackoff(time.Second, 10*time.Second, 0)

	assert.Equal(t, 1*time.Second, policy(1))
	assert.Equal(t, 2*time.Second, policy(2))
	assert.Equal(t, 4*time.Second, policy(3))
	assert.Equal(t, 8*time.Second, policy(4))
	assert.Equal(t, 10*time.Second, policy(5))
	assert.Equal(t, 10*time.Second, policy(50))
}

func TestExponentialBackoffClampsBadAttempts(t *testing.T) {
	policy := ExponentialBackoff(time.Second, time.Minute, 0)

	assert.Equal(t, time.Second, policy(0))
	assert.Equal(t, time.Second, policy(-3))
}

func TestExponentialBackoffJitterStaysInBand(t *testing.T) {
	policy := ExponentialBackoff(time.Second, time.Minute, 0.5)

	for i := 0; i < 100; i++ {
		d := policy(3) // nominal 4s, band [2s, 6s]
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 6*time.Second)
	}
}

func TestExponentialBackoffDefaultsInvalidInputs(t *testing.T) {
	policy := ExponentialBackoff(0, 0, 2.0)

	// base defaults to 1s, cap clamps to base, jitter disabled.
	assert.Equal(t, time.Second, policy(1))
	assert.Equal(t, time.Second, policy(10))
}
