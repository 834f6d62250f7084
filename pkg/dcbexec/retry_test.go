package dcbexec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dcbrun/domainrt/pkg/dcbexec"
)

func constantJitter(v float64) dcbexec.JitterFunc {
	return func() float64 { return v }
}

func TestCalculateBackoffDeterministic(t *testing.T) {
	assert.Equal(t, int64(800), dcbexec.CalculateBackoff(3, 100, 30_000, 2, constantJitter(1.0)))
	assert.Equal(t, int64(1200), dcbexec.CalculateBackoff(3, 100, 30_000, 2, constantJitter(1.5)))
}

func TestCalculateBackoffCapsAtMax(t *testing.T) {
	got := dcbexec.CalculateBackoff(10, 100, 30_000, 2, constantJitter(1.0))
	assert.Equal(t, int64(30_000), got)
}
