package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRound8(t *testing.T) {
	assert.Equal(t, 0.1, Round8(0.1))
	assert.Equal(t, 9.95024876, Round8(9.950248756218905))
	assert.Equal(t, -9.95024876, Round8(-9.950248756218905))
	assert.Equal(t, 0.0, Round8(0))
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 100.5, Round2(100.499999))
	assert.Equal(t, 100.46, Round2(100.455))
}

func TestRound_StripsBinaryNoise(t *testing.T) {
	// 0.1+0.2 carries float residue; the wire value should not.
	assert.Equal(t, 0.3, Round8(0.1+0.2))
}
