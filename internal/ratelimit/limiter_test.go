package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinBurst(t *testing.T) {
	l := NewLimiter(60, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("client-a"), "request %d", i)
	}
	assert.False(t, l.Allow("client-a"))
}

func TestClientsAreIndependent(t *testing.T) {
	l := NewLimiter(60, 1)

	assert.True(t, l.Allow("client-a"))
	assert.False(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-b"))
}

func TestTokensDecrease(t *testing.T) {
	l := NewLimiter(60, 10)

	before := l.Tokens("client-a")
	l.Allow("client-a")
	assert.Less(t, l.Tokens("client-a"), before)
}
