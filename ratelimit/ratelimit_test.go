package ratelimit

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := New(0)
	ip := net.ParseIP("1.2.3.4")
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(ip))
	}
}

func TestLoopbackAlwaysAllowed(t *testing.T) {
	l := New(1)
	ip := net.ParseIP("127.0.0.1")
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(ip))
	}
}

func TestLimiterThrottlesBurstAboveRate(t *testing.T) {
	l := New(2)
	ip := net.ParseIP("203.0.113.9")

	assert.True(t, l.Allow(ip))
	assert.True(t, l.Allow(ip))
	assert.False(t, l.Allow(ip))
}

func TestLimiterTracksClientsIndependently(t *testing.T) {
	l := New(1)
	a := net.ParseIP("203.0.113.1")
	b := net.ParseIP("203.0.113.2")

	assert.True(t, l.Allow(a))
	assert.False(t, l.Allow(a))
	assert.True(t, l.Allow(b))
}
