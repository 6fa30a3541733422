// Package ratelimit throttles queries per source IP address, giving the
// front end a defense against a single noisy or hostile client that the
// original daemon does not need because its listen socket is only ever
// reachable from the local machine (spec.md §9 Design Notes: "a network-
// facing front end needs protections the privilege-separated original
// could assume away").
package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

// Limiter enforces a per-client-IP query rate, expressed as queries per
// minute. A PerMinute of zero disables limiting entirely.
type Limiter struct {
	perMinute int
	mu        sync.Mutex
	clients   map[uint64]*rate.Limiter
}

// New returns a Limiter allowing perMinute queries per minute per source
// IP. perMinute <= 0 disables limiting.
func New(perMinute int) *Limiter {
	return &Limiter{
		perMinute: perMinute,
		clients:   make(map[uint64]*rate.Limiter),
	}
}

// Allow reports whether a query from ip may proceed. Loopback addresses
// are always allowed, matching the teacher's own carve-out for the local
// client that has no meaningful "attacker" posture.
func (l *Limiter) Allow(ip net.IP) bool {
	if l == nil || l.perMinute <= 0 {
		return true
	}
	if ip == nil || ip.IsLoopback() {
		return true
	}
	return l.limiterFor(ip).Allow()
}

func (l *Limiter) limiterFor(ip net.IP) *rate.Limiter {
	key := hashIP(ip)

	l.mu.Lock()
	defer l.mu.Unlock()

	if rl, ok := l.clients[key]; ok {
		return rl
	}

	rl := rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
	l.clients[key] = rl
	return rl
}

func hashIP(ip net.IP) uint64 {
	h := xxhash.New()
	_, _ = h.Write(ip)
	return h.Sum64()
}
