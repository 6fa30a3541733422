// Package acl implements a CIDR-based client allow list. A query from an
// address outside the configured ranges is dropped with no reply at all,
// the same silent-drop treatment the wire guard gives a malformed packet
// (spec.md §4.1, §9 Design Notes: "never answer an unrecognized client").
package acl

import (
	"net"

	"github.com/yl2chen/cidranger"
)

// List is a set of allowed client CIDR ranges. A nil or empty List allows
// every client, matching the default "no access list configured" posture.
type List struct {
	ranger cidranger.Ranger
}

// New builds a List from the given CIDR strings. A malformed CIDR is
// skipped and the first such error is returned alongside the list; the
// rest of the list is still built.
func New(cidrs []string) (*List, error) {
	l := &List{ranger: cidranger.NewPCTrieRanger()}

	var firstErr error
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := l.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return l, firstErr
}

// Allowed reports whether ip may be served. An empty list allows
// everything.
func (l *List) Allowed(ip net.IP) bool {
	if l == nil || l.ranger.Len() == 0 {
		return true
	}
	ok, err := l.ranger.Contains(ip)
	if err != nil {
		return false
	}
	return ok
}
