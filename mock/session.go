// Package mock provides a pending.Session test double, the same role
// the teacher's dns.ResponseWriter mock fills for middleware tests, kept
// here so frontend and pending tests share one implementation
// instead of each hand-rolling their own.
package mock

import (
	"net"

	"github.com/miekg/dns"
)

// Session records every answer written to it and whether it was closed,
// implementing the pending.Session interface without depending on that
// package (avoiding an import cycle with pending's own tests).
type Session struct {
	proto      string
	remoteAddr net.Addr

	answers [][]byte
	closed  bool
}

// NewSession builds a Session bound to proto ("udp" or "tcp") and addr.
func NewSession(proto, addr string) *Session {
	s := &Session{proto: proto}

	switch proto {
	case "tcp":
		s.remoteAddr, _ = net.ResolveTCPAddr("tcp", addr)
	default:
		s.remoteAddr, _ = net.ResolveUDPAddr("udp", addr)
	}

	return s
}

// WriteAnswer records the packed answer.
func (s *Session) WriteAnswer(answer []byte) error {
	s.answers = append(s.answers, answer)
	return nil
}

// Close marks the session closed.
func (s *Session) Close() { s.closed = true }

// RemoteAddr returns the address the session was built with.
func (s *Session) RemoteAddr() net.Addr { return s.remoteAddr }

// Closed reports whether Close was called.
func (s *Session) Closed() bool { return s.closed }

// Answers returns every answer written to the session, in order.
func (s *Session) Answers() [][]byte { return s.answers }

// LastAnswer unpacks the most recent answer written, or nil if none was
// written yet.
func (s *Session) LastAnswer() *dns.Msg {
	if len(s.answers) == 0 {
		return nil
	}
	m := new(dns.Msg)
	if err := m.Unpack(s.answers[len(s.answers)-1]); err != nil {
		return nil
	}
	return m
}
