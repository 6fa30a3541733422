package frontend

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/semihalev/dnsfrontend/pending"
)

// udpSession answers a single UDP query with a single datagram (spec.md
// §4.4 S0/S1).
type udpSession struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func (s *udpSession) WriteAnswer(answer []byte) error {
	_, err := s.conn.WriteToUDP(answer, s.addr)
	return err
}

func (s *udpSession) Close() {}

func (s *udpSession) RemoteAddr() net.Addr { return s.addr }

// tcpSession owns one accepted TCP connection for its lifetime: one
// request, one response, then close, matching the original's per-query
// tcp_request/tcp_response/tcp_timeout trio collapsed into straight-line
// code (spec.md §4.4 S2). Unlike udpSession, the connection must stay open
// after the query is handed to the resolver: the answer arrives later, on
// a different goroutine (pumpResolverChannel), and that goroutine is the
// one that calls WriteAnswer. done is closed exactly once, by whichever of
// finishQuery or the idle timeout releases the session first (spec.md §9
// Design Notes: "owners are the pending-query entity, the event-loop holds
// non-owning handles used only to cancel"); serveTCPConn blocks on it
// instead of closing conn the instant handleQuery returns.
type tcpSession struct {
	conn net.Conn

	once sync.Once
	done chan struct{}

	mu    sync.Mutex
	query *pending.Query
}

func newTCPSession(conn net.Conn) *tcpSession {
	return &tcpSession{conn: conn, done: make(chan struct{})}
}

// bindQuery records the pending-query entry this session is carrying, once
// handleQuery has inserted it into the table. tcpTimeout uses it to mark
// the query done and release it if the resolver never answers.
func (s *tcpSession) bindQuery(q *pending.Query) {
	s.mu.Lock()
	s.query = q
	s.mu.Unlock()
}

func (s *tcpSession) boundQuery() *pending.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

func (s *tcpSession) WriteAnswer(answer []byte) error {
	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, uint16(len(answer)))
	if _, err := s.conn.Write(prefix); err != nil {
		return fmt.Errorf("frontend: tcp write length prefix: %w", err)
	}
	if _, err := s.conn.Write(answer); err != nil {
		return fmt.Errorf("frontend: tcp write answer: %w", err)
	}
	return nil
}

// Close releases the session: it is called once the answer has been
// written (or the query gave up locally) and signals serveTCPConn that it
// may now close the underlying connection. Safe to call more than once.
func (s *tcpSession) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *tcpSession) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// readTCPQuery reads the 2-byte length prefix and the message that
// follows it, enforcing deadline as the read's absolute deadline (spec.md
// §4.4: TCP_TIMEOUT). deadline is the same instant serveTCPConn later arms
// its completion timer against, so the read and the wait for an answer
// share one clock running from accept rather than each getting their own
// full TCPIdleTimeout.
func readTCPQuery(conn net.Conn, deadline time.Time) ([]byte, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	prefix := make([]byte, 2)
	if _, err := readFull(conn, prefix); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(prefix)
	if length == 0 {
		return nil, fmt.Errorf("frontend: zero-length tcp query")
	}

	buf := make([]byte, length)
	if _, err := readFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
