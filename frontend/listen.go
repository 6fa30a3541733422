package frontend

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/semihalev/zlog/v2"
)

// tcpAcceptBackoff is the fixed pause serveTCP takes once fd usage hits
// the reserve, mirroring accept_reserve's dtablesize check in the
// original: rather than a blocking semaphore that re-admits the instant
// any other connection finishes, the accept loop stops pulling connections
// off the backlog for a full second (spec.md §4.4, §8: "no further accept
// occurs until ≥ 1 s later"). A var so tests can shrink it.
var tcpAcceptBackoff = time.Second

// AttachUDP starts a read loop over an already-bound UDP socket, as handed
// down from the parent over the main channel (spec.md §4.1 TypeUDP4Sock /
// TypeUDP6Sock).
func (e *Engine) AttachUDP(fd int, v6 bool) error {
	f := os.NewFile(uintptr(fd), "udpsock")
	fc, err := net.FilePacketConn(f)
	if err != nil {
		return err
	}
	conn := fc.(*net.UDPConn)

	e.mu.Lock()
	if v6 {
		e.udp6 = conn
	} else {
		e.udp4 = conn
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.serveUDP(conn)
	}()
	return nil
}

func (e *Engine) serveUDP(conn *net.UDPConn) {
	buf := make([]byte, 65536)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			zlog.Warn("frontend: udp read failed", zlog.String("error", err.Error()))
			continue
		}

		query := make([]byte, n)
		copy(query, buf[:n])

		sess := &udpSession{conn: conn, addr: addr}
		go e.handleQuery(sess, query)
	}
}

// AttachTCP starts an accept loop over an already-bound, already-listening
// TCP socket (spec.md §4.1 TypeTCP4Sock / TypeTCP6Sock, §4.4 accept
// policy).
func (e *Engine) AttachTCP(fd int, v6 bool) error {
	f := os.NewFile(uintptr(fd), "tcpsock")
	ln, err := net.FileListener(f)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if v6 {
		e.tcp6 = ln
	} else {
		e.tcp4 = ln
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.serveTCP(ln)
	}()
	return nil
}

func (e *Engine) serveTCP(ln net.Listener) {
	for {
		// accept_reserve's dtablesize check becomes a non-blocking
		// TryAcquire: once fd usage hits the reserve the loop backs
		// off for a full tcpAcceptBackoff instead of blocking on the
		// semaphore, which would re-admit the instant any single
		// connection finished with no floor on how soon.
		for !e.tcpSem.TryAcquire(1) {
			if e.metrics != nil {
				e.metrics.TCPAcceptBackoff.Inc()
			}
			select {
			case <-time.After(tcpAcceptBackoff):
			case <-e.ctxDone():
				return
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			e.tcpSem.Release(1)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			zlog.Warn("frontend: tcp accept failed", zlog.String("error", err.Error()))
			continue
		}

		if e.metrics != nil {
			e.metrics.TCPSessions.Inc()
		}

		go e.serveTCPConn(conn)
	}
}

// serveTCPConn owns conn for the lifetime of one query: it reads the
// request, hands it to handleQuery, then blocks until the session's done
// channel is closed, either by finishQuery once the resolver's answer has
// been written or by tcpTimeout if the resolver never answers (spec.md
// §8: "an answer is eventually sent on the origin fd, or the fd is closed
// by the idle timeout"). Closing conn here, and only here, is what keeps
// the connection alive across the handleQuery call for the ordinary
// forward-to-resolver path, where handleQuery returns long before the
// answer exists.
//
// deadline is computed once, at accept, and used for both the read and
// the completion timer: the original arms evtimer_add(&pq->tmo_ev, ...)
// exactly once at accept and never resets it, so one connection gets one
// TCPIdleTimeout covering S0 through S2, not a fresh one for the read and
// another for the wait that follows it.
func (e *Engine) serveTCPConn(conn net.Conn) {
	defer e.tcpSem.Release(1)
	if e.metrics != nil {
		defer e.metrics.TCPSessions.Dec()
	}

	deadline := time.Now().Add(e.cfg.TCPIdleTimeout)

	query, err := readTCPQuery(conn, deadline)
	if err != nil {
		conn.Close()
		return
	}

	sess := newTCPSession(conn)
	e.handleQuery(sess, query)

	// handleQuery has either already closed sess (a local reply or an
	// early rejection) or left it open with a pending query awaiting the
	// resolver's answer; either way the timer below fires at the same
	// deadline the read above was bound to, not a fresh TCPIdleTimeout
	// measured from here.
	timer := time.AfterFunc(time.Until(deadline), func() { e.tcpTimeout(sess) })
	<-sess.done
	timer.Stop()
	conn.Close()
}

// tcpTimeout fires once TCPIdleTimeout elapses after a TCP query was
// accepted. If the query is still waiting on the resolver it is released
// from the pending table and the session is closed, unblocking
// serveTCPConn; if the answer already arrived (or the query never made it
// into the table) MarkDone/boundQuery make this a no-op, per spec.md I3's
// single-release guarantee.
func (e *Engine) tcpTimeout(sess *tcpSession) {
	if q := sess.boundQuery(); q != nil && q.MarkDone() {
		e.releasePending(q)
	}
	sess.Close()
}
