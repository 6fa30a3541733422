package frontend

import (
	"encoding/json"
	"errors"
	"net"
	"os"

	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/dnsfrontend/ipc"
	"github.com/semihalev/dnsfrontend/pending"
)

// attachControl starts the accept loop over the control socket the parent
// hands down with CONTROLFD: the channel the control utility uses to ask
// for CTL_RESOLVER_INFO, CTL_AUTOCONF_RESOLVER_INFO, and CTL_MEM_INFO
// (spec.md §4.5 "Control relays (CTL_*) passed through to the control
// channel", §4.6).
func (e *Engine) attachControl(fd int) error {
	f := os.NewFile(uintptr(fd), "controlsock")
	ln, err := net.FileListener(f)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.controlLn = ln
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.serveControl(ln)
	}()
	return nil
}

func (e *Engine) serveControl(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			zlog.Warn("frontend: control accept failed", zlog.String("error", err.Error()))
			continue
		}
		e.handleControlConn(conn)
	}
}

// controlRequest is the minimal envelope the control socket reads: a CTL_*
// type and nothing else. The control utility is request/response, never a
// persistent session, so one decode and one reply is the whole protocol.
type controlRequest struct {
	Type ipc.Type `json:"type"`
}

func (e *Engine) handleControlConn(conn net.Conn) {
	var req controlRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		conn.Close()
		return
	}

	switch req.Type {
	case ipc.TypeCtlMemInfo:
		e.replyControlMemInfo(conn)
	case ipc.TypeCtlResolverInfo, ipc.TypeCtlAutoconfResolverInfo:
		e.mu.Lock()
		if e.controlConn != nil {
			_ = e.controlConn.Close()
		}
		e.controlConn = conn
		e.mu.Unlock()

		if err := e.resolverCh.Send(req.Type, 0, nil, -1); err != nil {
			zlog.Warn("frontend: relay control request failed", zlog.String("error", err.Error()))
			e.mu.Lock()
			e.controlConn = nil
			e.mu.Unlock()
			conn.Close()
		}
	default:
		conn.Close()
	}
}

// controlPendingEntry is one row of a CTL_MEM_INFO reply: a snapshot of a
// live pending query, the same diagnostic Table.Each exists for.
type controlPendingEntry struct {
	ID        uint64 `json:"id"`
	QName     string `json:"qname"`
	QType     uint16 `json:"qtype"`
	Transport string `json:"transport"`
}

// replyControlMemInfo answers CTL_MEM_INFO entirely locally: it never
// touches the resolver channel, since the pending table it reports on
// lives in the front end, not the resolver process.
func (e *Engine) replyControlMemInfo(conn net.Conn) {
	defer conn.Close()

	var entries []controlPendingEntry
	e.pending.Each(func(q *pending.Query) {
		entries = append(entries, controlPendingEntry{
			ID:        q.ID,
			QName:     q.QName,
			QType:     q.QType,
			Transport: q.Transport.String(),
		})
	})

	if err := json.NewEncoder(conn).Encode(entries); err != nil {
		zlog.Warn("frontend: write control mem-info reply failed", zlog.String("error", err.Error()))
	}
}

// relayControl writes a CTL_RESOLVER_INFO / CTL_AUTOCONF_RESOLVER_INFO
// reply the resolver sent back over the resolver channel to whichever
// control connection is waiting for it.
func (e *Engine) relayControl(msg ipc.Message) {
	e.mu.Lock()
	conn := e.controlConn
	e.controlConn = nil
	e.mu.Unlock()

	if conn == nil {
		zlog.Warn("frontend: control reply with no waiting connection", zlog.String("type", msg.Type.String()))
		return
	}
	defer conn.Close()

	if _, err := conn.Write(msg.Data); err != nil {
		zlog.Warn("frontend: write control reply failed", zlog.String("error", err.Error()))
	}
}
