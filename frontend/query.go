package frontend

import (
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/dnsfrontend/guard"
	"github.com/semihalev/dnsfrontend/ipc"
	"github.com/semihalev/dnsfrontend/metrics"
	"github.com/semihalev/dnsfrontend/pending"
)

// handleQuery runs the full validation and dispatch pipeline for one
// freshly-received query buffer, the Go-native equivalent of handle_query
// plus the guard checks check_query inlines (spec.md §4.5).
func (e *Engine) handleQuery(sess pending.Session, raw []byte) {
	host := sess.RemoteAddr()
	ip := hostIP(host)

	if !e.acl.Allowed(ip) {
		if e.metrics != nil {
			e.metrics.Drop(metrics.ReasonACL)
		}
		sess.Close()
		return
	}
	if !e.limiter.Allow(ip) {
		if e.metrics != nil {
			e.metrics.Drop(metrics.ReasonRateLimit)
		}
		sess.Close()
		return
	}

	query := new(dns.Msg)
	if err := query.Unpack(raw); err != nil {
		zlog.Debug("frontend: malformed query, dropped", zlog.String("error", err.Error()))
		if e.metrics != nil {
			e.metrics.Drop(metrics.ReasonGuard)
		}
		sess.Close()
		return
	}

	rcode, ok, drop := guard.CheckQuery(raw, query)
	if drop {
		if e.metrics != nil {
			e.metrics.Drop(metrics.ReasonGuard)
		}
		sess.Close()
		return
	}
	if !ok {
		e.replyLocal(sess, guard.BuildError(query, rcode))
		return
	}

	q := query.Question[0]
	name := strings.ToLower(q.Name)

	if e.blocklist.Contains(name) {
		if e.cfg.BlocklistLog {
			zlog.Info("frontend: blocking", zlog.String("name", name))
		}
		if e.metrics != nil {
			e.metrics.Blocked.Inc()
		}
		e.replyLocal(sess, guard.BuildError(query, dns.RcodeRefused))
		return
	}

	classRcode, forward, isChaos := guard.ClassifyQuestion(q)
	if isChaos {
		e.replyLocal(sess, guard.BuildChaos(query))
		return
	}
	if !forward {
		e.replyLocal(sess, guard.BuildError(query, classRcode))
		return
	}

	pq := &pending.Query{
		From:      host,
		Transport: transportOf(sess),
		Session:   sess,
		QName:     name,
		QType:     q.Qtype,
		QClass:    q.Qclass,
		QMsg:      query,
		Created:   time.Now(),
	}
	if opt := query.IsEdns0(); opt != nil {
		pq.EDNS = pending.EDNS{Present: true, UDPSize: opt.UDPSize(), DO: opt.Do()}
	}

	if err := e.pending.Insert(pq); err != nil {
		zlog.Warn("frontend: pending table insert failed", zlog.String("error", err.Error()))
		e.replyLocal(sess, guard.BuildError(query, dns.RcodeServerFailure))
		return
	}
	if e.metrics != nil {
		e.metrics.Pending.Set(float64(e.pending.Count()))
	}
	if tcp, ok := sess.(*tcpSession); ok {
		tcp.bindQuery(pq)
	}

	req := ipc.QueryRequest{ID: pq.ID, QName: name, QType: q.Qtype, QClass: q.Qclass}
	if len(req.QName) > ipc.MaxQNameLen {
		e.releasePending(pq)
		e.replyLocal(sess, guard.BuildError(query, dns.RcodeFormatError))
		return
	}

	if err := e.sendQuery(req); err != nil {
		zlog.Warn("frontend: resolver channel send failed", zlog.String("error", err.Error()))
		e.releasePending(pq)
		e.replyLocal(sess, guard.BuildError(query, dns.RcodeServerFailure))
		return
	}
}

// replyLocal packs and delivers an answer the front end constructed
// itself, with no round trip to the resolver (spec.md §4.6). The answer's
// own EDNS0 option, propagated onto it by BuildError/BuildChaos from the
// client's query, carries the client's advertised UDP size and DO bit so
// a locally-built reply is sized and minimized the same way a
// resolver-sourced one is.
func (e *Engine) replyLocal(sess pending.Session, answer *dns.Msg) {
	udp := isUDP(sess)
	maxSize := pending.DefaultUDPSize
	if !udp {
		maxSize = 65535
	}

	var do bool
	if opt := answer.IsEdns0(); opt != nil {
		if udp && int(opt.UDPSize()) > maxSize {
			maxSize = int(opt.UDPSize())
		}
		do = opt.Do()
	}

	buf, err := guard.MinimizeAndFit(answer, maxSize, udp, do)
	if err != nil {
		zlog.Warn("frontend: pack local answer failed", zlog.String("error", err.Error()))
		sess.Close()
		return
	}
	if err := sess.WriteAnswer(buf); err != nil {
		zlog.Debug("frontend: write answer failed", zlog.String("error", err.Error()))
	}
	if e.metrics != nil {
		e.metrics.ObserveAnswer(transportOf(sess).String(), answer.Rcode)
	}
	sess.Close()
}

func hostIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}

func isUDP(sess pending.Session) bool {
	_, ok := sess.(*udpSession)
	return ok
}

func transportOf(sess pending.Session) pending.Transport {
	if isUDP(sess) {
		return pending.UDP
	}
	return pending.TCP
}
