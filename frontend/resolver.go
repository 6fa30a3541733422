package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/dnsfrontend/guard"
	"github.com/semihalev/dnsfrontend/ipc"
	"github.com/semihalev/dnsfrontend/pending"
	"github.com/semihalev/dnsfrontend/trustanchor"
)

// sendQuery forwards a validated query to the resolver process (spec.md
// §4.5: IMSG_QUERY).
func (e *Engine) sendQuery(req ipc.QueryRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return e.resolverCh.Send(ipc.TypeQuery, 0, payload, -1)
}

// pumpResolverChannel reads every message the resolver sends back: answer
// chunks, trust-anchor deliveries, and network-change acks (spec.md §4.5,
// §4.7, §4.9).
func (e *Engine) pumpResolverChannel(ctx context.Context) {
	var newTAs []trustanchor.Anchor

	for {
		msg, err := e.resolverCh.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			zlog.Warn("frontend: resolver channel recv failed", zlog.String("error", err.Error()))
			return
		}

		switch msg.Type {
		case ipc.TypeAnswer:
			e.handleAnswerChunk(msg.Data)
		case ipc.TypeNewTA:
			newTAs = append(newTAs, trustanchor.Anchor(msg.Data))
		case ipc.TypeNewTAsDone:
			changed := e.trustanchors.DiffAndSwap(newTAs)
			newTAs = nil

			e.mu.Lock()
			taFile := e.taFile
			e.mu.Unlock()
			if taFile != nil {
				if err := e.trustanchors.Persist(taFile); err != nil {
					zlog.Warn("frontend: persist trust anchors failed", zlog.String("error", err.Error()))
				}
			}

			if changed {
				snapshot := e.trustanchors.Snapshot()
				zlog.Info("frontend: trust anchors changed", zlog.Any("count", len(snapshot)))
				if e.metrics != nil {
					e.metrics.TrustAnchorChanges.Inc()
				}
				if err := e.sendTrustAnchors(snapshot); err != nil {
					zlog.Warn("frontend: loopback trust anchors failed", zlog.String("error", err.Error()))
				}
			}
		case ipc.TypeNewTAsAbort:
			newTAs = nil
		case ipc.TypeCtlResolverInfo, ipc.TypeCtlAutoconfResolverInfo, ipc.TypeCtlMemInfo:
			e.relayControl(msg)
		default:
			zlog.Debug("frontend: unhandled resolver message", zlog.String("type", msg.Type.String()))
		}
	}
}

// sendTrustAnchors forwards the current sorted anchor set back to the
// resolver over the same channel it arrived on: send_trust_anchors'
// loopback synchronization, run whenever DiffAndSwap reports a change so
// the resolver's own copy stays byte-for-byte in step with what the front
// end just persisted (spec.md §4.7, scenario 7).
func (e *Engine) sendTrustAnchors(anchors []trustanchor.Anchor) error {
	for _, a := range anchors {
		if err := e.resolverCh.Send(ipc.TypeNewTA, 0, []byte(a), -1); err != nil {
			return err
		}
	}
	return e.resolverCh.Send(ipc.TypeNewTAsDone, 0, nil, -1)
}

// handleAnswerChunk appends one ANSWER chunk to its pending query and, once
// the announced length is reached, post-processes and relays the reply
// (spec.md §4.5 Invariant I3/I4).
func (e *Engine) handleAnswerChunk(data []byte) {
	hdr, chunk, err := ipc.DecodeAnswerHeader(data)
	if err != nil {
		zlog.Warn("frontend: short answer chunk, dropped")
		return
	}

	q := e.pending.Lookup(hdr.ID)
	if q == nil {
		zlog.Warn("frontend: answer chunk for unknown pending query, dropped", zlog.Any("id", hdr.ID))
		return
	}

	// A bogus (DNSSEC-failing) or srvfail chunk answers and releases the
	// query the moment it is seen, on whichever chunk first carries the
	// flag, before the chunk is ever buffered: the resolver is free to
	// stop sending once it has signaled failure, so waiting for
	// q.Complete() to notice would hang on the chunks that never arrive.
	// A bogus answer is only turned into SERVFAIL when the client did not
	// set the CD bit; a CD=1 client gets the answer as-is, same as the
	// original's "bogus && !(flags & BIT_CD)" test.
	if hdr.SrvFail || (hdr.Bogus && !q.QMsg.CheckingDisabled) {
		e.finishQuery(q, guard.BuildError(q.QMsg, dns.RcodeServerFailure))
		return
	}

	q.SetCapacity(int(hdr.AnswerLen))
	if err := q.Append(chunk); err != nil {
		zlog.Warn("frontend: answer chunk overflow", zlog.String("error", err.Error()))
		e.finishQuery(q, guard.BuildError(q.QMsg, dns.RcodeServerFailure))
		return
	}
	if !q.Complete() {
		return
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(q.Answer()); err != nil {
		zlog.Warn("frontend: unpack resolver answer failed", zlog.String("error", err.Error()))
		e.finishQuery(q, guard.BuildError(q.QMsg, dns.RcodeServerFailure))
		return
	}
	reply.Id = q.QMsg.Id
	reply.Question = q.QMsg.Question
	reply.RecursionDesired = q.QMsg.RecursionDesired
	reply.CheckingDisabled = q.QMsg.CheckingDisabled
	reply.Response = true
	reply.RecursionAvailable = true

	e.finishQuery(q, reply)
}

// finishQuery packs, relays, and releases one completed pending query
// (spec.md §4.5: noerror_answer followed by send_answer). q.MarkDone
// guards against a race with the TCP idle timeout, which can fire
// concurrently for the same query: whichever of the two calls it first
// delivers the answer or times the connection out, never both.
func (e *Engine) finishQuery(q *pending.Query, reply *dns.Msg) {
	if !q.MarkDone() {
		return
	}

	maxSize := pending.DefaultUDPSize
	if q.Transport != pending.UDP {
		maxSize = 65535
	} else if q.EDNS.Present && int(q.EDNS.UDPSize) > maxSize {
		maxSize = int(q.EDNS.UDPSize)
	}
	buf, err := guard.MinimizeAndFit(reply, maxSize, q.Transport == pending.UDP, q.EDNS.DO)
	if err != nil {
		zlog.Warn("frontend: pack answer failed", zlog.String("error", err.Error()))
	} else if err := q.Session.WriteAnswer(buf); err != nil {
		zlog.Debug("frontend: deliver answer failed", zlog.String("error", err.Error()))
	}

	if e.metrics != nil {
		e.metrics.ObserveAnswer(q.Transport.String(), reply.Rcode)
	}

	q.Session.Close()
	e.releasePending(q)
}

// releasePending removes q from the pending table and refreshes the
// pending-queries gauge. Shared by finishQuery and tcpTimeout, the two
// paths that can release a query that was actually forwarded to the
// resolver.
func (e *Engine) releasePending(q *pending.Query) {
	e.pending.Remove(q)
	if e.metrics != nil {
		e.metrics.Pending.Set(float64(e.pending.Count()))
	}
}
