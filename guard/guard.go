// Package guard implements the wire- and semantic-level validation a query
// must pass before it is forwarded to the resolver process, the
// construction of the two answers the front end builds itself (CHAOS and
// error), and the minimization and size fitting applied to every reply
// before it is sent (spec.md §4.5, §4.6).
package guard

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// chaosName is the answer the front end gives for version.server/version.bind
// queries in class CHAOS, in place of leaking a real version string
// (spec.md §4.6: "answer CHAOS version queries with a fixed name").
const chaosName = "unwind"

// CheckQuery applies the pre-forward validation the original check_query
// plus its immediate callers perform (spec.md §4.1, §4.5, Invariant I7). It
// returns ok=false with drop=true when the packet must be discarded with no
// reply at all (malformed beyond the point a valid rcode can be formed), and
// ok=false with drop=false together with an rcode when a reply should be
// built locally via BuildError. raw is the undecoded wire query: the
// qdcount/ancount/nscount/arcount cross-check inspects the wire-declared
// header counts, not the miekg-parsed slices, since a parse can silently
// renormalize a malformed count.
func CheckQuery(raw []byte, m *dns.Msg) (rcode int, ok bool, drop bool) {
	if m.Response {
		return 0, false, true
	}
	if m.Truncated {
		// The original clears TC and still answers FORMERR rather than
		// dropping; miekg/dns does not hand us the raw bit to clear, so
		// we just report the rcode the same way.
		return dns.RcodeFormatError, false, false
	}
	if !m.RecursionDesired {
		return dns.RcodeRefused, false, false
	}
	if m.Opcode != dns.OpcodeQuery {
		return dns.RcodeNotImplemented, false, false
	}
	if len(raw) >= 12 {
		qdcount := binary.BigEndian.Uint16(raw[4:6])
		ancount := binary.BigEndian.Uint16(raw[6:8])
		nscount := binary.BigEndian.Uint16(raw[8:10])
		arcount := binary.BigEndian.Uint16(raw[10:12])
		if qdcount != 1 && ancount != 0 && nscount != 0 && arcount > 1 {
			return dns.RcodeFormatError, false, false
		}
	}
	if len(m.Question) != 1 {
		// Further screening after parse: no question (or more than one
		// to pick from) means there is no usable qname.
		return dns.RcodeFormatError, false, false
	}
	return dns.RcodeSuccess, true, false
}

// disallowedQType reports whether qtype is one the front end refuses to
// forward outright, independent of qclass (spec.md §4.5: meta-types and the
// private-use range are rejected with FORMERR; zone-transfer types with
// REFUSED).
func disallowedQType(qtype uint16) (rcode int, disallowed bool) {
	switch qtype {
	case dns.TypeAXFR, dns.TypeIXFR:
		return dns.RcodeRefused, true
	case dns.TypeOPT, dns.TypeTSIG, dns.TypeTKEY:
		return dns.RcodeFormatError, true
	}
	if qtype == 253 || qtype == 254 { // MAILB, MAILA
		return dns.RcodeFormatError, true
	}
	if qtype >= 128 && qtype <= 248 {
		return dns.RcodeFormatError, true
	}
	return dns.RcodeSuccess, false
}

// IsChaosVersionQuery reports whether q is a class-CHAOS query for one of
// the two version names the front end answers itself (spec.md §4.6).
func IsChaosVersionQuery(q dns.Question) bool {
	if q.Qclass != dns.ClassCHAOS {
		return false
	}
	name := strings.ToLower(q.Name)
	return name == "version.server." || name == "version.bind."
}

// ClassifyQuestion applies the qtype/qclass gate that runs after
// CheckQuery and the blocklist lookup (spec.md §4.5). isChaos is true when
// the caller should answer via BuildChaos instead of forwarding to the
// resolver.
func ClassifyQuestion(q dns.Question) (rcode int, forward bool, isChaos bool) {
	if rc, bad := disallowedQType(q.Qtype); bad {
		return rc, false, false
	}
	if q.Qclass == dns.ClassCHAOS {
		if IsChaosVersionQuery(q) {
			return dns.RcodeSuccess, false, true
		}
		return dns.RcodeRefused, false, false
	}
	return dns.RcodeSuccess, true, false
}

// BuildError constructs a minimal error reply echoing the client's id,
// opcode and RD/CD bits, with the given rcode and no answer/authority/
// additional records beyond an echoed EDNS0 OPT when the query carried one
// (spec.md §4.6: "error_answer mirrors the query header").
func BuildError(query *dns.Msg, rcode int) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetRcode(query, rcode)
	reply.RecursionAvailable = true
	if opt := query.IsEdns0(); opt != nil {
		reply.SetEdns0(opt.UDPSize(), opt.Do())
	}
	return reply
}

// BuildChaos constructs the fixed CHAOS/TXT answer to a version.server. or
// version.bind. query (spec.md §4.6).
func BuildChaos(query *dns.Msg) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Authoritative = false
	reply.RecursionAvailable = true
	reply.Rcode = dns.RcodeSuccess
	if opt := query.IsEdns0(); opt != nil {
		reply.SetEdns0(opt.UDPSize(), opt.Do())
	}

	if len(query.Question) == 1 {
		rr := &dns.TXT{
			Hdr: dns.RR_Header{
				Name:   query.Question[0].Name,
				Rrtype: dns.TypeTXT,
				Class:  dns.ClassCHAOS,
				Ttl:    0,
			},
			Txt: []string{chaosName},
		}
		reply.Answer = append(reply.Answer, rr)
	}
	return reply
}

// MinimizeAndFit re-encodes answer to fit within maxSize (the client's
// advertised EDNS UDP size, or dns.MaxMsgSize for TCP), following
// SPEC_FULL §4.5.1: strip RRSIG records from every section when the
// client's DO bit is unset (MINIMIZE_ANSWER — a client that never asked
// for DNSSEC data has no use for signatures), then let (*dns.Msg).Truncate
// handle fitting a UDP reply within maxSize, setting the TC bit itself
// when it has to drop records.
func MinimizeAndFit(answer *dns.Msg, maxSize int, udp bool, do bool) ([]byte, error) {
	answer.Compress = true

	if !do {
		stripRRSIGs(answer)
	}

	if udp {
		answer.Truncate(maxSize)
	}

	buf, err := answer.Pack()
	if err != nil {
		return nil, fmt.Errorf("guard: pack answer: %w", err)
	}
	return buf, nil
}

// stripRRSIGs removes every RRSIG record from the answer, authority, and
// additional sections in place.
func stripRRSIGs(m *dns.Msg) {
	m.Answer = stripRRSIGSlice(m.Answer)
	m.Ns = stripRRSIGSlice(m.Ns)
	m.Extra = stripRRSIGSlice(m.Extra)
}

func stripRRSIGSlice(rrs []dns.RR) []dns.RR {
	out := rrs[:0]
	for _, rr := range rrs {
		if rr.Header().Rrtype != dns.TypeRRSIG {
			out = append(out, rr)
		}
	}
	return out
}
