package guard

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQuery(name string, qtype, qclass uint16) *dns.Msg {
	m := new(dns.Msg)
	m.Id = 1234
	m.RecursionDesired = true
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Question[0].Qclass = qclass
	return m
}

func pack(t *testing.T, m *dns.Msg) []byte {
	t.Helper()
	buf, err := m.Pack()
	require.NoError(t, err)
	return buf
}

func TestCheckQueryAcceptsWellFormed(t *testing.T) {
	m := newQuery("example.com", dns.TypeA, dns.ClassINET)
	rcode, ok, drop := CheckQuery(pack(t, m), m)
	assert.True(t, ok)
	assert.False(t, drop)
	assert.Equal(t, dns.RcodeSuccess, rcode)
}

func TestCheckQueryAcceptsStrayAnswerWithSingleQuestion(t *testing.T) {
	// qdcount=1, ancount=1, nscount=0, arcount=0: the conjunction needs
	// all four counts off to reject, so this must be accepted.
	m := newQuery("example.com", dns.TypeA, dns.ClassINET)
	m.Answer = append(m.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   []byte{127, 0, 0, 1},
	})
	rcode, ok, drop := CheckQuery(pack(t, m), m)
	assert.True(t, ok)
	assert.False(t, drop)
	assert.Equal(t, dns.RcodeSuccess, rcode)
}

func TestCheckQueryRejectsResponse(t *testing.T) {
	m := newQuery("example.com", dns.TypeA, dns.ClassINET)
	m.Response = true
	_, ok, drop := CheckQuery(pack(t, m), m)
	assert.False(t, ok)
	assert.True(t, drop)
}

func TestCheckQueryRejectsNoRD(t *testing.T) {
	m := newQuery("example.com", dns.TypeA, dns.ClassINET)
	m.RecursionDesired = false
	rcode, ok, drop := CheckQuery(pack(t, m), m)
	assert.False(t, ok)
	assert.False(t, drop)
	assert.Equal(t, dns.RcodeRefused, rcode)
}

func TestCheckQueryRejectsNonQueryOpcode(t *testing.T) {
	m := newQuery("example.com", dns.TypeA, dns.ClassINET)
	m.Opcode = dns.OpcodeNotify
	rcode, ok, _ := CheckQuery(pack(t, m), m)
	assert.False(t, ok)
	assert.Equal(t, dns.RcodeNotImplemented, rcode)
}

func TestCheckQueryRejectsMultiQuestion(t *testing.T) {
	m := newQuery("example.com", dns.TypeA, dns.ClassINET)
	m.Question = append(m.Question, m.Question[0])
	rcode, ok, _ := CheckQuery(pack(t, m), m)
	assert.False(t, ok)
	assert.Equal(t, dns.RcodeFormatError, rcode)
}

func TestCheckQueryRejectsHeaderCountConjunction(t *testing.T) {
	// qdcount=2, ancount=1, nscount=1, arcount=2: every clause of the
	// conjunction holds, so the header cross-check itself must fire.
	raw := []byte{
		0, 0, 0x01, 0x00,
		0, 2, // qdcount
		0, 1, // ancount
		0, 1, // nscount
		0, 2, // arcount
	}
	m := newQuery("example.com", dns.TypeA, dns.ClassINET)
	rcode, ok, _ := CheckQuery(raw, m)
	assert.False(t, ok)
	assert.Equal(t, dns.RcodeFormatError, rcode)
}

func TestClassifyQuestionRejectsAXFR(t *testing.T) {
	q := dns.Question{Name: "example.com.", Qtype: dns.TypeAXFR, Qclass: dns.ClassINET}
	rcode, forward, chaos := ClassifyQuestion(q)
	assert.False(t, forward)
	assert.False(t, chaos)
	assert.Equal(t, dns.RcodeRefused, rcode)
}

func TestClassifyQuestionRejectsPrivateUseRange(t *testing.T) {
	q := dns.Question{Name: "example.com.", Qtype: 200, Qclass: dns.ClassINET}
	rcode, forward, _ := ClassifyQuestion(q)
	assert.False(t, forward)
	assert.Equal(t, dns.RcodeFormatError, rcode)
}

func TestClassifyQuestionChaosVersion(t *testing.T) {
	q := dns.Question{Name: "version.bind.", Qtype: dns.TypeTXT, Qclass: dns.ClassCHAOS}
	_, forward, chaos := ClassifyQuestion(q)
	assert.False(t, forward)
	assert.True(t, chaos)
}

func TestClassifyQuestionChaosOtherNameRefused(t *testing.T) {
	q := dns.Question{Name: "foo.bar.", Qtype: dns.TypeTXT, Qclass: dns.ClassCHAOS}
	rcode, forward, chaos := ClassifyQuestion(q)
	assert.False(t, forward)
	assert.False(t, chaos)
	assert.Equal(t, dns.RcodeRefused, rcode)
}

func TestClassifyQuestionForwardsOrdinary(t *testing.T) {
	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	rcode, forward, chaos := ClassifyQuestion(q)
	assert.True(t, forward)
	assert.False(t, chaos)
	assert.Equal(t, dns.RcodeSuccess, rcode)
}

func TestBuildErrorEchoesID(t *testing.T) {
	m := newQuery("example.com", dns.TypeA, dns.ClassINET)
	reply := BuildError(m, dns.RcodeServerFailure)
	assert.Equal(t, m.Id, reply.Id)
	assert.Equal(t, dns.RcodeServerFailure, reply.Rcode)
	assert.True(t, reply.Response)
}

func TestBuildChaosAnswersVersionBind(t *testing.T) {
	m := newQuery("version.bind", dns.TypeTXT, dns.ClassCHAOS)
	reply := BuildChaos(m)
	require := assert.New(t)
	require.Equal(dns.RcodeSuccess, reply.Rcode)
	require.Len(reply.Answer, 1)
	txt, ok := reply.Answer[0].(*dns.TXT)
	require.True(ok)
	require.Equal([]string{"unwind"}, txt.Txt)
}

func TestMinimizeAndFitPassesThroughSmallAnswer(t *testing.T) {
	q := newQuery("example.com", dns.TypeA, dns.ClassINET)
	reply := new(dns.Msg)
	reply.SetReply(q)
	reply.Answer = append(reply.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   []byte{127, 0, 0, 1},
	})

	buf, err := MinimizeAndFit(reply, 1500, true, false)
	assert.NoError(t, err)
	assert.NotEmpty(t, buf)
}

func TestMinimizeAndFitStripsRRSIGWhenDOUnset(t *testing.T) {
	q := newQuery("example.com", dns.TypeA, dns.ClassINET)
	reply := new(dns.Msg)
	reply.SetReply(q)
	reply.Answer = append(reply.Answer,
		&dns.A{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: []byte{127, 0, 0, 1}},
		&dns.RRSIG{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeRRSIG, Class: dns.ClassINET, Ttl: 300}, TypeCovered: dns.TypeA},
	)

	buf, err := MinimizeAndFit(reply, 1500, true, false)
	require.NoError(t, err)

	got := new(dns.Msg)
	require.NoError(t, got.Unpack(buf))
	require.Len(t, got.Answer, 1)
	assert.Equal(t, dns.TypeA, got.Answer[0].Header().Rrtype)
}

func TestMinimizeAndFitKeepsRRSIGWhenDOSet(t *testing.T) {
	q := newQuery("example.com", dns.TypeA, dns.ClassINET)
	reply := new(dns.Msg)
	reply.SetReply(q)
	reply.Answer = append(reply.Answer,
		&dns.A{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: []byte{127, 0, 0, 1}},
		&dns.RRSIG{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeRRSIG, Class: dns.ClassINET, Ttl: 300}, TypeCovered: dns.TypeA},
	)

	buf, err := MinimizeAndFit(reply, 1500, true, true)
	require.NoError(t, err)

	got := new(dns.Msg)
	require.NoError(t, got.Unpack(buf))
	require.Len(t, got.Answer, 2)
}

func TestMinimizeAndFitTruncatesOversizedUDP(t *testing.T) {
	q := newQuery("example.com", dns.TypeTXT, dns.ClassINET)
	reply := new(dns.Msg)
	reply.SetReply(q)
	for i := 0; i < 50; i++ {
		reply.Extra = append(reply.Extra, &dns.TXT{
			Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 300},
			Txt: []string{"padding-padding-padding-padding-padding"},
		})
	}
	reply.Answer = append(reply.Answer, &dns.TXT{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 300},
		Txt: []string{"padding-padding-padding-padding-padding"},
	})

	buf, err := MinimizeAndFit(reply, 64, true, false)
	assert.NoError(t, err)
	assert.NotEmpty(t, buf)

	out := new(dns.Msg)
	require := assert.New(t)
	require.NoError(out.Unpack(buf))
}
