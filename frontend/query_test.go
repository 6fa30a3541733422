package frontend

import (
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/dnsfrontend/acl"
	"github.com/semihalev/dnsfrontend/ipc"
	"github.com/semihalev/dnsfrontend/metrics"
	"github.com/semihalev/dnsfrontend/mock"
)

// channelPair returns two ends of a real Unix domain socket wrapped as
// ipc.Channels, the same way ipc's own tests do, because *net.UnixConn
// (not the net.Pipe() in-memory conn) is required for SCM_RIGHTS support.
func channelPair(t *testing.T) (*ipc.Channel, *ipc.Channel) {
	t.Helper()

	dir := t.TempDir()
	sock := filepath.Join(dir, "test.sock")

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: sock, Net: "unix"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	acceptedCh := make(chan *net.UnixConn, 1)
	go func() {
		conn, err := ln.AcceptUnix()
		if err == nil {
			acceptedCh <- conn
		}
	}()

	client, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: sock, Net: "unix"})
	require.NoError(t, err)

	var server *net.UnixConn
	select {
	case server = <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	a, b := ipc.New(server), ipc.New(client)
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	resolverCh, _ := channelPair(t)
	mainCh, _ := channelPair(t)
	e, err := New(Config{TCPIdleTimeout: 0}, resolverCh, mainCh, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	return e
}

func packQuery(t *testing.T, name string, qtype, qclass uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.RecursionDesired = true
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Question[0].Qclass = qclass
	buf, err := m.Pack()
	require.NoError(t, err)
	return buf
}

func unpack(t *testing.T, buf []byte) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(buf))
	return m
}

func TestHandleQueryAnswersChaosVersion(t *testing.T) {
	e := newTestEngine(t)
	sess := mock.NewSession("udp", "192.0.2.1:0")

	e.handleQuery(sess, packQuery(t, "version.bind", dns.TypeTXT, dns.ClassCHAOS))

	require.Len(t, sess.Answers(), 1)
	reply := unpack(t, sess.Answers()[0])
	assert.Equal(t, dns.RcodeSuccess, reply.Rcode)
	require.Len(t, reply.Answer, 1)
}

func TestHandleQueryRefusesBlockedName(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.blocklist.Reload(strings.NewReader("ads.example.\n")))

	sess := mock.NewSession("udp", "192.0.2.1:0")
	e.handleQuery(sess, packQuery(t, "ads.example", dns.TypeA, dns.ClassINET))

	require.Len(t, sess.Answers(), 1)
	reply := unpack(t, sess.Answers()[0])
	assert.Equal(t, dns.RcodeRefused, reply.Rcode)
}

func TestHandleQueryDropsACLDeniedClient(t *testing.T) {
	e := newTestEngine(t)
	restricted, err := acl.New([]string{"203.0.113.0/24"})
	require.NoError(t, err)
	e.acl = restricted

	sess := mock.NewSession("udp", "192.0.2.1:0")
	e.handleQuery(sess, packQuery(t, "example.com", dns.TypeA, dns.ClassINET))

	assert.Empty(t, sess.Answers())
	assert.True(t, sess.Closed())
}

func TestHandleQueryForwardsOrdinaryQuery(t *testing.T) {
	e := newTestEngine(t)
	sess := mock.NewSession("udp", "192.0.2.1:0")

	e.handleQuery(sess, packQuery(t, "example.com", dns.TypeA, dns.ClassINET))

	assert.Empty(t, sess.Answers()) // no resolver attached; nothing answered yet
	assert.Equal(t, 1, e.pending.Count())
}

func TestHandleQueryLocalReplyEchoesClientEDNS(t *testing.T) {
	e := newTestEngine(t)
	sess := mock.NewSession("udp", "192.0.2.1:0")

	q := new(dns.Msg)
	q.RecursionDesired = true
	q.SetQuestion(dns.Fqdn("version.bind"), dns.TypeTXT)
	q.Question[0].Qclass = dns.ClassCHAOS
	q.SetEdns0(4096, true)
	raw, err := q.Pack()
	require.NoError(t, err)

	e.handleQuery(sess, raw)

	require.Len(t, sess.Answers(), 1)
	reply := unpack(t, sess.Answers()[0])
	opt := reply.IsEdns0()
	require.NotNil(t, opt, "locally-built reply dropped the client's EDNS0 option")
	assert.EqualValues(t, 4096, opt.UDPSize())
	assert.True(t, opt.Do())
}

func TestHandleQueryRejectsMalformedPacket(t *testing.T) {
	e := newTestEngine(t)
	sess := mock.NewSession("udp", "192.0.2.1:0")

	e.handleQuery(sess, []byte{0x00, 0x01})

	assert.Empty(t, sess.Answers())
	assert.True(t, sess.Closed())
}
