package frontend

import (
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/dnsfrontend/ipc"
	"github.com/semihalev/dnsfrontend/metrics"
	"github.com/semihalev/dnsfrontend/trustanchor"
)

// newTestEngineWithResolverPeer is like newTestEngine but also returns the
// far end of the resolver channel, for tests that need to read what the
// engine sends back over it (loopback synchronization).
func newTestEngineWithResolverPeer(t *testing.T) (*Engine, *ipc.Channel) {
	t.Helper()
	resolverCh, resolverPeer := channelPair(t)
	mainCh, _ := channelPair(t)
	e, err := New(Config{TCPIdleTimeout: 0}, resolverCh, mainCh, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	return e, resolverPeer
}

func TestNewTAsDonePersistsEvenWhenUnchanged(t *testing.T) {
	e, peer := newTestEngineWithResolverPeer(t)

	f, err := os.CreateTemp(t.TempDir(), "trust-anchor")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("stale\n")
	require.NoError(t, err)
	e.taFile = f

	existing := e.trustanchors.Snapshot()
	require.NoError(t, peer.Send(ipc.TypeNewTA, 0, []byte(existing[0]), -1))
	require.NoError(t, peer.Send(ipc.TypeNewTAsDone, 0, nil, -1))

	done := make(chan struct{})
	go func() {
		e.pumpResolverChannel(t.Context())
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := os.ReadFile(f.Name())
		return err == nil && string(got) == string(existing[0])+"\n"
	}, 2*time.Second, 10*time.Millisecond, "trust anchor file was never rewritten")

	e.resolverCh.Close()
	<-done
}

func TestNewTAsDoneForwardsChangedSetToResolver(t *testing.T) {
	e, peer := newTestEngineWithResolverPeer(t)

	f, err := os.CreateTemp(t.TempDir(), "trust-anchor")
	require.NoError(t, err)
	defer f.Close()
	e.taFile = f

	newAnchor := trustanchor.Anchor("example. IN DNSKEY 257 3 8 AA==")
	require.NoError(t, peer.Send(ipc.TypeNewTA, 0, []byte(newAnchor), -1))
	require.NoError(t, peer.Send(ipc.TypeNewTAsDone, 0, nil, -1))

	done := make(chan struct{})
	go func() {
		e.pumpResolverChannel(t.Context())
		close(done)
	}()

	msg, err := peer.Recv()
	require.NoError(t, err)
	assert.Equal(t, ipc.TypeNewTA, msg.Type)

	msg, err = peer.Recv()
	require.NoError(t, err)
	assert.Equal(t, ipc.TypeNewTAsDone, msg.Type)

	e.resolverCh.Close()
	<-done
}
