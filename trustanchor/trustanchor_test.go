package trustanchor

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDNSKEY = `. IN DNSKEY 257 3 8 AwEAAagAIKlVZrpC6Ia7gEzahOR+9W29euxhJhVVLOyQbSEW0O8gcCjFFVQUTf6v58fLjwBd0YI0EzrAcQqBGCzh/RStIoO8g0NfnfL2MTJRkxoXbfDaUeVPQuYEhg37NZWAJQ9VnMVDxP/VHL496M/QZxkjf5/Efucp2gaDX6RS6CXpoY68LsvPVjR0ZSwzz1apAzvN9dlzEheX7ICVNFYYmaCRl1XfY7qhWYXbVSYZMZAVdOo2a/E9/e2qIOa9vZMbRunFMuIAYB7zFxkWZ2RY1hs=`

func TestNewSeedsKSK2017(t *testing.T) {
	s := New()
	got := s.Snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, Anchor(RootKSK2017), got[0])
}

func TestAddKeepsSortedOrder(t *testing.T) {
	s := &Store{}
	s.Add(Anchor("zzz"))
	s.Add(Anchor("aaa"))
	s.Add(Anchor("mmm"))

	got := s.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, []Anchor{"aaa", "mmm", "zzz"}, got)
}

func TestAddIgnoresDuplicate(t *testing.T) {
	s := &Store{}
	s.Add(Anchor("same"))
	s.Add(Anchor("same"))
	assert.Len(t, s.Snapshot(), 1)
}

func TestDiffAndSwapDetectsChange(t *testing.T) {
	s := &Store{}
	s.Add(Anchor("a"))
	s.Add(Anchor("b"))

	changed := s.DiffAndSwap([]Anchor{"a", "c"})
	assert.True(t, changed)
	assert.Equal(t, []Anchor{"a", "c"}, s.Snapshot())
}

func TestDiffAndSwapNoopWhenIdentical(t *testing.T) {
	s := &Store{}
	s.Add(Anchor("a"))
	s.Add(Anchor("b"))

	changed := s.DiffAndSwap([]Anchor{"b", "a"})
	assert.False(t, changed)
}

func TestParseKeepsOnlyDNSKEYRecords(t *testing.T) {
	input := strings.Join([]string{
		"; a comment line",
		"",
		sampleDNSKEY,
		"example.com. IN A 127.0.0.1",
	}, "\n")

	out, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, Anchor(sampleDNSKEY), out[0])
}

func TestPersistRoundTrips(t *testing.T) {
	s := &Store{}
	s.Add(Anchor("one"))
	s.Add(Anchor("two"))

	f, err := os.CreateTemp(t.TempDir(), "trust-anchor")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, s.Persist(f))

	got, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(got))
}

func TestPersistRewritesFileEvenWhenUnchanged(t *testing.T) {
	s := &Store{}
	s.Add(Anchor("one"))

	f, err := os.CreateTemp(t.TempDir(), "trust-anchor")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("stale contents that should be gone\n")
	require.NoError(t, err)

	require.NoError(t, s.Persist(f))

	got, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "one\n", string(got))
}
