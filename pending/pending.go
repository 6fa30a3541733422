// Package pending implements the correlation table between inbound client
// sessions and outbound resolver transactions (spec.md §4.2, §3 PendingQuery).
package pending

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Transport identifies whether a Query arrived over UDP or TCP (spec.md §3:
// "model transport as a tagged variant").
type Transport int

const (
	UDP Transport = iota
	TCP
)

func (t Transport) String() string {
	if t == TCP {
		return "tcp"
	}
	return "udp"
}

// EDNS holds the parsed EDNS0 option data relevant to answer construction
// (spec.md §3).
type EDNS struct {
	Present  bool
	UDPSize  uint16
	DO       bool
	Version  uint8
	ExtRcode int
}

// DefaultUDPSize is used when a client sends no EDNS0 option (spec.md §4.3).
const DefaultUDPSize = 512

// Session is the minimal interface a transport-specific session type must
// satisfy so the shared query pipeline can deliver an answer without
// knowing whether it is talking to a UDP socket or a TCP connection
// (spec.md §9 Design Notes: "owners are the pending-query entity, the
// event-loop holds non-owning handles used only to cancel").
type Session interface {
	// WriteAnswer delivers the final answer bytes to the client. For UDP
	// this is one datagram; for TCP it is the 2-byte length prefix
	// followed by the answer (spec.md §4.4 S2).
	WriteAnswer(answer []byte) error
	// Close releases any transport-specific resources (the TCP fd, its
	// timers). It is always safe to call more than once.
	Close()
	// RemoteAddr is the client address, for logging and REFUSED-blocklist
	// messages.
	RemoteAddr() net.Addr
}

// Query is the PendingQuery entity from spec.md §3. Once inserted into a
// Table it is only ever mutated by the goroutine that owns the client
// session; the resolver-channel goroutine that eventually fills in the
// answer does so through the same synchronized Table lookup, never by
// holding a second reference handed to it ahead of time.
type Query struct {
	ID        uint64
	From      net.Addr
	Transport Transport
	Session   Session

	QName  string // fully-qualified, e.g. "example.com."
	QType  uint16
	QClass uint16

	// QMsg is the parsed client header+question, kept so the reply can
	// echo the client's original id and RD/CD bits (spec.md §4.5.1).
	QMsg *dns.Msg
	EDNS EDNS

	mu       sync.Mutex
	abuf     []byte
	position int
	capacity int
	fixed    bool
	done     bool

	Created time.Time
}

// MarkDone reports whether the caller is the first to finish this query,
// and marks it finished. A timeout firing and an answer arriving can race
// to release the same query; MarkDone makes exactly one of them win so the
// session is closed and removed from the table exactly once.
func (q *Query) MarkDone() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return false
	}
	q.done = true
	return true
}

// SetCapacity fixes abuf's capacity to the resolver-announced answer length
// on the first ANSWER chunk (spec.md I3: "abuf capacity, once fixed by the
// first answer chunk, never changes"). Calling it again is a no-op.
func (q *Query) SetCapacity(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fixed {
		return
	}
	q.abuf = make([]byte, 0, n)
	q.capacity = n
	q.fixed = true
}

// Append writes the next ANSWER chunk into abuf. It refuses to exceed the
// fixed capacity (spec.md I4).
func (q *Query) Append(chunk []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.fixed {
		return fmt.Errorf("pending: answer chunk before capacity fixed")
	}
	if q.position+len(chunk) > q.capacity {
		return fmt.Errorf("pending: answer overflows capacity %d", q.capacity)
	}
	q.abuf = append(q.abuf, chunk...)
	q.position += len(chunk)
	return nil
}

// Complete reports whether every byte of the fixed-capacity answer has
// arrived (spec.md §4.5: "When position==capacity, invoke reply
// post-processing").
func (q *Query) Complete() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fixed && q.position == q.capacity
}

// Answer returns the accumulated answer bytes. Only meaningful once
// Complete reports true.
func (q *Query) Answer() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]byte, len(q.abuf))
	copy(out, q.abuf)
	return out
}

// Table is the correlation table from spec.md §4.2: insert, lookup, remove,
// count, keyed by the random 64-bit imsg_id (spec.md I1: ids are globally
// unique across live pending queries).
type Table struct {
	mu sync.Mutex
	m  map[uint64]*Query
}

// NewTable returns an empty pending-query table.
func NewTable() *Table {
	return &Table{m: make(map[uint64]*Query)}
}

// Insert draws a fresh random id (crypto/rand, retrying on collision, per
// spec.md §4.2) and stores q under it. The caller must not have already
// set q.ID; Insert sets it.
func (t *Table) Insert(q *Query) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		id, err := randomID()
		if err != nil {
			return err
		}
		if _, exists := t.m[id]; exists {
			continue
		}
		q.ID = id
		t.m[id] = q
		return nil
	}
}

// Lookup returns the query for id, or nil if none is live.
func (t *Table) Lookup(id uint64) *Query {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[id]
}

// Remove deletes q from the table. It is a no-op if q is not present
// (double-release is tolerated the way free_pending_query tolerates a NULL
// pq in the original).
func (t *Table) Remove(q *Query) {
	if q == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, q.ID)
}

// Count returns the number of live pending queries (spec.md
// pending_query_cnt, and the frontend_pending_queries gauge).
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// Each calls fn for every live query, for diagnostics (spec.md §4.2:
// "iteration is supported for diagnostics"); it backs the control
// channel's CTL_MEM_INFO relay. fn must not mutate the table.
func (t *Table) Each(fn func(*Query)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range t.m {
		fn(q)
	}
}

func randomID() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
