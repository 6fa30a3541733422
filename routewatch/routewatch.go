// Package routewatch turns BSD routing-socket messages into the two
// resolver-channel notifications the original frontend_route_message
// handler produces: a DNS proposal change and a link state change
// (spec.md §4.9).
package routewatch

import (
	"fmt"
	"os"

	"github.com/semihalev/dnsfrontend/ipc"
)

// EventKind distinguishes the outcomes handle_route_message produces.
type EventKind int

const (
	// EventNetworkChanged corresponds to RTM_IFINFO: NETWORK_CHANGED is
	// sent to the resolver with no payload.
	EventNetworkChanged EventKind = iota
	// EventDNSProposal corresponds to RTM_IFANNOUNCE departures (a
	// withdrawal, Family 0) and to RTM_PROPOSAL: a REPLACE_DNS payload is
	// sent to the resolver. RTM_IFANNOUNCE arrivals produce no event.
	EventDNSProposal
)

// Event is one notification a Watcher delivers.
type Event struct {
	Kind     EventKind
	Proposal ipc.ReplaceDNSProposal
}

// Watcher reads a routing socket fd and decodes messages into Events. The
// wire format of every message type but RTM_IFINFO is platform-specific;
// decode (in a per-GOOS file) is where that difference lives.
type Watcher struct {
	conn *os.File
}

// New wraps an already-open routing socket fd, as handed down by the
// parent process over the main channel (spec.md §4.9: TypeRouteSock).
func New(fd int) *Watcher {
	return &Watcher{conn: os.NewFile(uintptr(fd), "routesock")}
}

// Close releases the underlying fd.
func (w *Watcher) Close() error {
	return w.conn.Close()
}

// Next blocks until one routing message is available and returns the
// Event it produced, or ok=false if the message carried nothing the front
// end acts on (the RTM_IFANNOUNCE "arrival" case, and any message type the
// front end does not care about at all).
func (w *Watcher) Next() (Event, bool, error) {
	buf := make([]byte, os.Getpagesize()*4)
	n, err := w.conn.Read(buf)
	if err != nil {
		return Event{}, false, fmt.Errorf("routewatch: read: %w", err)
	}
	if n == 0 {
		return Event{}, false, fmt.Errorf("routewatch: routing socket closed")
	}
	return decode(buf[:n])
}
