//go:build darwin || dragonfly || freebsd || netbsd

package routewatch

import "golang.org/x/net/route"

// decode uses the portable x/net/route RIB parser on the BSD family
// members that don't speak RTM_PROPOSAL (that message type, and the
// sockaddr_rtdns it carries, is OpenBSD-only; see routewatch_openbsd.go).
// Link state transitions still reach the resolver as NETWORK_CHANGED.
func decode(buf []byte) (Event, bool, error) {
	msgs, err := route.ParseRIB(route.RIBTypeRoute, buf)
	if err != nil {
		return Event{}, false, nil
	}
	for _, m := range msgs {
		if _, ok := m.(*route.InterfaceMessage); ok {
			return Event{Kind: EventNetworkChanged}, true, nil
		}
	}
	return Event{}, false, nil
}
