//go:build openbsd

package routewatch

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/semihalev/dnsfrontend/ipc"
)

// rtMsgHdr mirrors the leading fields every rt_msghdr variant shares:
// msglen, version, type. msglen is read little-endian, the byte order of
// the amd64/arm64 targets, matching how the kernel writes the routing
// socket's struct headers in place (spec.md §4.9: "the wire layout is the platform's
// struct rt_msghdr, not a portable encoding").
func rtMsgHdr(buf []byte) (msglen int, version int, rtmType int, ok bool) {
	if len(buf) < 4 {
		return 0, 0, 0, false
	}
	msglen = int(binary.LittleEndian.Uint16(buf[0:2]))
	version = int(buf[2])
	rtmType = int(buf[3])
	return msglen, version, rtmType, true
}

// decode parses the three rt_msghdr variants the front end acts on:
// RTM_IFINFO, RTM_IFANNOUNCE, and RTM_PROPOSAL (spec.md §4.9).
func decode(buf []byte) (Event, bool, error) {
	msglen, version, rtmType, ok := rtMsgHdr(buf)
	if !ok || msglen < 4 || msglen > len(buf) {
		return Event{}, false, fmt.Errorf("routewatch: short rtm header")
	}
	if version != unix.RTM_VERSION {
		return Event{}, false, nil
	}

	switch rtmType {
	case unix.RTM_IFINFO:
		return Event{Kind: EventNetworkChanged}, true, nil
	case unix.RTM_IFANNOUNCE:
		return parseIfAnnounce(buf[:msglen])
	case unix.RTM_PROPOSAL:
		return parseProposal(buf[:msglen])
	default:
		return Event{}, false, nil
	}
}

// ifAnnounceMsgHdr layout: rt_msghdr fields up to ifan_what/ifan_index per
// <net/if.h> struct if_announcemsghdr. Offsets follow the OpenBSD
// amd64/arm64 ABI the daemon itself targets.
const (
	ifanIndexOffset = 18
	ifanWhatOffset  = 22
)

func parseIfAnnounce(buf []byte) (Event, bool, error) {
	if len(buf) < ifanWhatOffset+2 {
		return Event{}, false, fmt.Errorf("routewatch: short if_announcemsghdr")
	}
	ifIndex := int(binary.LittleEndian.Uint16(buf[ifanIndexOffset : ifanIndexOffset+2]))
	what := int(binary.LittleEndian.Uint16(buf[ifanWhatOffset : ifanWhatOffset+2]))

	if what == unix.IFAN_ARRIVAL {
		return Event{}, false, nil
	}
	return Event{
		Kind: EventDNSProposal,
		Proposal: ipc.ReplaceDNSProposal{
			IfIndex: ifIndex,
			Family:  0, // withdraw: this interface's proposal is gone
		},
	}, true, nil
}

// rtmAddrsOffset/rtmHdrlenOffset are the rt_msghdr fields needed to walk
// to the RTAX_DNS sockaddr (spec.md §4.9, mirroring get_rtaddrs).
const (
	rtmAddrsOffset  = 12
	rtmHdrlenOffset = 42
)

const rtaxDNS = unix.RTAX_DNS
const rtaxMax = 15

func parseProposal(buf []byte) (Event, bool, error) {
	if len(buf) < rtmHdrlenOffset+2 {
		return Event{}, false, fmt.Errorf("routewatch: short rt_msghdr")
	}
	addrsMask := binary.LittleEndian.Uint32(buf[rtmAddrsOffset : rtmAddrsOffset+4])
	hdrlen := int(buf[rtmHdrlenOffset])

	if addrsMask&unix.RTA_DNS == 0 {
		return Event{}, false, nil
	}
	if hdrlen <= 0 || hdrlen > len(buf) {
		return Event{}, false, fmt.Errorf("routewatch: bad rtm_hdrlen")
	}

	sa := buf[hdrlen:]
	offset := 0
	var rtdns []byte
	for i := 0; i < rtaxMax; i++ {
		if int(addrsMask)&(1<<i) == 0 {
			continue
		}
		if offset >= len(sa) {
			return Event{}, false, fmt.Errorf("routewatch: truncated sockaddr chain")
		}
		saLen := int(sa[offset])
		if saLen == 0 {
			saLen = 4 // kernel pads a zero-length sockaddr to sizeof(long)
		}
		if i == rtaxDNS {
			rtdns = sa[offset:minInt(offset+saLen, len(sa))]
		}
		offset += roundUp(saLen)
	}
	if rtdns == nil {
		return Event{}, false, fmt.Errorf("routewatch: RTA_DNS set but RTAX_DNS missing")
	}
	return decodeSockaddrRTDNS(rtdns)
}

// decodeSockaddrRTDNS parses struct sockaddr_rtdns: sr_len, sr_family,
// sr_dns[] holding one or more packed IPv4 or IPv6 addresses (spec.md
// §4.9).
func decodeSockaddrRTDNS(b []byte) (Event, bool, error) {
	if len(b) < 2 {
		return Event{}, false, fmt.Errorf("routewatch: short sockaddr_rtdns")
	}
	srLen := int(b[0])
	family := int(b[1])
	if srLen > len(b) {
		srLen = len(b)
	}
	addrs := b[2:srLen]

	switch family {
	case unix.AF_INET:
		if len(addrs)%4 != 0 {
			return Event{}, false, fmt.Errorf("routewatch: invalid RTM_PROPOSAL: bad IPv4 addr length")
		}
	case unix.AF_INET6:
		if len(addrs)%16 != 0 {
			return Event{}, false, fmt.Errorf("routewatch: invalid RTM_PROPOSAL: bad IPv6 addr length")
		}
	default:
		return Event{}, false, fmt.Errorf("routewatch: invalid RTM_PROPOSAL: unknown family %d", family)
	}

	addrsCopy := make([]byte, len(addrs))
	copy(addrsCopy, addrs)

	return Event{
		Kind: EventDNSProposal,
		Proposal: ipc.ReplaceDNSProposal{
			Family: family,
			Addrs:  addrsCopy,
		},
	}, true, nil
}

func roundUp(n int) int {
	const wordSize = 8 // sizeof(long) on openbsd/amd64 and openbsd/arm64
	if n <= 0 {
		return wordSize
	}
	return 1 + ((n - 1) | (wordSize - 1))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
