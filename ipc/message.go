// Package ipc implements the typed, length-prefixed message channel the
// front-end uses to talk to its parent and to the resolver process. Both
// channels share the same framing and fd-passing mechanics; only the set of
// message Types differs.
package ipc

import (
	"encoding/binary"
	"fmt"
)

// Type identifies the kind of payload carried by a Message. The two
// channels (main and resolver) draw from disjoint ranges so that a message
// read on the wrong channel is caught immediately rather than silently
// misinterpreted.
type Type uint32

// Main-channel message kinds: parent process -> front-end.
const (
	TypeSocketIPCResolver Type = iota + 1
	TypeUDP4Sock
	TypeUDP6Sock
	TypeTCP4Sock
	TypeTCP6Sock
	TypeRouteSock
	TypeControlFD
	TypeTAFD
	TypeBLFD
	TypeReconfConf
	TypeReconfBlocklistFile
	TypeReconfForwarder
	TypeReconfDoTForwarder
	TypeReconfForce
	TypeReconfEnd
	TypeStartup
	TypeStartupDone
)

// Resolver-channel message kinds, both directions.
const (
	TypeQuery Type = iota + 100
	TypeAnswer
	TypeNewTA
	TypeNewTAsDone
	TypeNewTAsAbort
	TypeReplaceDNS
	TypeNetworkChanged
	TypeCtlResolverInfo
	TypeCtlAutoconfResolverInfo
	TypeCtlMemInfo
	TypeCtlEnd
)

// String renders a Type the way log lines want it: a name, not a number.
func (t Type) String() string {
	switch t {
	case TypeSocketIPCResolver:
		return "SOCKET_IPC_RESOLVER"
	case TypeUDP4Sock:
		return "UDP4SOCK"
	case TypeUDP6Sock:
		return "UDP6SOCK"
	case TypeTCP4Sock:
		return "TCP4SOCK"
	case TypeTCP6Sock:
		return "TCP6SOCK"
	case TypeRouteSock:
		return "ROUTESOCK"
	case TypeControlFD:
		return "CONTROLFD"
	case TypeTAFD:
		return "TAFD"
	case TypeBLFD:
		return "BLFD"
	case TypeReconfConf:
		return "RECONF_CONF"
	case TypeReconfBlocklistFile:
		return "RECONF_BLOCKLIST_FILE"
	case TypeReconfForwarder:
		return "RECONF_FORWARDER"
	case TypeReconfDoTForwarder:
		return "RECONF_DOT_FORWARDER"
	case TypeReconfForce:
		return "RECONF_FORCE"
	case TypeReconfEnd:
		return "RECONF_END"
	case TypeStartup:
		return "STARTUP"
	case TypeStartupDone:
		return "STARTUP_DONE"
	case TypeQuery:
		return "QUERY"
	case TypeAnswer:
		return "ANSWER"
	case TypeNewTA:
		return "NEW_TA"
	case TypeNewTAsDone:
		return "NEW_TAS_DONE"
	case TypeNewTAsAbort:
		return "NEW_TAS_ABORT"
	case TypeReplaceDNS:
		return "REPLACE_DNS"
	case TypeNetworkChanged:
		return "NETWORK_CHANGED"
	case TypeCtlResolverInfo:
		return "CTL_RESOLVER_INFO"
	case TypeCtlAutoconfResolverInfo:
		return "CTL_AUTOCONF_RESOLVER_INFO"
	case TypeCtlMemInfo:
		return "CTL_MEM_INFO"
	case TypeCtlEnd:
		return "CTL_END"
	default:
		return "UNKNOWN"
	}
}

// Message is a decoded frame read off a Channel, with at most one ancillary
// fd attached (spec.md §6: "an optional fd passed as ancillary").
type Message struct {
	Type Type
	PID  int32
	Data []byte
	FD   int // -1 if none was received
}

// QueryRequest is the QUERY{id, qname, qtype, qclass} payload sent to the
// resolver (spec.md §4.5). The qname travels as a Go string, not a
// NUL-terminated C buffer, but is still capped at 255 bytes on the wire to
// match the original protocol's framing.
type QueryRequest struct {
	ID     uint64
	QName  string
	QType  uint16
	QClass uint16
}

// MaxQNameLen is the wire cap on QueryRequest.QName (spec.md §4.5:
// "qname_cstr≤255").
const MaxQNameLen = 255

// AnswerHeaderSize is the wire size of an AnswerHeader: ID (8) + AnswerLen
// (4) + flags (1).
const AnswerHeaderSize = 8 + 4 + 1

// AnswerHeader is the fixed-size prefix of an ANSWER chunk (spec.md §4.5).
type AnswerHeader struct {
	ID        uint64
	AnswerLen uint32
	Bogus     bool
	SrvFail   bool
}

// DecodeAnswerHeader parses the fixed-size prefix of an ANSWER chunk,
// returning the header and the chunk bytes that follow it. It reports an
// error if data is shorter than AnswerHeaderSize.
func DecodeAnswerHeader(data []byte) (AnswerHeader, []byte, error) {
	if len(data) < AnswerHeaderSize {
		return AnswerHeader{}, nil, fmt.Errorf("ipc: short answer header: %d bytes", len(data))
	}
	flags := data[12]
	h := AnswerHeader{
		ID:        binary.BigEndian.Uint64(data[0:8]),
		AnswerLen: binary.BigEndian.Uint32(data[8:12]),
		Bogus:     flags&0x1 != 0,
		SrvFail:   flags&0x2 != 0,
	}
	return h, data[AnswerHeaderSize:], nil
}

// ReplaceDNSProposal mirrors spec.md §4.5's REPLACE_DNS payload, carrying a
// resolver address proposal learned from the routing socket (spec.md §4.9).
type ReplaceDNSProposal struct {
	IfIndex int
	Src     int
	Family  int // unix.AF_INET or unix.AF_INET6; 0 means "withdraw"
	Addrs   []byte
}
