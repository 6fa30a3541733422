package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// maxPayload bounds a single frame's payload the way imsg bounds
// IMSG_DATA_SIZE: large enough for a full chunked ANSWER, small enough that
// a hostile or confused peer can't make us allocate without limit.
const maxPayload = 1 << 20

const headerSize = 4 + 4 + 4 // Type + Length + PID, all uint32/int32 BigEndian

// Channel is a typed, length-prefixed message stream over a Unix domain
// socket, with support for passing at most one file descriptor per message
// as ancillary data (spec.md §6). Both the main channel and the resolver
// channel are Channels; only the Type values sent over them differ.
type Channel struct {
	conn *net.UnixConn

	writeMu sync.Mutex
}

// New wraps an already-connected Unix domain socket. The caller retains
// ownership of fd lifecycle concerns only insofar as Close closes conn.
func New(conn *net.UnixConn) *Channel {
	return &Channel{conn: conn}
}

// Fd returns the underlying file descriptor, for registering with
// whatever read-readiness mechanism the caller uses.
func (c *Channel) Fd() (int, error) {
	raw, err := c.conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	cerr := raw.Control(func(f uintptr) { fd = int(f) })
	if cerr != nil {
		return -1, cerr
	}
	return fd, nil
}

// Close tears down the channel. Per spec.md §4.10, callers are expected to
// flush pending writes themselves before calling Close during shutdown.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// Send writes one frame. fd == -1 means no ancillary descriptor; otherwise
// the descriptor is attached via SCM_RIGHTS and the receiver gets exactly
// one fd per message, matching the parent/resolver protocol's "at most one
// fd" rule (spec.md §9 Design Notes).
func (c *Channel) Send(typ Type, pid int32, payload []byte, fd int) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("ipc: payload too large: %d bytes", len(payload))
	}

	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(typ))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(pid))

	frame := append(hdr, payload...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if fd >= 0 {
		rights := unix.UnixRights(fd)
		_, _, err := c.conn.WriteMsgUnix(frame, rights, nil)
		return err
	}

	_, err := c.conn.Write(frame)
	return err
}

// Recv reads one frame, blocking until it is fully available. At most one
// ancillary fd is returned; Message.FD is -1 if none arrived.
func (c *Channel) Recv() (Message, error) {
	hdr := make([]byte, headerSize)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := c.conn.ReadMsgUnix(hdr, oob)
	if err != nil {
		return Message{}, err
	}
	if n < headerSize {
		if _, err := io.ReadFull(c.conn, hdr[n:]); err != nil {
			return Message{}, err
		}
	}

	typ := Type(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint32(hdr[4:8])
	pid := int32(binary.BigEndian.Uint32(hdr[8:12]))

	if length > maxPayload {
		return Message{}, fmt.Errorf("ipc: frame too large: %d bytes", length)
	}

	data := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.conn, data); err != nil {
			return Message{}, err
		}
	}

	fd := -1
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return Message{}, err
		}
		for _, cm := range cmsgs {
			fds, err := unix.ParseUnixRights(&cm)
			if err != nil {
				continue
			}
			if len(fds) > 0 {
				fd = fds[0]
				// A message carries at most one fd; close any
				// extras the kernel handed us rather than leak them.
				for _, extra := range fds[1:] {
					_ = os.NewFile(uintptr(extra), "").Close()
				}
				break
			}
		}
	}

	return Message{Type: typ, PID: pid, Data: data, FD: fd}, nil
}
