// Package wayland implements the Wayland side of the selection bridge: a
// minimal client for the wlr-data-control and primary-selection protocols
// speaking the wire format directly over the compositor socket.
package wayland

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Errors surfaced by the connection layer.
var (
	ErrNoSocket = errors.New("wayland: no compositor socket found")
	ErrClosed   = errors.New("wayland: connection closed")
)

// maxFdsPerMessage bounds the SCM_RIGHTS control buffer.
const maxFdsPerMessage = 8

// message is one decoded Wayland event.
type message struct {
	object  uint32
	opcode  uint16
	payload []byte
}

// Conn is a buffered connection to the compositor. Reads happen from a
// single goroutine; writes are serialized by a mutex so drain workers can
// issue requests concurrently with the event loop.
type Conn struct {
	conn *net.UnixConn
	file *os.File

	writeMu sync.Mutex

	// Read-side state, touched only by the reading goroutine.
	inBuf      []byte
	pendingFds []int

	closeOnce sync.Once
}

// socketPath resolves $XDG_RUNTIME_DIR/$WAYLAND_DISPLAY, honoring an
// absolute WAYLAND_DISPLAY.
func socketPath() (string, error) {
	display := os.Getenv("WAYLAND_DISPLAY")
	if display == "" {
		display = "wayland-0"
	}
	if filepath.IsAbs(display) {
		return display, nil
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", fmt.Errorf("%w: XDG_RUNTIME_DIR not set", ErrNoSocket)
	}
	return filepath.Join(runtimeDir, display), nil
}

// Dial connects to the compositor socket.
func Dial() (*Conn, error) {
	path, err := socketPath()
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("wayland: connect %s: %w", path, err)
	}
	unixConn := conn.(*net.UnixConn)
	file, err := unixConn.File()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("wayland: socket file: %w", err)
	}
	return &Conn{conn: unixConn, file: file}, nil
}

// Close shuts the connection down, unblocking any reader.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		_ = unix.Shutdown(int(c.file.Fd()), unix.SHUT_RDWR)
		_ = c.file.Close()
		_ = c.conn.Close()
		for _, fd := range c.pendingFds {
			_ = unix.Close(fd)
		}
		c.pendingFds = nil
	})
}

// request sends one Wayland request. args is the already-encoded argument
// block; fds are passed as SCM_RIGHTS ancillary data.
func (c *Conn) request(object uint32, opcode uint16, args []byte, fds ...int) error {
	size := 8 + len(args)
	if size > 0xffff {
		return fmt.Errorf("wayland: request too large (%d bytes)", size)
	}
	buf := make([]byte, size)
	putUint32(buf[0:], object)
	putUint32(buf[4:], uint32(opcode)|uint32(size)<<16)
	copy(buf[8:], args)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if len(fds) > 0 {
		rights := unix.UnixRights(fds...)
		if err := unix.Sendmsg(int(c.file.Fd()), buf, rights, nil, 0); err != nil {
			return fmt.Errorf("wayland: sendmsg: %w", err)
		}
		return nil
	}
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("wayland: write: %w", err)
	}
	return nil
}

// readMessage blocks until the next complete event is available. Must be
// called from a single goroutine.
func (c *Conn) readMessage() (message, error) {
	for {
		if msg, ok := c.takeBuffered(); ok {
			return msg, nil
		}

		buf := make([]byte, 4096)
		oob := make([]byte, unix.CmsgSpace(4*maxFdsPerMessage))
		n, oobn, _, _, err := unix.Recvmsg(int(c.file.Fd()), buf, oob, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return message{}, fmt.Errorf("wayland: recvmsg: %w", err)
		}
		if n == 0 {
			return message{}, ErrClosed
		}
		c.inBuf = append(c.inBuf, buf[:n]...)

		if oobn > 0 {
			scms, err := unix.ParseSocketControlMessage(oob[:oobn])
			if err != nil {
				return message{}, fmt.Errorf("wayland: parse control message: %w", err)
			}
			for _, scm := range scms {
				if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
					continue
				}
				fds, err := unix.ParseUnixRights(&scm)
				if err != nil {
					return message{}, fmt.Errorf("wayland: parse unix rights: %w", err)
				}
				c.pendingFds = append(c.pendingFds, fds...)
			}
		}
	}
}

// takeBuffered pops one complete message off the input buffer.
func (c *Conn) takeBuffered() (message, bool) {
	if len(c.inBuf) < 8 {
		return message{}, false
	}
	sizeOpcode := getUint32(c.inBuf[4:8])
	size := int(sizeOpcode >> 16)
	if size < 8 || len(c.inBuf) < size {
		return message{}, false
	}
	msg := message{
		object:  getUint32(c.inBuf[0:4]),
		opcode:  uint16(sizeOpcode & 0xffff),
		payload: append([]byte(nil), c.inBuf[8:size]...),
	}
	c.inBuf = c.inBuf[size:]
	return msg, true
}

// popFd hands out the oldest file descriptor received with ancillary data.
// Called by the reading goroutine when dispatching an event whose signature
// carries an fd.
func (c *Conn) popFd() (int, bool) {
	if len(c.pendingFds) == 0 {
		return -1, false
	}
	fd := c.pendingFds[0]
	c.pendingFds = c.pendingFds[1:]
	return fd, true
}
