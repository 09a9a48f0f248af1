// Package socks5 implements the client half of a SOCKS5 CONNECT
// exchange, driven over an existing socket descriptor through injected
// socket operations. It negotiates no-auth, requests an IPv4 CONNECT,
// and leaves the descriptor connected to the destination through the
// proxy. It is deliberately not a SOCKS5 server.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/monasticacademy/socktap/pkg/addr"
	"github.com/monasticacademy/socktap/pkg/logging"
	"github.com/monasticacademy/socktap/pkg/realfd"
)

const (
	Version5     = 0x05
	MethodNoAuth = 0x00
	CmdConnect   = 0x01
	AddrTypeIPv4 = 0x01
	ReplySuccess = 0x00
)

// DefaultTimeout bounds each handshake step when the dialer does not
// set its own.
const DefaultTimeout = 5 * time.Second

// State tracks handshake progress. The machine only ever moves
// forward; any failure lands in StateFailed.
type State int

const (
	StateAwaitingProxyConnect State = iota
	StateNegotiatingMethod
	StateAwaitingMethodReply
	StateSendingConnectRequest
	StateAwaitingConnectReply
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingProxyConnect:
		return "awaiting-proxy-connect"
	case StateNegotiatingMethod:
		return "negotiating-method"
	case StateAwaitingMethodReply:
		return "awaiting-method-reply"
	case StateSendingConnectRequest:
		return "sending-connect-request"
	case StateAwaitingConnectReply:
		return "awaiting-connect-reply"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var errTimeout = errors.New("step timed out waiting for readiness")

// Dialer runs CONNECT handshakes against one proxy endpoint. The
// descriptor's blocking mode is respected: an in-progress connect is
// completed by polling for writability and checking SO_ERROR.
type Dialer struct {
	Ops     *realfd.Ops
	Proxy   netip.AddrPort
	Timeout time.Duration

	log *logging.Logger
}

// NewDialer makes a dialer for the proxy listening on the loopback
// interface at proxyPort.
func NewDialer(ops *realfd.Ops, proxyPort uint16, log *logging.Logger) *Dialer {
	if log == nil {
		log = logging.Default()
	}
	return &Dialer{
		Ops:     ops,
		Proxy:   netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), proxyPort),
		Timeout: DefaultTimeout,
		log:     log.WithComponent("socks5"),
	}
}

// Connect drives fd through the full handshake so that afterward it is
// connected to dst through the proxy. Only IPv4 destinations are
// supported; anything else fails before any network activity. All
// handshake failures and timeouts come back as connection-refused
// class errors carrying the failing step in their text. There are no
// retries.
func (d *Dialer) Connect(fd int, dst netip.AddrPort) error {
	a := dst.Addr().Unmap()
	if !a.Is4() {
		return fmt.Errorf("%w: cannot proxy %s: %w", addr.ErrUnsupportedFamily, dst.Addr(), unix.EAFNOSUPPORT)
	}

	h := &handshake{d: d, fd: fd, dst: dst, a4: a.As4(), state: StateAwaitingProxyConnect}
	for h.state != StateEstablished {
		failing := h.state
		if err := h.step(); err != nil {
			h.state = StateFailed
			d.log.Warnf("handshake for %s via %s failed at %s: %v", dst, d.Proxy, failing, err)
			return fmt.Errorf("socks5 handshake for %s failed at %s: %v: %w", dst, failing, err, unix.ECONNREFUSED)
		}
	}
	d.log.Debugf("established to %s via %s", dst, d.Proxy)
	return nil
}

type handshake struct {
	d     *Dialer
	fd    int
	dst   netip.AddrPort
	a4    [4]byte
	state State
}

// step advances the machine by one state, or returns the error that
// fails the handshake.
func (h *handshake) step() error {
	deadline := time.Now().Add(h.d.timeout())

	switch h.state {
	case StateAwaitingProxyConnect:
		if err := h.connectProxy(deadline); err != nil {
			return err
		}
		h.state = StateNegotiatingMethod

	case StateNegotiatingMethod:
		if err := h.writeAll([]byte{Version5, 0x01, MethodNoAuth}, deadline); err != nil {
			return err
		}
		h.state = StateAwaitingMethodReply

	case StateAwaitingMethodReply:
		var reply [2]byte
		if err := h.readFull(reply[:], deadline); err != nil {
			return err
		}
		if reply[0] != Version5 {
			return fmt.Errorf("proxy speaks version %#02x, want %#02x", reply[0], Version5)
		}
		if reply[1] != MethodNoAuth {
			return fmt.Errorf("proxy selected method %#02x, want no-auth", reply[1])
		}
		h.state = StateSendingConnectRequest

	case StateSendingConnectRequest:
		if err := h.writeAll(connectFrame(h.a4, h.dst.Port()), deadline); err != nil {
			return err
		}
		h.state = StateAwaitingConnectReply

	case StateAwaitingConnectReply:
		var reply [10]byte
		if err := h.readFull(reply[:], deadline); err != nil {
			return err
		}
		if reply[0] != Version5 {
			return fmt.Errorf("reply version %#02x, want %#02x", reply[0], Version5)
		}
		if reply[1] != ReplySuccess {
			return fmt.Errorf("proxy refused: %s", replyText(reply[1]))
		}
		h.state = StateEstablished

	default:
		return fmt.Errorf("step in terminal state %s", h.state)
	}
	return nil
}

// connectFrame builds the CONNECT request for an IPv4 destination.
// Address and port travel in network byte order.
func connectFrame(a4 [4]byte, port uint16) []byte {
	f := make([]byte, 0, 10)
	f = append(f, Version5, CmdConnect, 0x00, AddrTypeIPv4)
	f = append(f, a4[:]...)
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], port)
	return append(f, p[:]...)
}

func replyText(code byte) string {
	switch code {
	case 0x01:
		return "general failure"
	case 0x02:
		return "connection not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case 0x04:
		return "host unreachable"
	case 0x05:
		return "connection refused"
	case 0x06:
		return "TTL expired"
	case 0x07:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	default:
		return fmt.Sprintf("reply code %#02x", code)
	}
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultTimeout
}

func (h *handshake) connectProxy(deadline time.Time) error {
	sa, err := addr.ToSockaddr(h.d.Proxy)
	if err != nil {
		return err
	}

	err = h.d.Ops.Connect(h.fd, sa)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINPROGRESS):
		// non-blocking descriptor: wait for writability, then read
		// the outcome from SO_ERROR
		if err := h.waitReady(unix.POLLOUT, deadline); err != nil {
			return err
		}
		soerr, err := h.d.Ops.GetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return fmt.Errorf("reading SO_ERROR: %w", err)
		}
		if soerr != 0 {
			return fmt.Errorf("proxy connect: %w", syscall.Errno(soerr))
		}
		return nil
	default:
		return fmt.Errorf("connecting to proxy %s: %w", h.d.Proxy, err)
	}
}

// waitReady polls the descriptor for the given events until the step
// deadline expires.
func (h *handshake) waitReady(events int16, deadline time.Time) error {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errTimeout
		}
		pfds := []unix.PollFd{{Fd: int32(h.fd), Events: events}}
		n, err := h.d.Ops.Poll(pfds, int(remaining.Milliseconds())+1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("polling: %w", err)
		}
		if n == 0 {
			return errTimeout
		}
		// error conditions surface through the following syscall
		return nil
	}
}

func (h *handshake) readFull(buf []byte, deadline time.Time) error {
	got := 0
	for got < len(buf) {
		if err := h.waitReady(unix.POLLIN, deadline); err != nil {
			return err
		}
		n, err := h.d.Ops.Recv(h.fd, buf[got:], 0)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading from proxy: %w", err)
		}
		if n == 0 {
			return errors.New("proxy closed the connection")
		}
		got += n
	}
	return nil
}

func (h *handshake) writeAll(p []byte, deadline time.Time) error {
	sent := 0
	for sent < len(p) {
		if err := h.waitReady(unix.POLLOUT, deadline); err != nil {
			return err
		}
		n, err := h.d.Ops.Send(h.fd, p[sent:], 0)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return fmt.Errorf("writing to proxy: %w", err)
		}
		sent += n
	}
	return nil
}
