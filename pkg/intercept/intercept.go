// Package intercept is the decision layer of the shim: every
// intercepted socket call lands here, gets classified as delegated,
// redirected, or none of our business, and is carried out accordingly.
// Delegated descriptors are virtual numbers from a private band backed
// by controller-side connections; redirected descriptors are real
// sockets steered through a loopback SOCKS5 proxy.
package intercept

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/monasticacademy/socktap/pkg/addr"
	"github.com/monasticacademy/socktap/pkg/control"
	"github.com/monasticacademy/socktap/pkg/fdtable"
	"github.com/monasticacademy/socktap/pkg/logging"
	"github.com/monasticacademy/socktap/pkg/realfd"
	"github.com/monasticacademy/socktap/pkg/socks5"
	"github.com/monasticacademy/socktap/pkg/wire"
)

// Interceptor holds the entire state of the shim in one explicitly
// constructed value: no package globals, no hidden init. Construct it
// once per process and route intercepted calls through its methods.
type Interceptor struct {
	cfg    Config
	log    *logging.Logger
	ops    *realfd.Ops
	table  *fdtable.Table
	ctl    *control.Client
	notify *control.Notifier
	socks  *socks5.Dialer

	delegated atomic.Uint64
	redirects atomic.Uint64
}

// New builds an interceptor from a read-once config. A nil ops uses
// raw syscalls; a nil logger uses the default stderr logger. A config
// with neither a channel path nor a proxy port produces a working
// interceptor that warns once and passes everything through.
func New(cfg Config, ops *realfd.Ops, log *logging.Logger) *Interceptor {
	if ops == nil {
		ops = realfd.Native()
	}
	if log == nil {
		log = logging.Default()
	}

	base := cfg.FDBase
	if base == 0 {
		base = fdtable.BaseAboveLimit()
	}

	i := &Interceptor{
		cfg:    cfg,
		log:    log.WithComponent("intercept"),
		ops:    ops,
		table:  fdtable.New(base, cfg.FDCap),
		ctl:    control.NewClient(cfg.IPCPath, log),
		notify: control.NewNotifier(cfg.IPCPath, log),
	}
	if cfg.Redirect() {
		i.socks = socks5.NewDialer(ops, uint16(cfg.SocksPort), log)
	}

	switch {
	case !cfg.Enabled():
		i.log.Warnf("neither %s nor %s is set; every socket call passes through", EnvIPCPath, EnvSocksPort)
	case cfg.Delegated():
		i.log.Debugf("delegating AF_INET sockets to controller at %s (band base %d)", cfg.IPCPath, base)
	default:
		i.log.Debugf("redirecting connects through 127.0.0.1:%d", cfg.SocksPort)
	}
	return i
}

// Socket creates a delegated socket for AF_INET requests when a
// controller is configured; everything else is passed through.
func (i *Interceptor) Socket(domain, typ, proto int) (int, error) {
	if !i.cfg.Delegated() || domain != unix.AF_INET {
		return i.ops.Socket(domain, typ, proto)
	}

	p := proto
	resp, _, err := i.ctl.Request(wire.Request{
		Type:     wire.OpSocket,
		Domain:   domain,
		SockType: typ,
		Protocol: &p,
	}, nil)
	if err != nil {
		i.log.Debugf("socket: %v", err)
		return -1, fmt.Errorf("socket delegation unavailable: %w", unix.ENOTSUP)
	}
	if !resp.Success || resp.ConnID == 0 {
		return -1, fmt.Errorf("controller refused socket (%s): %w", resp.Error, unix.ENOTSUP)
	}

	fd, err := i.table.Allocate(resp.ConnID)
	if err != nil {
		i.closeRemote(resp.ConnID)
		return -1, fmt.Errorf("socket: %w: %w", err, unix.EMFILE)
	}
	i.delegated.Add(1)
	i.log.Debugf("socket domain=%d type=%d proto=%d -> fd %d conn %d", domain, typ, proto, fd, resp.ConnID)
	return fd, nil
}

// Bind binds a delegated descriptor through the controller, or binds
// for real and notifies when redirect mode wants bind visibility.
func (i *Interceptor) Bind(fd int, sa unix.Sockaddr) error {
	if handle, ok := i.table.Resolve(fd); ok {
		ap, err := addr.FromSockaddr(sa)
		if err != nil {
			return fmt.Errorf("bind on delegated fd %d: %w", fd, unix.EAFNOSUPPORT)
		}
		text, port := addr.Text(ap)
		resp, _, err := i.ctl.Request(wire.Request{
			Type:     wire.OpBind,
			ConnID:   handle,
			SocketFD: fd,
			Address:  text,
			Port:     port,
		}, nil)
		if err != nil {
			return fmt.Errorf("bind: %w", unix.EADDRINUSE)
		}
		if !resp.Success {
			return fmt.Errorf("controller refused bind (%s): %w", resp.Error, unix.EADDRINUSE)
		}
		return nil
	}

	if err := i.ops.Bind(fd, sa); err != nil {
		return err
	}
	if i.cfg.Redirect() {
		i.notifyBind(fd)
	}
	return nil
}

// notifyBind reports a successful bind on a real stream socket. The
// bound port is read back with getsockname so an ephemeral port 0
// request reports the port actually assigned.
func (i *Interceptor) notifyBind(fd int) {
	typ, err := i.ops.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil || typ != unix.SOCK_STREAM {
		return
	}
	sa, err := i.ops.Getsockname(fd)
	if err != nil {
		i.log.Debugf("bind on fd %d not reported: getsockname: %v", fd, err)
		return
	}
	ap, err := addr.FromSockaddr(sa)
	if err != nil {
		return
	}
	text, port := addr.Text(ap)
	i.notify.Send(wire.Event{Type: wire.EventBind, FD: fd, Port: port, Addr: text})
	i.log.Debugf("reported bind of fd %d on %s:%d", fd, text, port)
}

// Listen marks a delegated descriptor as listening.
func (i *Interceptor) Listen(fd, backlog int) error {
	handle, ok := i.table.Resolve(fd)
	if !ok {
		return i.ops.Listen(fd, backlog)
	}
	resp, _, err := i.ctl.Request(wire.Request{Type: wire.OpListen, ConnID: handle, SocketFD: fd}, nil)
	if err != nil {
		return fmt.Errorf("listen: %w", unix.EOPNOTSUPP)
	}
	if !resp.Success {
		return fmt.Errorf("controller refused listen (%s): %w", resp.Error, unix.EOPNOTSUPP)
	}
	return nil
}

// Accept accepts on a delegated listener. The new connection gets its
// own private descriptor, and the peer address reported by the
// controller is returned for the caller to fill in.
func (i *Interceptor) Accept(fd int) (int, unix.Sockaddr, error) {
	handle, ok := i.table.Resolve(fd)
	if !ok {
		return i.ops.Accept(fd)
	}
	resp, _, err := i.ctl.Request(wire.Request{Type: wire.OpAccept, ConnID: handle, SocketFD: fd}, nil)
	if err != nil {
		return -1, nil, fmt.Errorf("accept: %w", unix.EAGAIN)
	}
	if !resp.Success || resp.ConnID == 0 {
		return -1, nil, fmt.Errorf("controller refused accept (%s): %w", resp.Error, unix.EAGAIN)
	}

	nfd, err := i.table.Allocate(resp.ConnID)
	if err != nil {
		// the accepted connection exists controller-side; close it
		// rather than leak it
		i.closeRemote(resp.ConnID)
		return -1, nil, fmt.Errorf("accept: %w: %w", err, unix.EMFILE)
	}

	var peer unix.Sockaddr
	if resp.Address != "" {
		if ap, perr := addr.FromText(resp.Address, resp.Port); perr == nil {
			if sa4, serr := addr.ToSockaddr(ap); serr == nil {
				peer = sa4
			}
		}
	}
	i.delegated.Add(1)
	i.log.Debugf("accept on fd %d -> fd %d conn %d peer %s:%d", fd, nfd, resp.ConnID, resp.Address, resp.Port)
	return nfd, peer, nil
}

// Connect connects a delegated descriptor through the controller, or
// steers a real descriptor through the SOCKS5 proxy when the
// redirection policy applies.
func (i *Interceptor) Connect(fd int, sa unix.Sockaddr) error {
	if handle, ok := i.table.Resolve(fd); ok {
		ap, err := addr.FromSockaddr(sa)
		if err != nil {
			return fmt.Errorf("connect on delegated fd %d: %w", fd, unix.EAFNOSUPPORT)
		}
		text, port := addr.Text(ap)
		resp, _, err := i.ctl.Request(wire.Request{
			Type:     wire.OpConnect,
			ConnID:   handle,
			SocketFD: fd,
			Address:  text,
			Port:     port,
		}, nil)
		if err != nil {
			return fmt.Errorf("connect: %w", unix.ECONNREFUSED)
		}
		if !resp.Success {
			return fmt.Errorf("controller refused connect (%s): %w", resp.Error, unix.ECONNREFUSED)
		}
		return nil
	}

	if i.socks == nil || !shouldIntercept(sa, i.cfg.SocksPort) {
		return i.ops.Connect(fd, sa)
	}

	ap, err := addr.FromSockaddr(sa)
	if err != nil {
		// the policy admits IPv6 but the proxy protocol cannot carry it
		return fmt.Errorf("redirected connect: %w: %w", addr.ErrUnsupportedFamily, unix.EAFNOSUPPORT)
	}
	if err := i.socks.Connect(fd, ap); err != nil {
		return err
	}
	text, port := addr.Text(ap)
	i.notify.Send(wire.Event{Type: wire.EventConnect, FD: fd, Port: port, Addr: text})
	i.redirects.Add(1)
	return nil
}

// Send writes through a delegated descriptor. The returned count is
// what the controller accepted, never more than was offered.
func (i *Interceptor) Send(fd int, p []byte, flags int) (int, error) {
	handle, ok := i.table.Resolve(fd)
	if !ok {
		return i.ops.Send(fd, p, flags)
	}
	if len(p) > wire.MaxPayload {
		p = p[:wire.MaxPayload] // short write, caller resubmits the rest
	}
	resp, _, err := i.ctl.Request(wire.Request{Type: wire.OpSend, ConnID: handle, SocketFD: fd}, p)
	if err != nil {
		return -1, fmt.Errorf("send: %w", unix.EPIPE)
	}
	if !resp.Success {
		return -1, fmt.Errorf("controller refused send (%s): %w", resp.Error, unix.EPIPE)
	}
	n := resp.DataLen
	if n <= 0 || n > len(p) {
		n = len(p)
	}
	return n, nil
}

// Recv reads through a delegated descriptor into p, truncating to its
// length. A zero count with no error is end of stream.
func (i *Interceptor) Recv(fd int, p []byte, flags int) (int, error) {
	handle, ok := i.table.Resolve(fd)
	if !ok {
		return i.ops.Recv(fd, p, flags)
	}
	budget := len(p)
	if budget > wire.MaxPayload {
		budget = wire.MaxPayload
	}
	resp, body, err := i.ctl.Request(wire.Request{Type: wire.OpRecv, ConnID: handle, SocketFD: fd, DataLen: budget}, nil)
	if err != nil || !resp.Success {
		if flags&unix.MSG_DONTWAIT != 0 {
			return -1, fmt.Errorf("recv: %w", unix.EAGAIN)
		}
		return -1, fmt.Errorf("recv: %w", unix.ECONNRESET)
	}
	return copy(p, body), nil
}

// Sendto on a delegated descriptor degrades to plain send: the
// controller connection already fixes the remote endpoint, so the
// explicit address is ignored.
func (i *Interceptor) Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	if _, ok := i.table.Resolve(fd); ok {
		return i.Send(fd, p, flags)
	}
	return i.ops.Sendto(fd, p, flags, to)
}

// Recvfrom on a delegated descriptor degrades to plain recv with no
// source address.
func (i *Interceptor) Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	if _, ok := i.table.Resolve(fd); ok {
		n, err := i.Recv(fd, p, flags)
		return n, nil, err
	}
	return i.ops.Recvfrom(fd, p, flags)
}

// Close releases a delegated descriptor. The local slot is freed no
// matter what the controller says, and the caller always succeeds.
// Descriptors that are not ours go to the real close, including stale
// private-band numbers, which the kernel answers with EBADF.
func (i *Interceptor) Close(fd int) error {
	handle, ok := i.table.Release(fd)
	if !ok {
		return i.ops.Close(fd)
	}
	i.closeRemote(handle)
	i.log.Debugf("closed fd %d conn %d", fd, handle)
	return nil
}

// closeRemote tells the controller to drop a connection. Best effort.
func (i *Interceptor) closeRemote(handle uint32) {
	resp, _, err := i.ctl.Request(wire.Request{Type: wire.OpClose, ConnID: handle}, nil)
	if err != nil {
		i.log.Debugf("close of conn %d not delivered: %v", handle, err)
		return
	}
	if !resp.Success {
		i.log.Debugf("controller failed closing conn %d: %s", handle, resp.Error)
	}
}

// Stats reports how many descriptors were delegated and how many
// connects were redirected since construction.
func (i *Interceptor) Stats() (delegated, redirected uint64) {
	return i.delegated.Load(), i.redirects.Load()
}
