package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/monasticacademy/socktap/pkg/logging"
)

// dialTimeout bounds outbound connects made on behalf of delegated
// sockets. The shim blocks its caller for the duration, so this must
// stay finite.
const dialTimeout = 10 * time.Second

var errUnknownConn = errors.New("unknown connection id")

// virtual is one delegated socket as the controller sees it: the shim
// holds a private descriptor, we hold the real network object. Which
// of conn/listener/packet is set depends on how far the socket's
// lifecycle has progressed and whether it is stream or datagram.
type virtual struct {
	id       uint32
	sockType int

	bindAddr string // requested local endpoint, empty until bind
	bindPort int

	conn     net.Conn         // connected stream or datagram socket
	listener *net.TCPListener // listening stream socket
	packet   *net.UDPConn     // bound but unconnected datagram socket
}

func (v *virtual) closeAll() {
	if v.conn != nil {
		v.conn.Close()
	}
	if v.listener != nil {
		v.listener.Close()
	}
	if v.packet != nil {
		v.packet.Close()
	}
}

// registry owns every live delegated connection, keyed by the conn_id
// the shim carries in its requests. IDs are assigned from 1 upward;
// 0 means "absent" on the wire and is never issued.
type registry struct {
	log *logging.Logger

	mu    sync.Mutex
	next  uint32
	conns map[uint32]*virtual
}

func newRegistry(log *logging.Logger) *registry {
	if log == nil {
		log = logging.Default()
	}
	return &registry{
		log:   log.WithComponent("registry"),
		next:  1,
		conns: make(map[uint32]*virtual),
	}
}

// Socket admits a new delegated socket. Only AF_INET stream and
// datagram sockets are accepted; the shim should not have delegated
// anything else, but a buggy or hostile client gets an error rather
// than a panic.
func (r *registry) Socket(domain, sockType, proto int) (uint32, error) {
	if domain != unix.AF_INET {
		return 0, fmt.Errorf("unsupported domain %d", domain)
	}
	// strip SOCK_NONBLOCK / SOCK_CLOEXEC, which callers OR in
	switch sockType &^ (unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC) {
	case unix.SOCK_STREAM, unix.SOCK_DGRAM:
	default:
		return 0, fmt.Errorf("unsupported socket type %d", sockType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.conns[id] = &virtual{
		id:       id,
		sockType: sockType &^ (unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC),
	}
	r.log.Debugf("socket domain=%d type=%d proto=%d -> conn %d", domain, sockType, proto, id)
	return id, nil
}

// Bind records the requested local endpoint. Stream sockets realize it
// when Listen runs; datagram sockets get their real socket now so the
// shim's post-bind port query sees the kernel-assigned port.
func (r *registry) Bind(id uint32, address string, port int) (boundPort int, err error) {
	v, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	if v.isStream() {
		v.bindAddr, v.bindPort = address, port
		return port, nil
	}

	laddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return 0, fmt.Errorf("resolving %s:%d: %w", address, port, err)
	}
	pc, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return 0, fmt.Errorf("binding udp %s:%d: %w", address, port, err)
	}
	v.packet = pc
	v.bindAddr = address
	v.bindPort = pc.LocalAddr().(*net.UDPAddr).Port
	return v.bindPort, nil
}

// Listen turns a bound stream socket into a real TCP listener. An
// unbound socket listens on an ephemeral loopback port, matching what
// the kernel would do for an implicit bind.
func (r *registry) Listen(id uint32) error {
	v, err := r.lookup(id)
	if err != nil {
		return err
	}
	if !v.isStream() {
		return fmt.Errorf("conn %d is not a stream socket", id)
	}
	if v.listener != nil {
		return nil // already listening
	}

	endpoint := fmt.Sprintf("%s:%d", v.bindAddr, v.bindPort)
	if v.bindAddr == "" {
		endpoint = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp4", endpoint)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", endpoint, err)
	}
	v.listener = ln.(*net.TCPListener)
	v.bindPort = ln.Addr().(*net.TCPAddr).Port
	r.log.Debugf("conn %d listening on %s", id, ln.Addr())
	return nil
}

// Accept blocks until the listener behind id produces a connection,
// then registers it under a fresh id and reports the peer endpoint.
func (r *registry) Accept(id uint32) (newID uint32, peerAddr string, peerPort int, err error) {
	v, err := r.lookup(id)
	if err != nil {
		return 0, "", 0, err
	}
	if v.listener == nil {
		return 0, "", 0, fmt.Errorf("conn %d is not listening", id)
	}

	conn, err := v.listener.AcceptTCP()
	if err != nil {
		return 0, "", 0, fmt.Errorf("accept on conn %d: %w", id, err)
	}

	r.mu.Lock()
	newID = r.next
	r.next++
	r.conns[newID] = &virtual{id: newID, sockType: unix.SOCK_STREAM, conn: conn}
	r.mu.Unlock()

	peer := conn.RemoteAddr().(*net.TCPAddr)
	r.log.Debugf("conn %d accepted %s as conn %d", id, peer, newID)
	return newID, peer.IP.String(), peer.Port, nil
}

// Connect dials the destination on behalf of the delegated socket.
func (r *registry) Connect(id uint32, address string, port int) error {
	v, err := r.lookup(id)
	if err != nil {
		return err
	}
	if v.conn != nil {
		return fmt.Errorf("conn %d is already connected", id)
	}

	network := "tcp4"
	if !v.isStream() {
		network = "udp4"
	}
	conn, err := net.DialTimeout(network, fmt.Sprintf("%s:%d", address, port), dialTimeout)
	if err != nil {
		return fmt.Errorf("dialing %s %s:%d: %w", network, address, port, err)
	}
	if v.packet != nil {
		// a bound-then-connected datagram socket keeps only the
		// connected endpoint
		v.packet.Close()
		v.packet = nil
	}
	v.conn = conn
	r.log.Debugf("conn %d connected to %s:%d", id, address, port)
	return nil
}

// Send writes the shim's payload to the connection and reports how
// many bytes went out.
func (r *registry) Send(id uint32, p []byte) (int, error) {
	v, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	if v.conn == nil {
		return 0, fmt.Errorf("conn %d is not connected", id)
	}
	n, err := v.conn.Write(p)
	if err != nil {
		return n, fmt.Errorf("writing %d bytes on conn %d: %w", len(p), id, err)
	}
	return n, nil
}

// Recv reads at most budget bytes from the connection. End of stream
// is an empty result, not an error; the shim reports it as a zero-byte
// recv.
func (r *registry) Recv(id uint32, budget int) ([]byte, error) {
	v, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if budget <= 0 {
		return nil, nil
	}

	buf := make([]byte, budget)
	switch {
	case v.conn != nil:
		n, err := v.conn.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err == nil || errors.Is(err, io.EOF) {
			// end of stream: zero bytes, no error
			return nil, nil
		}
		return nil, fmt.Errorf("reading on conn %d: %w", id, err)
	case v.packet != nil:
		n, _, err := v.packet.ReadFromUDP(buf)
		if err != nil {
			return nil, fmt.Errorf("reading on conn %d: %w", id, err)
		}
		return buf[:n], nil
	default:
		return nil, fmt.Errorf("conn %d is not connected", id)
	}
}

// Close tears the connection down and forgets the id.
func (r *registry) Close(id uint32) error {
	r.mu.Lock()
	v, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", errUnknownConn, id)
	}
	v.closeAll()
	r.log.Debugf("conn %d closed", id)
	return nil
}

// Len reports the number of live delegated connections.
func (r *registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll shuts every live connection down; used at controller exit.
func (r *registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[uint32]*virtual)
	r.mu.Unlock()
	for _, v := range conns {
		v.closeAll()
	}
}

func (r *registry) lookup(id uint32) (*virtual, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errUnknownConn, id)
	}
	return v, nil
}

func (v *virtual) isStream() bool { return v.sockType == unix.SOCK_STREAM }
