// Package addr converts between the three address forms used in socket
// interception: kernel sockaddr structures, netip values, and the text
// form carried on the control channel (dotted quad plus host-order
// port).
package addr

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ErrUnsupportedFamily is reported for any sockaddr that is not plain
// IPv4. The control protocol addresses endpoints as dotted quads, so
// other families cannot be represented on the wire.
var ErrUnsupportedFamily = errors.New("unsupported address family")

// FromSockaddr extracts the address and port from an IPv4 sockaddr.
func FromSockaddr(sa unix.Sockaddr) (netip.AddrPort, error) {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: %T", ErrUnsupportedFamily, sa)
	}
	return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port)), nil
}

// ToSockaddr builds an IPv4 sockaddr for the given endpoint.
func ToSockaddr(ap netip.AddrPort) (*unix.SockaddrInet4, error) {
	a := ap.Addr().Unmap()
	if !a.Is4() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFamily, ap.Addr())
	}
	return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: a.As4()}, nil
}

// Text renders an endpoint in the control channel's wire form.
func Text(ap netip.AddrPort) (address string, port int) {
	return ap.Addr().Unmap().String(), int(ap.Port())
}

// FromText parses the control channel's wire form back into an
// endpoint. The port must fit in 16 bits.
func FromText(address string, port int) (netip.AddrPort, error) {
	a, err := netip.ParseAddr(address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parsing address %q: %w", address, err)
	}
	a = a.Unmap()
	if !a.Is4() {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrUnsupportedFamily, address)
	}
	if port < 0 || port > 0xffff {
		return netip.AddrPort{}, fmt.Errorf("port %d out of range", port)
	}
	return netip.AddrPortFrom(a, uint16(port)), nil
}
