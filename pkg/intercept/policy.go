package intercept

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

// shouldIntercept decides whether a connect on a real descriptor is
// redirected through the proxy. False exactly for unsupported address
// families and for IPv4 loopback destinations aimed at the proxy port
// itself; everything else is intercepted. The proxy-port carve-out is
// what keeps the redirected connect from looping back into the
// interceptor forever.
func shouldIntercept(sa unix.Sockaddr, proxyPort int) bool {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		a := netip.AddrFrom4(sa.Addr)
		if a.IsLoopback() && sa.Port == proxyPort {
			return false
		}
		return true
	case *unix.SockaddrInet6:
		return true
	default:
		return false
	}
}
