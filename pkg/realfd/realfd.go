// Package realfd exposes the process's real socket entry points as a
// bundle of function values. In a preload deployment the equivalent
// bundle is obtained by chaining to the next symbol in the dynamic
// linker's resolution order; here it is an injectable value so the
// interception layers can run against fakes in tests and against raw
// syscalls in production.
package realfd

import "golang.org/x/sys/unix"

// Ops holds the real implementations of the calls the interceptor may
// need to fall back on or drive directly. Every field must be non-nil
// on a usable Ops.
type Ops struct {
	Socket        func(domain, typ, proto int) (int, error)
	Bind          func(fd int, sa unix.Sockaddr) error
	Listen        func(fd, backlog int) error
	Accept        func(fd int) (int, unix.Sockaddr, error)
	Connect       func(fd int, sa unix.Sockaddr) error
	Send          func(fd int, p []byte, flags int) (int, error)
	Recv          func(fd int, p []byte, flags int) (int, error)
	Sendto        func(fd int, p []byte, flags int, to unix.Sockaddr) (int, error)
	Recvfrom      func(fd int, p []byte, flags int) (int, unix.Sockaddr, error)
	Close         func(fd int) error
	Getsockname   func(fd int) (unix.Sockaddr, error)
	GetsockoptInt func(fd, level, opt int) (int, error)
	Poll          func(fds []unix.PollFd, timeout int) (int, error)
}

// Native returns the raw syscall implementations. Raw syscalls do not
// pass through libc, so they reach the kernel even when a symbol
// interposer is loaded into the process.
func Native() *Ops {
	return &Ops{
		Socket:  unix.Socket,
		Bind:    unix.Bind,
		Listen:  unix.Listen,
		Accept:  unix.Accept,
		Connect: unix.Connect,
		Send: func(fd int, p []byte, flags int) (int, error) {
			return unix.SendmsgN(fd, p, nil, nil, flags)
		},
		Recv: func(fd int, p []byte, flags int) (int, error) {
			n, _, err := unix.Recvfrom(fd, p, flags)
			return n, err
		},
		Sendto: func(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
			return unix.SendmsgN(fd, p, nil, to, flags)
		},
		Recvfrom:      unix.Recvfrom,
		Close:         unix.Close,
		Getsockname:   unix.Getsockname,
		GetsockoptInt: unix.GetsockoptInt,
		Poll:          unix.Poll,
	}
}
