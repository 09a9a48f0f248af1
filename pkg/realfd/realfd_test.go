package realfd

import (
	"bytes"
	"testing"

	"golang.org/x/sys/unix"
)

func TestNativeIsComplete(t *testing.T) {
	ops := Native()
	if ops.Socket == nil || ops.Bind == nil || ops.Listen == nil ||
		ops.Accept == nil || ops.Connect == nil || ops.Send == nil ||
		ops.Recv == nil || ops.Sendto == nil || ops.Recvfrom == nil ||
		ops.Close == nil || ops.Getsockname == nil ||
		ops.GetsockoptInt == nil || ops.Poll == nil {
		t.Fatal("Native returned an Ops with nil entries")
	}
}

func TestNativeSendRecvOverSocketpair(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	ops := Native()
	defer ops.Close(fds[0])
	defer ops.Close(fds[1])

	msg := []byte("ping")
	n, err := ops.Send(fds[0], msg, 0)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != len(msg) {
		t.Fatalf("Send wrote %d of %d bytes", n, len(msg))
	}

	pfds := []unix.PollFd{{Fd: int32(fds[1]), Events: unix.POLLIN}}
	if _, err := ops.Poll(pfds, 1000); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if pfds[0].Revents&unix.POLLIN == 0 {
		t.Fatal("peer not readable after send")
	}

	buf := make([]byte, 16)
	n, err = ops.Recv(fds[1], buf, 0)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("Recv = %q, want %q", buf[:n], msg)
	}
}

func TestNativeGetsockoptType(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	ops := Native()
	defer ops.Close(fd)

	typ, err := ops.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		t.Fatalf("GetsockoptInt: %v", err)
	}
	if typ != unix.SOCK_STREAM {
		t.Errorf("SO_TYPE = %d, want %d", typ, unix.SOCK_STREAM)
	}
}
