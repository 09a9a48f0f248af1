package intercept

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/monasticacademy/socktap/pkg/control"
	"github.com/monasticacademy/socktap/pkg/fdtable"
	"github.com/monasticacademy/socktap/pkg/logging"
	"github.com/monasticacademy/socktap/pkg/realfd"
	"github.com/monasticacademy/socktap/pkg/wire"
)

// opsRecorder is a canned realfd.Ops that records which entry points
// were hit, so tests can tell pass-through from interception.
type opsRecorder struct {
	mu    sync.Mutex
	calls []string

	socketFD    int
	socketErr   error
	bindErr     error
	connectErr  error
	closeErr    error
	sotype      int
	sockname    unix.Sockaddr
	socknameErr error
}

func (r *opsRecorder) record(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

func (r *opsRecorder) saw(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (r *opsRecorder) ops() *realfd.Ops {
	return &realfd.Ops{
		Socket: func(domain, typ, proto int) (int, error) {
			r.record("socket")
			return r.socketFD, r.socketErr
		},
		Bind: func(fd int, sa unix.Sockaddr) error {
			r.record("bind")
			return r.bindErr
		},
		Listen: func(fd, backlog int) error {
			r.record("listen")
			return nil
		},
		Accept: func(fd int) (int, unix.Sockaddr, error) {
			r.record("accept")
			return -1, nil, unix.EINVAL
		},
		Connect: func(fd int, sa unix.Sockaddr) error {
			r.record("connect")
			return r.connectErr
		},
		Send: func(fd int, p []byte, flags int) (int, error) {
			r.record("send")
			return len(p), nil
		},
		Recv: func(fd int, p []byte, flags int) (int, error) {
			r.record("recv")
			return 0, nil
		},
		Sendto: func(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
			r.record("sendto")
			return len(p), nil
		},
		Recvfrom: func(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
			r.record("recvfrom")
			return 0, nil, nil
		},
		Close: func(fd int) error {
			r.record("close")
			return r.closeErr
		},
		Getsockname: func(fd int) (unix.Sockaddr, error) {
			r.record("getsockname")
			return r.sockname, r.socknameErr
		},
		GetsockoptInt: func(fd, level, opt int) (int, error) {
			r.record("getsockopt")
			return r.sotype, nil
		},
		Poll: func(fds []unix.PollFd, timeout int) (int, error) {
			r.record("poll")
			return 1, nil
		},
	}
}

type ctlHandler func(req wire.Request, payload []byte) (wire.Response, []byte)

// fakeController accepts the mixed operation/notification stream the
// interceptor produces: lowercase types get responses, uppercase
// types land on the events channel.
type fakeController struct {
	path   string
	events chan wire.Event

	mu   sync.Mutex
	seen []wire.Request
}

func startController(t *testing.T, handle ctlHandler) *fakeController {
	t.Helper()
	f := &fakeController{
		path:   filepath.Join(t.TempDir(), "ctl.sock"),
		events: make(chan wire.Event, 8),
	}
	ln, err := net.Listen("unix", f.path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn, handle)
		}
	}()
	return f
}

func (f *fakeController) serve(conn net.Conn, handle ctlHandler) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			return
		}
		typ, err := wire.PeekType(line)
		if err != nil {
			return
		}

		if typ == wire.EventConnect || typ == wire.EventBind {
			var ev wire.Event
			if json.Unmarshal(line, &ev) == nil {
				f.events <- ev
			}
			continue
		}

		var req wire.Request
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		var payload []byte
		// only send requests carry payload; a recv DataLen is a budget
		if req.DataLen > 0 && req.Type == wire.OpSend {
			payload = make([]byte, req.DataLen)
			if _, err := io.ReadFull(br, payload); err != nil {
				return
			}
		}

		f.mu.Lock()
		f.seen = append(f.seen, req)
		f.mu.Unlock()

		resp, body := handle(req, payload)
		if len(body) > 0 {
			resp.DataLen = len(body)
		}
		if err := wire.WriteResponse(conn, resp, body); err != nil {
			return
		}
	}
}

func (f *fakeController) requests(typ string) []wire.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Request
	for _, r := range f.seen {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

func delegatedConfig(f *fakeController) Config {
	return Config{IPCPath: f.path, FDBase: 1500, FDCap: 8}
}

// alwaysOK answers every operation with success and fresh handles.
func alwaysOK() ctlHandler {
	var next uint32
	var mu sync.Mutex
	return func(req wire.Request, payload []byte) (wire.Response, []byte) {
		switch req.Type {
		case wire.OpSocket, wire.OpAccept:
			mu.Lock()
			next++
			id := next
			mu.Unlock()
			return wire.Response{Success: true, ConnID: id}, nil
		default:
			return wire.Response{Success: true}, nil
		}
	}
}

func TestSocketDelegates(t *testing.T) {
	f := startController(t, alwaysOK())
	rec := &opsRecorder{socketFD: 9}
	i := New(delegatedConfig(f), rec.ops(), logging.Discard())

	fd, err := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	if fd != 1500 {
		t.Errorf("fd = %d, want 1500", fd)
	}
	if rec.saw("socket") {
		t.Error("delegated socket still hit the real implementation")
	}

	reqs := f.requests(wire.OpSocket)
	if len(reqs) != 1 {
		t.Fatalf("controller saw %d socket requests", len(reqs))
	}
	if reqs[0].Domain != unix.AF_INET || reqs[0].SockType != unix.SOCK_STREAM {
		t.Errorf("request = %+v", reqs[0])
	}
	if reqs[0].Protocol == nil || *reqs[0].Protocol != 0 {
		t.Error("protocol 0 must still arrive explicitly")
	}
}

func TestSocketPassesThroughOtherFamilies(t *testing.T) {
	f := startController(t, alwaysOK())
	rec := &opsRecorder{socketFD: 33}
	i := New(delegatedConfig(f), rec.ops(), logging.Discard())

	fd, err := i.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	if fd != 33 || !rec.saw("socket") {
		t.Error("AF_UNIX socket was not passed through")
	}
	if len(f.requests(wire.OpSocket)) != 0 {
		t.Error("controller consulted for a pass-through socket")
	}
}

func TestEverythingPassesThroughWhenUnconfigured(t *testing.T) {
	rec := &opsRecorder{socketFD: 5}
	i := New(Config{}, rec.ops(), logging.Discard())

	if _, err := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0); err != nil {
		t.Fatal(err)
	}
	if err := i.Connect(5, &unix.SockaddrInet4{Port: 80, Addr: [4]byte{1, 2, 3, 4}}); err != nil {
		t.Fatal(err)
	}
	if err := i.Bind(5, &unix.SockaddrInet4{Port: 8080}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"socket", "connect", "bind"} {
		if !rec.saw(want) {
			t.Errorf("%s did not reach the real implementation", want)
		}
	}
}

func TestSocketChannelDown(t *testing.T) {
	cfg := Config{IPCPath: filepath.Join(t.TempDir(), "gone.sock"), FDBase: 1500}
	rec := &opsRecorder{}
	i := New(cfg, rec.ops(), logging.Discard())

	_, err := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if !errors.Is(err, unix.ENOTSUP) {
		t.Errorf("expected ENOTSUP, got %v", err)
	}
}

func TestSocketControllerRefusal(t *testing.T) {
	f := startController(t, func(req wire.Request, payload []byte) (wire.Response, []byte) {
		return wire.Response{Success: false, Error: "no sockets for you"}, nil
	})
	i := New(delegatedConfig(f), (&opsRecorder{}).ops(), logging.Discard())

	_, err := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if !errors.Is(err, unix.ENOTSUP) {
		t.Errorf("expected ENOTSUP, got %v", err)
	}
}

func TestSocketExhaustion(t *testing.T) {
	f := startController(t, alwaysOK())
	cfg := delegatedConfig(f)
	cfg.FDCap = 1
	i := New(cfg, (&opsRecorder{}).ops(), logging.Discard())

	if _, err := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0); err != nil {
		t.Fatal(err)
	}
	_, err := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if !errors.Is(err, unix.EMFILE) {
		t.Errorf("expected EMFILE, got %v", err)
	}
	if !errors.Is(err, fdtable.ErrExhausted) {
		t.Errorf("exhaustion not detectable: %v", err)
	}
	// the orphaned controller-side connection must have been closed
	closes := f.requests(wire.OpClose)
	if len(closes) != 1 || closes[0].ConnID != 2 {
		t.Errorf("close requests = %+v, want one for conn 2", closes)
	}
}

func TestBindDelegated(t *testing.T) {
	f := startController(t, alwaysOK())
	i := New(delegatedConfig(f), (&opsRecorder{}).ops(), logging.Discard())

	fd, err := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := i.Bind(fd, &unix.SockaddrInet4{Port: 8080, Addr: [4]byte{0, 0, 0, 0}}); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	reqs := f.requests(wire.OpBind)
	if len(reqs) != 1 {
		t.Fatalf("controller saw %d bind requests", len(reqs))
	}
	r := reqs[0]
	if r.ConnID != 1 || r.Address != "0.0.0.0" || r.Port != 8080 || r.SocketFD != fd {
		t.Errorf("bind request = %+v", r)
	}
}

func TestBindDelegatedRefusal(t *testing.T) {
	f := startController(t, func(req wire.Request, payload []byte) (wire.Response, []byte) {
		if req.Type == wire.OpSocket {
			return wire.Response{Success: true, ConnID: 1}, nil
		}
		return wire.Response{Success: false, Error: "taken"}, nil
	})
	i := New(delegatedConfig(f), (&opsRecorder{}).ops(), logging.Discard())

	fd, _ := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	err := i.Bind(fd, &unix.SockaddrInet4{Port: 80})
	if !errors.Is(err, unix.EADDRINUSE) {
		t.Errorf("expected EADDRINUSE, got %v", err)
	}
}

func TestListenDelegatedRefusal(t *testing.T) {
	f := startController(t, func(req wire.Request, payload []byte) (wire.Response, []byte) {
		if req.Type == wire.OpSocket {
			return wire.Response{Success: true, ConnID: 1}, nil
		}
		return wire.Response{Success: false, Error: "not bound"}, nil
	})
	i := New(delegatedConfig(f), (&opsRecorder{}).ops(), logging.Discard())

	fd, _ := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	err := i.Listen(fd, 128)
	if !errors.Is(err, unix.EOPNOTSUPP) {
		t.Errorf("expected EOPNOTSUPP, got %v", err)
	}
}

func TestAcceptFillsPeerAddress(t *testing.T) {
	f := startController(t, func(req wire.Request, payload []byte) (wire.Response, []byte) {
		switch req.Type {
		case wire.OpSocket:
			return wire.Response{Success: true, ConnID: 1}, nil
		case wire.OpAccept:
			return wire.Response{Success: true, ConnID: 2, Address: "10.0.0.9", Port: 41000}, nil
		}
		return wire.Response{Success: true}, nil
	})
	i := New(delegatedConfig(f), (&opsRecorder{}).ops(), logging.Discard())

	lfd, _ := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	cfd, peer, err := i.Accept(lfd)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if cfd == lfd || cfd < 1500 {
		t.Errorf("accepted fd = %d", cfd)
	}
	sa4, ok := peer.(*unix.SockaddrInet4)
	if !ok {
		t.Fatalf("peer = %T, want *unix.SockaddrInet4", peer)
	}
	if sa4.Addr != [4]byte{10, 0, 0, 9} || sa4.Port != 41000 {
		t.Errorf("peer = %v:%d", sa4.Addr, sa4.Port)
	}
}

func TestAcceptRefusalMapsEAGAIN(t *testing.T) {
	f := startController(t, func(req wire.Request, payload []byte) (wire.Response, []byte) {
		if req.Type == wire.OpSocket {
			return wire.Response{Success: true, ConnID: 1}, nil
		}
		return wire.Response{Success: false, Error: "nothing pending"}, nil
	})
	i := New(delegatedConfig(f), (&opsRecorder{}).ops(), logging.Discard())

	lfd, _ := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	_, _, err := i.Accept(lfd)
	if !errors.Is(err, unix.EAGAIN) {
		t.Errorf("expected EAGAIN, got %v", err)
	}
}

func TestConnectDelegatedRefusal(t *testing.T) {
	f := startController(t, func(req wire.Request, payload []byte) (wire.Response, []byte) {
		if req.Type == wire.OpSocket {
			return wire.Response{Success: true, ConnID: 1}, nil
		}
		return wire.Response{Success: false, Error: "unreachable"}, nil
	})
	i := New(delegatedConfig(f), (&opsRecorder{}).ops(), logging.Discard())

	fd, _ := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	err := i.Connect(fd, &unix.SockaddrInet4{Port: 443, Addr: [4]byte{93, 184, 216, 34}})
	if !errors.Is(err, unix.ECONNREFUSED) {
		t.Errorf("expected ECONNREFUSED, got %v", err)
	}
}

func TestSendReportsAcceptedCount(t *testing.T) {
	f := startController(t, func(req wire.Request, payload []byte) (wire.Response, []byte) {
		switch req.Type {
		case wire.OpSocket:
			return wire.Response{Success: true, ConnID: 1}, nil
		case wire.OpSend:
			// controller accepted only part of the payload
			return wire.Response{Success: true, DataLen: 3}, nil
		}
		return wire.Response{Success: true}, nil
	})
	i := New(delegatedConfig(f), (&opsRecorder{}).ops(), logging.Discard())

	fd, _ := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	n, err := i.Send(fd, []byte("hello"), 0)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != 3 {
		t.Errorf("n = %d, want 3", n)
	}

	reqs := f.requests(wire.OpSend)
	if len(reqs) != 1 || reqs[0].DataLen != 5 {
		t.Errorf("send request = %+v", reqs)
	}
}

func TestSendFailureMapsEPIPE(t *testing.T) {
	f := startController(t, func(req wire.Request, payload []byte) (wire.Response, []byte) {
		if req.Type == wire.OpSocket {
			return wire.Response{Success: true, ConnID: 1}, nil
		}
		return wire.Response{Success: false, Error: "peer gone"}, nil
	})
	i := New(delegatedConfig(f), (&opsRecorder{}).ops(), logging.Discard())

	fd, _ := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	_, err := i.Send(fd, []byte("x"), 0)
	if !errors.Is(err, unix.EPIPE) {
		t.Errorf("expected EPIPE, got %v", err)
	}
}

func TestRecvTruncatesToCallerBuffer(t *testing.T) {
	big := bytes.Repeat([]byte("abcd"), 16) // 64 bytes, more than asked
	f := startController(t, func(req wire.Request, payload []byte) (wire.Response, []byte) {
		switch req.Type {
		case wire.OpSocket:
			return wire.Response{Success: true, ConnID: 1}, nil
		case wire.OpRecv:
			if req.DataLen != 16 {
				t.Errorf("recv budget = %d, want 16", req.DataLen)
			}
			return wire.Response{Success: true}, big
		}
		return wire.Response{Success: true}, nil
	})
	i := New(delegatedConfig(f), (&opsRecorder{}).ops(), logging.Discard())

	fd, _ := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	buf := make([]byte, 16)
	n, err := i.Recv(fd, buf, 0)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if n != 16 {
		t.Errorf("n = %d, want 16", n)
	}
	if !bytes.Equal(buf, big[:16]) {
		t.Errorf("buf = %q", buf)
	}
}

func TestRecvErrnoDependsOnBlockingMode(t *testing.T) {
	f := startController(t, func(req wire.Request, payload []byte) (wire.Response, []byte) {
		if req.Type == wire.OpSocket {
			return wire.Response{Success: true, ConnID: 1}, nil
		}
		return wire.Response{Success: false, Error: "reset"}, nil
	})
	i := New(delegatedConfig(f), (&opsRecorder{}).ops(), logging.Discard())

	fd, _ := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	buf := make([]byte, 8)

	_, err := i.Recv(fd, buf, unix.MSG_DONTWAIT)
	if !errors.Is(err, unix.EAGAIN) {
		t.Errorf("non-blocking recv: expected EAGAIN, got %v", err)
	}
	_, err = i.Recv(fd, buf, 0)
	if !errors.Is(err, unix.ECONNRESET) {
		t.Errorf("blocking recv: expected ECONNRESET, got %v", err)
	}
}

func TestSendtoRecvfromDegrade(t *testing.T) {
	f := startController(t, alwaysOK())
	i := New(delegatedConfig(f), (&opsRecorder{}).ops(), logging.Discard())

	fd, _ := i.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	dest := &unix.SockaddrInet4{Port: 53, Addr: [4]byte{8, 8, 8, 8}}

	if _, err := i.Sendto(fd, []byte("query"), 0, dest); err != nil {
		t.Fatalf("Sendto: %v", err)
	}
	if len(f.requests(wire.OpSend)) != 1 {
		t.Error("sendto did not degrade to a send operation")
	}

	buf := make([]byte, 32)
	_, from, err := i.Recvfrom(fd, buf, 0)
	if err != nil {
		t.Fatalf("Recvfrom: %v", err)
	}
	if from != nil {
		t.Errorf("recvfrom source = %v, want nil", from)
	}
	if len(f.requests(wire.OpRecv)) != 1 {
		t.Error("recvfrom did not degrade to a recv operation")
	}
}

func TestCloseAlwaysReleases(t *testing.T) {
	f := startController(t, func(req wire.Request, payload []byte) (wire.Response, []byte) {
		if req.Type == wire.OpSocket {
			return wire.Response{Success: true, ConnID: 1}, nil
		}
		// even a controller that cannot close must not fail the caller
		return wire.Response{Success: false, Error: "already gone"}, nil
	})
	rec := &opsRecorder{closeErr: unix.EBADF}
	i := New(delegatedConfig(f), rec.ops(), logging.Discard())

	fd, _ := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err := i.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(f.requests(wire.OpClose)) != 1 {
		t.Error("controller not told about the close")
	}

	// the slot is free: a second close is no longer ours and falls
	// through to the real close, which reports EBADF without crashing
	err := i.Close(fd)
	if !errors.Is(err, unix.EBADF) {
		t.Errorf("double close: expected EBADF pass-through, got %v", err)
	}
	if !rec.saw("close") {
		t.Error("stale private descriptor not passed to the real close")
	}
}

func TestCloseWithDeadControllerStillSucceeds(t *testing.T) {
	f := startController(t, alwaysOK())
	cfg := delegatedConfig(f)
	i := New(cfg, (&opsRecorder{}).ops(), logging.Discard())

	fd, err := i.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}

	// simulate the controller dying between operations
	i.ctl.Close()
	i.ctl = control.NewClient(filepath.Join(t.TempDir(), "dead.sock"), logging.Discard())

	if err := i.Close(fd); err != nil {
		t.Fatalf("Close with dead controller: %v", err)
	}
	if _, ok := i.table.Resolve(fd); ok {
		t.Error("descriptor still mapped after close")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvIPCPath, "/tmp/x.sock")
	t.Setenv(EnvSocksPort, "1080")
	t.Setenv(EnvVerbose, "1")
	t.Setenv(EnvFDBase, "40000")

	cfg := FromEnv()
	if cfg.IPCPath != "/tmp/x.sock" || cfg.SocksPort != 1080 || !cfg.Verbose || cfg.FDBase != 40000 {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.Delegated() || !cfg.Redirect() || !cfg.Enabled() {
		t.Error("mode predicates wrong")
	}
}

func TestFromEnvNoDelegate(t *testing.T) {
	t.Setenv(EnvIPCPath, "/tmp/x.sock")
	t.Setenv(EnvSocksPort, "1080")
	t.Setenv(EnvNoDelegate, "1")

	cfg := FromEnv()
	if cfg.Delegated() {
		t.Error("delegation enabled despite no-delegate")
	}
	if !cfg.Redirect() || !cfg.Enabled() {
		t.Error("redirect mode lost")
	}
}

func TestFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv(EnvIPCPath, "")
	t.Setenv(EnvSocksPort, "eighty")
	t.Setenv(EnvVerbose, "0")
	t.Setenv(EnvFDBase, "-3")

	cfg := FromEnv()
	if cfg.SocksPort != 0 || cfg.Verbose || cfg.FDBase != 0 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Enabled() {
		t.Error("garbage config claims a mode is enabled")
	}
}
