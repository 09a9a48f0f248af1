package main

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/monasticacademy/socktap/pkg/logging"
	"github.com/monasticacademy/socktap/pkg/wire"
)

// TestForwarderRelay checks the byte pump directly: a connection
// relayed to a loopback echo service sees its data come back, and a
// half-close drains cleanly.
func TestForwarderRelay(t *testing.T) {
	port := startEchoServer(t)
	pf := newPortForwarder(nil, true, logging.Discard())

	outside, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer outside.Close()
	go func() {
		conn, err := outside.Accept()
		if err != nil {
			return
		}
		pf.relay(conn, port)
	}()

	client, err := net.Dial("tcp4", outside.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	msg := []byte("through the forwarder")
	if _, err := client.Write(msg); err != nil {
		t.Fatal(err)
	}
	client.(*net.TCPConn).CloseWrite()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(msg))
	got := 0
	for got < len(msg) {
		n, err := client.Read(buf[got:])
		if err != nil {
			t.Fatalf("read after %d bytes: %v", got, err)
		}
		got += n
	}
	if string(buf) != string(msg) {
		t.Errorf("relayed %q, want %q", buf, msg)
	}
}

// TestForwarderHandlesBindEvents checks the event loop: a BIND event
// opens a wildcard listener once, duplicate events are no-ops, and a
// dial failure on the inside closes the outside connection instead of
// hanging it.
func TestForwarderHandlesBindEvents(t *testing.T) {
	// claim a port, then free it so nothing is listening inside
	probe, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	events := make(chan wire.Event, 4)
	pf := newPortForwarder(events, true, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pf.Run(ctx)

	events <- wire.Event{Type: wire.EventBind, FD: 3, Port: port, Addr: "127.0.0.1"}
	events <- wire.Event{Type: wire.EventBind, FD: 3, Port: port, Addr: "127.0.0.1"} // duplicate
	events <- wire.Event{Type: wire.EventConnect, FD: 4, Port: 443, Addr: "1.2.3.4"}

	// wait for the exposed listener to appear
	deadline := time.Now().Add(5 * time.Second)
	for {
		pf.mu.Lock()
		_, exposed := pf.listeners[port]
		n := len(pf.listeners)
		pf.mu.Unlock()
		if exposed {
			if n != 1 {
				t.Errorf("%d listeners for one port", n)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("port never exposed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// nothing listens on the inside, so the relay must fail and hang up
	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dialing exposed port: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected the relay to hang up")
	}
}

func TestForwarderDisabledIgnoresBinds(t *testing.T) {
	events := make(chan wire.Event, 1)
	pf := newPortForwarder(events, false, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pf.Run(ctx)

	events <- wire.Event{Type: wire.EventBind, FD: 3, Port: 8080, Addr: "127.0.0.1"}
	time.Sleep(50 * time.Millisecond)

	pf.mu.Lock()
	n := len(pf.listeners)
	pf.mu.Unlock()
	if n != 0 {
		t.Errorf("forwarder opened %d listeners with expose disabled", n)
	}
}
