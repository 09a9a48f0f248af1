package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/monasticacademy/socktap/pkg/logging"
	"github.com/monasticacademy/socktap/pkg/wire"
)

// portForwarder watches BIND notifications from the shim and, when
// exposure is enabled, opens a matching listener on the wildcard
// interface that relays to the loopback port the traced program
// actually bound. This makes servers inside the trace reachable from
// outside without the program cooperating.
type portForwarder struct {
	events <-chan wire.Event
	expose bool
	log    *logging.Logger

	mu        sync.Mutex
	listeners map[int]net.Listener
}

func newPortForwarder(events <-chan wire.Event, expose bool, log *logging.Logger) *portForwarder {
	if log == nil {
		log = logging.Default()
	}
	return &portForwarder{
		events:    events,
		expose:    expose,
		log:       log.WithComponent("forwarder"),
		listeners: make(map[int]net.Listener),
	}
}

// Run consumes events until the context ends. CONNECT events are
// informational only; BIND events may open forwarders.
func (pf *portForwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			pf.closeAll()
			return
		case ev := <-pf.events:
			if ev.Type != wire.EventBind || !pf.expose {
				continue
			}
			if err := pf.handleBind(ev.Port); err != nil {
				pf.log.Warnf("not exposing port %d: %v", ev.Port, err)
			}
		}
	}
}

// handleBind opens a wildcard listener for the port, once. A port that
// cannot be claimed (already taken, privileged) is skipped, never
// fatal.
func (pf *portForwarder) handleBind(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()
	if _, exists := pf.listeners[port]; exists {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listening on :%d: %w", port, err)
	}
	pf.listeners[port] = ln
	pf.log.Infof("exposing port %d on all interfaces", port)

	go pf.acceptLoop(ln, port)
	return nil
}

func (pf *portForwarder) acceptLoop(ln net.Listener, port int) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed
		}
		go pf.relay(conn, port)
	}
}

// relay copies bytes both ways between the outside connection and the
// loopback service, half-close aware so a one-sided shutdown drains
// the other direction before the sockets die.
func (pf *portForwarder) relay(outside net.Conn, port int) {
	defer outside.Close()

	inside, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		pf.log.Warnf("relay to 127.0.0.1:%d failed: %v", port, err)
		return
	}
	defer inside.Close()

	done := make(chan struct{})
	go func() {
		io.Copy(inside, outside)
		if tc, ok := inside.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		close(done)
	}()
	io.Copy(outside, inside)
	if tc, ok := outside.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	<-done
}

func (pf *portForwarder) closeAll() {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	for port, ln := range pf.listeners {
		ln.Close()
		delete(pf.listeners, port)
	}
}
