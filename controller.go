package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/monasticacademy/socktap/pkg/logging"
	"github.com/monasticacademy/socktap/pkg/wire"
)

// controller is the IPC side of the system: it listens on a unix
// socket, executes delegated socket operations against the registry,
// and fans out fire-and-forget notifications to whoever consumes the
// event channel. Operations arrive with a lowercase type and get a
// response; notifications arrive with an uppercase type and get none.
type controller struct {
	listener net.Listener
	path     string
	registry *registry
	metrics  *metricsCollector
	capture  *captureWriter
	events   chan wire.Event
	log      *logging.Logger
}

// newController listens at path, or at a per-pid socket under the temp
// directory when path is empty. Serving starts immediately.
func newController(path string, reg *registry, metrics *metricsCollector, capture *captureWriter, log *logging.Logger) (*controller, error) {
	if log == nil {
		log = logging.Default()
	}
	if path == "" {
		path = filepath.Join(os.TempDir(), fmt.Sprintf("socktap-%d.sock", os.Getpid()))
	}
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}

	c := &controller{
		listener: ln,
		path:     path,
		registry: reg,
		metrics:  metrics,
		capture:  capture,
		events:   make(chan wire.Event, 100),
		log:      log.WithComponent("controller"),
	}
	go c.acceptLoop()
	return c, nil
}

func (c *controller) Path() string { return c.path }

// Events is the stream of BIND/CONNECT notifications from the shim.
// Slow consumers lose events rather than stalling the shim.
func (c *controller) Events() <-chan wire.Event { return c.events }

func (c *controller) Close() error {
	err := c.listener.Close()
	os.Remove(c.path)
	return err
}

func (c *controller) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return // listener closed
		}
		go c.serve(conn)
	}
}

// serve handles one shim connection until it closes. The shim
// serializes its exchanges, so reading one message at a time and
// replying in place preserves the request/response pairing.
func (c *controller) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)

	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				c.log.Debugf("shim connection lost: %v", err)
			}
			return
		}

		kind, err := wire.PeekType(line)
		if err != nil {
			c.log.Warnf("unparseable message from shim: %v", err)
			return
		}

		if kind == strings.ToUpper(kind) {
			c.handleEvent(line)
			continue
		}
		if err := c.handleOperation(conn, br, line); err != nil {
			c.log.Debugf("shim connection lost: %v", err)
			return
		}
	}
}

func (c *controller) handleEvent(line []byte) {
	var ev wire.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		c.log.Warnf("unparseable event: %v", err)
		return
	}
	c.log.Infof("%s fd=%d %s:%d", ev.Type, ev.FD, ev.Addr, ev.Port)
	c.metrics.RecordEvent(ev.Type)

	select {
	case c.events <- ev:
	default:
		c.log.Warnf("event channel full, dropping %s for port %d", ev.Type, ev.Port)
	}
}

// handleOperation decodes one request plus its out-of-band payload,
// runs it, and writes the response. The returned error is only for
// transport problems; operational failures go back to the shim as
// success:false.
func (c *controller) handleOperation(conn net.Conn, br *bufio.Reader, line []byte) error {
	var req wire.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return fmt.Errorf("decoding request: %w", err)
	}
	var payload []byte
	if req.DataLen > 0 && req.Type == wire.OpSend {
		if req.DataLen > wire.MaxPayload {
			return fmt.Errorf("payload of %d bytes exceeds limit", req.DataLen)
		}
		payload = make([]byte, req.DataLen)
		if _, err := io.ReadFull(br, payload); err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}
	}

	resp, body := c.execute(req, payload)
	if len(body) > 0 {
		resp.DataLen = len(body)
	}

	c.metrics.RecordOp(req.Type, resp.Success)
	c.metrics.SetOpenConns(c.registry.Len())

	return wire.WriteResponse(conn, resp, body)
}

// execute maps one wire operation onto the registry.
func (c *controller) execute(req wire.Request, payload []byte) (wire.Response, []byte) {
	fail := func(err error) (wire.Response, []byte) {
		c.log.Debugf("%s conn=%d failed: %v", req.Type, req.ConnID, err)
		return wire.Response{Success: false, Error: err.Error()}, nil
	}

	switch req.Type {
	case wire.OpSocket:
		proto := 0
		if req.Protocol != nil {
			proto = *req.Protocol
		}
		id, err := c.registry.Socket(req.Domain, req.SockType, proto)
		if err != nil {
			return fail(err)
		}
		return wire.Response{Success: true, ConnID: id}, nil

	case wire.OpBind:
		port, err := c.registry.Bind(req.ConnID, req.Address, req.Port)
		if err != nil {
			return fail(err)
		}
		return wire.Response{Success: true, ConnID: req.ConnID, Port: port}, nil

	case wire.OpListen:
		if err := c.registry.Listen(req.ConnID); err != nil {
			return fail(err)
		}
		return wire.Response{Success: true, ConnID: req.ConnID}, nil

	case wire.OpAccept:
		id, peerAddr, peerPort, err := c.registry.Accept(req.ConnID)
		if err != nil {
			return fail(err)
		}
		return wire.Response{Success: true, ConnID: id, Address: peerAddr, Port: peerPort}, nil

	case wire.OpConnect:
		if err := c.registry.Connect(req.ConnID, req.Address, req.Port); err != nil {
			return fail(err)
		}
		c.capture.RecordConnect(req.ConnID, req.Address, req.Port)
		return wire.Response{Success: true, ConnID: req.ConnID}, nil

	case wire.OpSend:
		n, err := c.registry.Send(req.ConnID, payload)
		if err != nil {
			return fail(err)
		}
		c.metrics.AddBytes("out", n)
		c.capture.RecordData(req.ConnID, payload[:n], directionOut)
		return wire.Response{Success: true, ConnID: req.ConnID, DataLen: n}, nil

	case wire.OpRecv:
		body, err := c.registry.Recv(req.ConnID, req.DataLen)
		if err != nil {
			return fail(err)
		}
		c.metrics.AddBytes("in", len(body))
		c.capture.RecordData(req.ConnID, body, directionIn)
		return wire.Response{Success: true, ConnID: req.ConnID}, body

	case wire.OpClose:
		if err := c.registry.Close(req.ConnID); err != nil {
			return fail(err)
		}
		return wire.Response{Success: true}, nil

	default:
		return fail(fmt.Errorf("unknown operation %q", req.Type))
	}
}
