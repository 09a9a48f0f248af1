// Package control carries intercepted socket operations to the
// controller process over a unix-domain stream socket and brings back
// the controller's verdicts. One client serves every intercepted call
// in the process, so the exchange is strictly serialized.
package control

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/monasticacademy/socktap/pkg/logging"
	"github.com/monasticacademy/socktap/pkg/wire"
)

// ErrUnavailable marks a transport-level failure: the channel could
// not be dialed, written, or read. It is distinct from a controller
// reply with success false, which arrives as a normal Response.
var ErrUnavailable = errors.New("control channel unavailable")

// Client is the delegating side of the control channel. The session is
// dialed lazily on first use. After any transport failure the session
// is torn down and fully reestablished before the next request; a
// half-dead connection is never reused.
type Client struct {
	path string
	log  *logging.Logger

	// held across the entire request+response exchange so responses
	// can never be attributed to the wrong caller
	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader
}

// NewClient makes a client for the controller socket at path. A nil
// logger falls back to the default stderr logger.
func NewClient(path string, log *logging.Logger) *Client {
	if log == nil {
		log = logging.Default()
	}
	return &Client{path: path, log: log.WithComponent("control")}
}

// Request performs one exchange: a single write of the serialized
// request (header line plus payload), then a single read of the
// response. The returned error is ErrUnavailable-based for transport
// problems only; controller-reported failures come back as a Response
// with Success false and no error.
func (c *Client) Request(req wire.Request, payload []byte) (wire.Response, []byte, error) {
	if c.path == "" {
		return wire.Response{}, nil, fmt.Errorf("%w: no channel path configured", ErrUnavailable)
	}
	if len(payload) > 0 {
		req.DataLen = len(payload)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := net.Dial("unix", c.path)
		if err != nil {
			return wire.Response{}, nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, c.path, err)
		}
		c.conn = conn
		c.br = bufio.NewReader(conn)
		c.log.Debugf("session established to %s", c.path)
	}

	if err := wire.WriteRequest(c.conn, req, payload); err != nil {
		c.teardown()
		return wire.Response{}, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, body, err := wire.ReadResponse(c.br)
	if err != nil {
		c.teardown()
		return wire.Response{}, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if !resp.Success {
		c.log.Debugf("controller rejected %s: %s", req.Type, resp.Error)
	}
	return resp, body, nil
}

// teardown closes the dead session. Callers hold c.mu.
func (c *Client) teardown() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.br = nil
		c.log.Debugf("session to %s torn down", c.path)
	}
}

// Close shuts the session down. The client remains usable; the next
// request dials afresh.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardown()
	return nil
}
