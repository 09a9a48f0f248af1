package control

import (
	"net"
	"sync"

	"github.com/monasticacademy/socktap/pkg/logging"
	"github.com/monasticacademy/socktap/pkg/wire"
)

// Notifier delivers fire-and-forget events (CONNECT, BIND) to the
// controller. Delivery is best effort: a failed write drops the event,
// logs at debug level, and leaves the next Send to dial a fresh
// connection. Nothing here may ever fail an intercepted call.
type Notifier struct {
	path string
	log  *logging.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewNotifier makes a notifier for the controller socket at path.
func NewNotifier(path string, log *logging.Logger) *Notifier {
	if log == nil {
		log = logging.Default()
	}
	return &Notifier{path: path, log: log.WithComponent("notify")}
}

// Send emits one event line. No response is read.
func (n *Notifier) Send(ev wire.Event) {
	if n.path == "" {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		conn, err := net.Dial("unix", n.path)
		if err != nil {
			n.log.Debugf("dropping %s event: dial %s: %v", ev.Type, n.path, err)
			return
		}
		n.conn = conn
	}

	if err := wire.WriteEvent(n.conn, ev); err != nil {
		n.log.Debugf("dropping %s event: %v", ev.Type, err)
		n.conn.Close()
		n.conn = nil
	}
}

// Close shuts the current connection down. The notifier remains
// usable.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	return nil
}
