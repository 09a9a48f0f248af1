// Package wire defines the control channel protocol: newline-delimited
// JSON headers with raw payload bytes carried out-of-band after the
// header line. Requests travel from the interception shim to the
// controller; responses travel back; notifications are one-way.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Operation kinds carried in a request's type field.
const (
	OpSocket  = "socket"
	OpBind    = "bind"
	OpListen  = "listen"
	OpAccept  = "accept"
	OpConnect = "connect"
	OpSend    = "send"
	OpRecv    = "recv"
	OpClose   = "close"
)

// Notification kinds. Uppercase distinguishes them from operations on
// a shared channel.
const (
	EventConnect = "CONNECT"
	EventBind    = "BIND"
)

// MaxPayload bounds the out-of-band payload accepted after a header.
// Anything larger marks the frame malformed rather than allocating
// unboundedly.
const MaxPayload = 64 * 1024

// Request describes one intercepted call. Only the fields meaningful
// for the operation are set; the rest stay absent on the wire.
// Protocol is a pointer because protocol number 0 is a valid value
// that must still be transmitted.
type Request struct {
	Type     string `json:"type"`
	ConnID   uint32 `json:"conn_id,omitempty"`
	SocketFD int    `json:"socket_fd,omitempty"`
	Domain   int    `json:"domain,omitempty"`
	SockType int    `json:"sock_type,omitempty"`
	Protocol *int   `json:"protocol,omitempty"`
	Address  string `json:"address,omitempty"`
	Port     int    `json:"port,omitempty"`
	DataLen  int    `json:"data_len,omitempty"`
}

// Response is the controller's reply. Success false with an error
// string is a controller-reported failure, which is distinct from the
// channel itself failing. Connection handles start at 1; 0 means the
// field was absent.
type Response struct {
	Success bool   `json:"success"`
	ConnID  uint32 `json:"conn_id,omitempty"`
	Error   string `json:"error,omitempty"`
	Address string `json:"address,omitempty"`
	Port    int    `json:"port,omitempty"`
	DataLen int    `json:"data_len,omitempty"`
}

// Event is a fire-and-forget notification about activity on real
// descriptors.
type Event struct {
	Type string `json:"type"`
	FD   int    `json:"fd"`
	Port int    `json:"port"`
	Addr string `json:"addr"`
}

// WriteRequest emits the header line and payload in a single write so
// the exchange is one write followed by one read. DataLen on the
// request must already describe the payload.
func WriteRequest(w io.Writer, req Request, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("payload of %d bytes exceeds limit %d", len(payload), MaxPayload)
	}
	header, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request header: %w", err)
	}
	buf := make([]byte, 0, len(header)+1+len(payload))
	buf = append(buf, header...)
	buf = append(buf, '\n')
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}
	return nil
}

// WriteResponse emits a response header and optional payload the same
// way.
func WriteResponse(w io.Writer, resp Response, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("payload of %d bytes exceeds limit %d", len(payload), MaxPayload)
	}
	header, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response header: %w", err)
	}
	buf := make([]byte, 0, len(header)+1+len(payload))
	buf = append(buf, header...)
	buf = append(buf, '\n')
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

// WriteEvent emits a single notification line. No response follows.
func WriteEvent(w io.Writer, ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// ReadRequest consumes one request header plus its payload. A buffered
// reader is required because header and payload routinely arrive in
// the same read. Only send requests carry payload bytes; on a recv
// request DataLen is the caller's buffer budget and nothing follows
// the header.
func ReadRequest(br *bufio.Reader) (Request, []byte, error) {
	line, err := br.ReadBytes('\n')
	if err != nil {
		return Request{}, nil, fmt.Errorf("reading request header: %w", err)
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, nil, fmt.Errorf("decoding request header: %w", err)
	}
	if req.Type != OpSend {
		return req, nil, nil
	}
	payload, err := readPayload(br, req.DataLen)
	if err != nil {
		return Request{}, nil, err
	}
	return req, payload, nil
}

// ReadResponse consumes one response header plus its payload,
// tolerating headers that scanning can salvage but strict JSON cannot.
func ReadResponse(br *bufio.Reader) (Response, []byte, error) {
	line, err := br.ReadBytes('\n')
	if err != nil {
		return Response{}, nil, fmt.Errorf("reading response header: %w", err)
	}
	resp := ParseResponse(line)
	payload, err := readPayload(br, resp.DataLen)
	if err != nil {
		return Response{}, nil, err
	}
	return resp, payload, nil
}

func readPayload(br *bufio.Reader, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > MaxPayload {
		return nil, fmt.Errorf("declared payload of %d bytes exceeds limit %d", n, MaxPayload)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, fmt.Errorf("reading %d payload bytes: %w", n, err)
	}
	return payload, nil
}

// PeekType extracts the type field from a header line so a shared
// channel can route operations and notifications differently.
func PeekType(line []byte) (string, error) {
	var t struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &t); err != nil {
		return "", fmt.Errorf("decoding message type: %w", err)
	}
	if t.Type == "" {
		return "", fmt.Errorf("message has no type field")
	}
	return t.Type, nil
}

// ParseResponse decodes a response header. Strict JSON is tried first;
// failing that, the line is scanned for the known keys, which accepts
// the slightly ragged replies some controllers produce.
func ParseResponse(line []byte) Response {
	var resp Response
	if err := json.Unmarshal(line, &resp); err == nil {
		return resp
	}
	return scanResponse(string(line))
}

func scanResponse(s string) Response {
	resp := Response{
		Success: strings.Contains(s, `"success":true`),
	}
	if v, ok := scanInt(s, `"conn_id":`); ok {
		resp.ConnID = uint32(v)
	}
	if v, ok := scanInt(s, `"data_len":`); ok {
		resp.DataLen = v
	}
	if v, ok := scanInt(s, `"port":`); ok {
		resp.Port = v
	}
	if v, ok := scanString(s, `"error":"`); ok {
		resp.Error = v
	}
	if v, ok := scanString(s, `"address":"`); ok {
		resp.Address = v
	}
	return resp
}

func scanInt(s, key string) (int, bool) {
	i := strings.Index(s, key)
	if i < 0 {
		return 0, false
	}
	rest := s[i+len(key):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	v, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return v, true
}

func scanString(s, key string) (string, bool) {
	i := strings.Index(s, key)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(key):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}
