package main

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/monasticacademy/socktap/pkg/logging"
)

type direction int

const (
	directionOut direction = iota // shim -> destination
	directionIn                   // destination -> shim
)

// shimAddr stands in for the traced process in synthesized packets.
// Delegated sockets have no real local endpoint, so flows are
// rendered as coming from this address with a per-connection port.
var shimAddr = net.IPv4(10, 99, 0, 1)

// captureWriter synthesizes IPv4 packets for delegated traffic and
// appends them to a pcap file, so flows that never touched a real
// socket in the traced process can still be inspected in Wireshark.
// A nil captureWriter is valid and records nothing.
type captureWriter struct {
	log *logging.Logger

	mu    sync.Mutex
	file  *os.File
	w     *pcapgo.Writer
	flows map[uint32]*flow
}

// flow tracks enough TCP state to emit plausible data segments:
// endpoint pair plus a sequence counter per direction.
type flow struct {
	dst     net.IP
	dstPort uint16
	srcPort uint16
	seqOut  uint32
	seqIn   uint32
}

func newCaptureWriter(path string, log *logging.Logger) (*captureWriter, error) {
	if log == nil {
		log = logging.Default()
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating pcap file: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing pcap header: %w", err)
	}
	return &captureWriter{
		log:   log.WithComponent("capture"),
		file:  f,
		w:     w,
		flows: make(map[uint32]*flow),
	}, nil
}

// RecordConnect opens a flow for the connection. The source port is
// derived from the connection id so each delegated socket gets a
// stable, distinct endpoint in the capture.
func (c *captureWriter) RecordConnect(id uint32, address string, port int) {
	if c == nil {
		return
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.flows[id] = &flow{
		dst:     ip.To4(),
		dstPort: uint16(port),
		srcPort: uint16(32768 + id%32768),
		seqOut:  1,
		seqIn:   1,
	}
}

// RecordData emits one data packet for the flow in the given
// direction. Connections the capture never saw a connect for are
// skipped silently.
func (c *captureWriter) RecordData(id uint32, payload []byte, dir direction) {
	if c == nil || len(payload) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fl, ok := c.flows[id]
	if !ok {
		return
	}

	var src, dst net.IP
	var srcPort, dstPort uint16
	var seq *uint32
	if dir == directionOut {
		src, dst = shimAddr, fl.dst
		srcPort, dstPort = fl.srcPort, fl.dstPort
		seq = &fl.seqOut
	} else {
		src, dst = fl.dst, shimAddr
		srcPort, dstPort = fl.dstPort, fl.srcPort
		seq = &fl.seqIn
	}

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src,
		DstIP:    dst,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     *seq,
		PSH:     true,
		ACK:     true,
		Window:  65535,
	}
	tcp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(payload)); err != nil {
		c.log.Debugf("serializing packet for conn %d: %v", id, err)
		return
	}
	*seq += uint32(len(payload))

	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}
	if err := c.w.WritePacket(ci, buf.Bytes()); err != nil {
		c.log.Debugf("writing packet for conn %d: %v", id, err)
	}
}

func (c *captureWriter) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Close()
}
