package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/armon/go-socks5"
	"github.com/miekg/dns"

	"github.com/monasticacademy/socktap/pkg/logging"
)

// socksProxy is the loopback SOCKS5 server redirected connects land
// on. The shim steers each outbound TCP connection here; the proxy
// dials the real destination, so every redirected flow is visible and
// countable in one place.
type socksProxy struct {
	listener net.Listener
	port     int
	log      *logging.Logger
}

// newSocksProxy starts a SOCKS5 server on the loopback interface. Port
// 0 picks an ephemeral port; the chosen port is what gets exported to
// the shim. A non-empty dnsServer routes name resolution through that
// server instead of the system resolver.
func newSocksProxy(port int, dnsServer string, metrics *metricsCollector, log *logging.Logger) (*socksProxy, error) {
	if log == nil {
		log = logging.Default()
	}
	plog := log.WithComponent("socks5")

	conf := &socks5.Config{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			plog.Debugf("dialing %s %s", network, addr)
			metrics.RecordProxyDial()
			dialer := &net.Dialer{}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				plog.Warnf("dial %s failed: %v", addr, err)
			}
			return conn, err
		},
	}
	if dnsServer != "" {
		conf.Resolver = &dnsResolver{server: dnsServer, log: plog}
	}

	server, err := socks5.New(conf)
	if err != nil {
		return nil, fmt.Errorf("creating SOCKS5 server: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listening for SOCKS5 connections: %w", err)
	}

	p := &socksProxy{
		listener: ln,
		port:     ln.Addr().(*net.TCPAddr).Port,
		log:      plog,
	}
	go func() {
		if err := server.Serve(ln); err != nil {
			plog.Debugf("server stopped: %v", err)
		}
	}()
	plog.Infof("listening on 127.0.0.1:%d", p.port)
	return p, nil
}

func (p *socksProxy) Port() int { return p.port }

func (p *socksProxy) Close() error { return p.listener.Close() }

// dnsResolver answers the proxy's name lookups by querying one
// configured DNS server directly, so redirected programs can be pinned
// to a resolver independent of /etc/resolv.conf.
type dnsResolver struct {
	server string
	log    *logging.Logger
}

func (r *dnsResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)

	client := &dns.Client{Timeout: 5 * time.Second}
	reply, _, err := client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return ctx, nil, fmt.Errorf("querying %s for %s: %w", r.server, name, err)
	}
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			r.log.Debugf("resolved %s to %s via %s", name, a.A, r.server)
			return ctx, a.A, nil
		}
	}
	return ctx, nil, fmt.Errorf("no A record for %s from %s", name, r.server)
}
