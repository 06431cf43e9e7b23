package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// TCPDialer opens plain TCP links, used for network terminals (ZVT default
// port 20007) and raw-socket printers (port 9100).
type TCPDialer struct {
	Host string
	Port int
	// NoDelay disables Nagle; on by default for request/response frames.
	NoDelay bool
	// KeepAlive enables TCP keep-alive probes at the given period when >0.
	KeepAlive time.Duration
}

// NewTCPDialer builds a dialer with NoDelay enabled.
func NewTCPDialer(host string, port int) *TCPDialer {
	return &TCPDialer{Host: host, Port: port, NoDelay: true}
}

func (d *TCPDialer) Kind() string { return "tcp" }

// Dial connects and applies the socket options.
func (d *TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(d.Host, fmt.Sprintf("%d", d.Port)))
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(d.NoDelay)
		if d.KeepAlive > 0 {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(d.KeepAlive)
		}
	}
	return conn, nil
}
