package mitm

import (
	"net"
	"time"
)

// Dialer opens outbound TCP connections to the real host behind a MITM
// bridge or opaque tunnel, with a fixed connect timeout.
type Dialer struct {
	Timeout time.Duration
}

// NewDialer creates a dialer with the default connect timeout.
func NewDialer() *Dialer {
	return &Dialer{Timeout: 10 * time.Second}
}

// Dial connects to addr over network, subject to the dialer's timeout.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	return net.DialTimeout(network, addr, d.Timeout)
}
