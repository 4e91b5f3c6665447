// Package mitm implements the MITM TLS bridge (C6): it terminates the
// client TLS session with a leaf certificate minted by the CA, opens its
// own outbound TLS session to the real host, and splices the two
// plaintext streams through the sniffer.
package mitm

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/roo-sniffer/roo-sniffer/internal/ca"
	"github.com/roo-sniffer/roo-sniffer/internal/sniffer"
	"github.com/roo-sniffer/roo-sniffer/pkg/types"
)

// Bridge performs TLS MITM interception of CONNECT tunnels; each call to
// Intercept handles one tunnel.
type Bridge struct {
	ca     *ca.CA
	dialer *Dialer
	keyLog *KeyLogWriter
	sink   types.Sink
	log    *logrus.Logger

	verbose bool
}

// NewBridge creates a Bridge. keyLog may be nil (key-log export disabled).
func NewBridge(caInstance *ca.CA, keyLog *KeyLogWriter, sink types.Sink, verbose bool, log *logrus.Logger) *Bridge {
	return &Bridge{
		ca:      caInstance,
		dialer:  NewDialer(),
		keyLog:  keyLog,
		sink:    sink,
		log:     log,
		verbose: verbose,
	}
}

// Intercept upgrades clientConn to a TLS server using a leaf certificate
// for targetHost, opens an outbound TLS client connection to
// targetHost:targetPort with certificate validation disabled, and splices
// the two plaintext streams through the sniffer. clientConn must already
// have received the "HTTP/1.1 200 Connection Established" acknowledgment.
func (b *Bridge) Intercept(clientConn net.Conn, targetHost string, targetPort int) error {
	serverAddr := fmt.Sprintf("%s:%d", targetHost, targetPort)

	serverTCPConn, err := b.dialer.Dial("tcp", serverAddr)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}
	defer serverTCPConn.Close()

	serverTLSConfig := &tls.Config{
		InsecureSkipVerify: true, // documented trade-off: §4.6
		ServerName:         targetHost,
		NextProtos:         []string{"http/1.1"},
	}
	if b.keyLog != nil {
		serverTLSConfig.KeyLogWriter = b.keyLog
	}

	serverConn := tls.Client(serverTCPConn, serverTLSConfig)
	if err := serverConn.Handshake(); err != nil {
		return fmt.Errorf("upstream tls handshake: %w", err)
	}
	defer serverConn.Close()

	leaf, err := b.ca.LeafFor(targetHost)
	if err != nil {
		return fmt.Errorf("mint leaf cert: %w", err)
	}

	clientTLSConfig := &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		NextProtos:   []string{"http/1.1"},
	}
	if b.keyLog != nil {
		clientTLSConfig.KeyLogWriter = b.keyLog
	}

	tlsClientConn := tls.Server(clientConn, clientTLSConfig)
	if err := tlsClientConn.Handshake(); err != nil {
		return fmt.Errorf("client tls handshake: %w", err)
	}
	defer tlsClientConn.Close()

	b.log.WithField("host", targetHost).Debug("mitm bridge established")

	parser := sniffer.NewParser(targetHost, true, b.verbose, b.sink)
	return parser.Forward(tlsClientConn, serverConn)
}
