// Package proxy implements the listener & dispatcher (C1), the
// plain-HTTP forwarder (C2), and the opaque TCP tunneler (C4).
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/roo-sniffer/roo-sniffer/internal/mitm"
	"github.com/roo-sniffer/roo-sniffer/internal/watch"
	"github.com/roo-sniffer/roo-sniffer/pkg/types"
)

const previewLimit = 500

// Server is the proxy's listener and dispatcher. One Server binds one
// TCP port and serves both plain-HTTP forwarding and CONNECT tunneling.
type Server struct {
	config  types.Config
	sink    types.Sink
	bridge  *mitm.Bridge
	watcher *watch.Matcher
	log     *logrus.Logger

	listener net.Listener

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewServer wires together a Server ready to Start.
func NewServer(config types.Config, bridge *mitm.Bridge, watcher *watch.Matcher, sink types.Sink, log *logrus.Logger) *Server {
	return &Server{
		config:   config,
		sink:     sink,
		bridge:   bridge,
		watcher:  watcher,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

// Start binds the listen port and serves until Stop is called. Returns a
// PortInUse-flavored error on bind failure; that error is fatal at
// startup per spec.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("proxy: already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("0.0.0.0:%d", s.config.ListenPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.log.WithField("addr", addr).Info("proxy listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				s.wg.Wait()
				return nil
			default:
				s.log.WithError(err).Warn("accept failed")
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Addr returns the listener's bound address. Only meaningful after Start
// has begun listening; primarily useful in tests that bind port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener, which unblocks Start's accept loop; Start
// then waits for in-flight connections to close on their own before it
// returns. Stop itself returns without waiting and does not close
// in-flight connections. Per spec, shutdown is cooperative: closing one
// side of a splice closes the other.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	if s.listener != nil {
		s.listener.Close()
	}
}

// handleConnection implements the dispatcher (C1): read the first
// request line + headers, then dispatch to the CONNECT path or the
// plain-HTTP path.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		if err != io.EOF {
			conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
			s.log.WithError(err).Debug("malformed request")
		}
		return
	}

	if req.Method == http.MethodConnect {
		s.handleConnect(conn, req)
		return
	}
	s.handlePlainRequest(conn, req)
}

// handleConnect implements C3 (watch matcher) dispatch between C4
// (opaque tunnel) and C6 (MITM bridge) for a CONNECT request.
func (s *Server) handleConnect(conn net.Conn, req *http.Request) {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}

	targetHost, targetPortStr, err := net.SplitHostPort(host)
	if err != nil {
		targetHost, targetPortStr = host, "443"
	}
	targetPort, err := strconv.Atoi(targetPortStr)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return
	}

	watched := s.watcher.Matches(targetHost)

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	record := types.NewRequestRecord("CONNECT", strings.ToLower(targetHost), fmt.Sprintf(":%d", targetPort), watched)
	s.sink.Emit(record)

	if !watched {
		s.tunnelOpaque(conn, targetHost, targetPort)
		return
	}

	if err := s.bridge.Intercept(conn, targetHost, targetPort); err != nil {
		if !isConnectionClosed(err) {
			s.log.WithError(err).WithField("host", targetHost).Warn("mitm bridge failed")
		}
	}
}

// tunnelOpaque implements C4: full-duplex byte splice, no parsing. An
// upstream connect failure closes the client socket without an HTTP
// error — the client has already seen 200.
func (s *Server) tunnelOpaque(client net.Conn, targetHost string, targetPort int) {
	addr := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))
	upstream, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		s.log.WithError(err).WithField("host", targetHost).Debug("tunnel upstream dial failed")
		return
	}
	defer upstream.Close()

	splice(client, upstream)
}

// splice performs a full-duplex byte copy between a and b until either
// direction closes, then closes the other.
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(b, a)
		closeWrite(b)
	}()
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		closeWrite(a)
	}()

	wg.Wait()
}

// handlePlainRequest implements C2: parse the target, strip
// proxy-connection, buffer the body, forward to the upstream, stream the
// response back, and emit a two-phase RequestRecord.
func (s *Server) handlePlainRequest(clientConn net.Conn, req *http.Request) {
	targetURL, host, err := resolveTarget(req)
	if err != nil {
		clientConn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return
	}

	req.Header.Del("Proxy-Connection")

	body, err := io.ReadAll(req.Body)
	if err != nil {
		clientConn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return
	}

	watched := s.watcher.Matches(host)
	record := types.NewRequestRecord(req.Method, host, targetURL.RequestURI(), watched)
	if s.config.Verbose {
		record.SetHeaders(flattenHeaders(req.Header))
	}
	if watched && len(body) > 0 && isBodyCapturingMethod(req.Method) {
		record.SetBodyPreview(previewOf(body))
	}
	s.sink.Emit(record)

	addr := targetURL.Host
	if targetURL.Port() == "" {
		addr = net.JoinHostPort(targetURL.Hostname(), "80")
	}
	upstream, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer upstream.Close()

	outgoing := req.Clone(req.Context())
	outgoing.URL = targetURL
	outgoing.RequestURI = ""
	outgoing.Body = io.NopCloser(strings.NewReader(string(body)))
	outgoing.ContentLength = int64(len(body))

	if err := outgoing.Write(upstream); err != nil {
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstream), req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	var respBody []byte
	var preview string
	if watched && s.config.Verbose {
		respBody, _ = io.ReadAll(io.LimitReader(resp.Body, previewLimit+1))
		preview = previewOf(respBody)
		resp.Body = io.NopCloser(io.MultiReader(strings.NewReader(string(respBody)), resp.Body))
	}

	record.AttachResponse(resp.StatusCode, preview)
	s.sink.Emit(record)

	resp.Write(clientConn)
}

// resolveTarget composes the upstream URL per §4.2: absolute-form
// request-targets are used as-is, origin-form falls back to the Host
// header.
func resolveTarget(req *http.Request) (*url.URL, string, error) {
	if req.URL.IsAbs() {
		return req.URL, strings.ToLower(req.URL.Hostname()), nil
	}

	if req.Host == "" {
		return nil, "", fmt.Errorf("no host")
	}

	composed, err := url.Parse("http://" + req.Host + req.URL.RequestURI())
	if err != nil {
		return nil, "", err
	}
	return composed, strings.ToLower(composed.Hostname()), nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		out[strings.ToLower(name)] = values[0]
	}
	return out
}

func isBodyCapturingMethod(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	default:
		return false
	}
}

func previewOf(body []byte) string {
	if !utf8.Valid(body) {
		return "<binary>"
	}
	if len(body) <= previewLimit {
		return string(body)
	}
	return string(body[:previewLimit]) + "..."
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	conn.Close()
}

func isConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe") ||
		errors.Is(err, io.EOF)
}
