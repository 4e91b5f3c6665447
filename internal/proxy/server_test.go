package proxy

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roo-sniffer/roo-sniffer/internal/ca"
	"github.com/roo-sniffer/roo-sniffer/internal/mitm"
	"github.com/roo-sniffer/roo-sniffer/internal/watch"
	"github.com/roo-sniffer/roo-sniffer/pkg/types"
)

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.PanicLevel)
	return l
}

type recordingSink struct {
	records []*types.RequestRecord
}

func (s *recordingSink) Emit(record *types.RequestRecord) {
	s.records = append(s.records, record)
}

func startTestServer(t *testing.T, watchDomains []string) (*Server, string) {
	t.Helper()

	log := silentLogger()
	config := types.Config{ListenPort: 0, WatchDomains: watchDomains}
	caInstance, err := ca.LoadOrInit(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}
	watcher := watch.NewMatcher(watchDomains)
	bridge := mitm.NewBridge(caInstance, nil, &recordingSink{}, false, log)
	srv := NewServer(config, bridge, watcher, &recordingSink{}, log)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.mu.Lock()
	srv.listener = listener
	srv.running = true
	srv.mu.Unlock()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			srv.wg.Add(1)
			go func() {
				defer srv.wg.Done()
				srv.handleConnection(conn)
			}()
		}
	}()

	t.Cleanup(srv.Stop)
	return srv, listener.Addr().String()
}

func TestPlainHTTPForwarding(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello from backend"))
	}))
	defer backend.Close()

	_, proxyAddr := startTestServer(t, nil)

	proxyURL, _ := url.Parse("http://" + proxyAddr)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Get(backend.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello from backend" {
		t.Errorf("body = %q", body)
	}
}

func TestProxyConnectionHeaderStripped(t *testing.T) {
	var gotProxyConnection string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotProxyConnection = r.Header.Get("Proxy-Connection")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	_, proxyAddr := startTestServer(t, nil)

	proxyURL, _ := url.Parse("http://" + proxyAddr)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	req, _ := http.NewRequest("GET", backend.URL, nil)
	req.Header.Set("Proxy-Connection", "keep-alive")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if gotProxyConnection != "" {
		t.Errorf("Proxy-Connection leaked to upstream: %q", gotProxyConnection)
	}
}

func TestPlainHTTPUpstreamUnreachableReturns502(t *testing.T) {
	_, proxyAddr := startTestServer(t, nil)

	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "GET http://127.0.0.1:1/ HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestConnectTunnelsUnwatchedHostOpaquely(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secret response"))
	}))
	defer backend.Close()

	cert := backend.TLS.Certificates[0]
	pool := x509.NewCertPool()
	pool.AddCert(cert.Leaf)

	_, proxyAddr := startTestServer(t, nil) // no watch domains: opaque tunnel only

	proxyURL, _ := url.Parse("http://" + proxyAddr)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}

	resp, err := client.Get(backend.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "secret response" {
		t.Errorf("body = %q", body)
	}
}

func TestResolveTargetAbsoluteForm(t *testing.T) {
	req, _ := http.NewRequest("GET", "http://example.test/path?q=1", nil)
	u, host, err := resolveTarget(req)
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if host != "example.test" {
		t.Errorf("host = %q", host)
	}
	if u.RequestURI() != "/path?q=1" {
		t.Errorf("RequestURI = %q", u.RequestURI())
	}
}

func TestPreviewOfTruncatesAndMarksBinary(t *testing.T) {
	if got := previewOf([]byte{0xff, 0xfe, 0x00}); got != "<binary>" {
		t.Errorf("previewOf(invalid utf8) = %q, want <binary>", got)
	}

	long := make([]byte, previewLimit+50)
	for i := range long {
		long[i] = 'a'
	}
	got := previewOf(long)
	if len(got) != previewLimit+3 {
		t.Errorf("truncated length = %d, want %d", len(got), previewLimit+3)
	}
}
