package sniffer

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/roo-sniffer/roo-sniffer/pkg/types"
)

const previewLimit = 500

// frameState is the per-direction request parsing state.
type frameState int

const (
	readingHeaders frameState = iota
	readingBody
)

// Parser implements the HTTP framing sniffer (C7): it mirrors the
// client-to-server byte stream of a MITM tunnel to an async parsing
// goroutine via io.Pipe+io.TeeReader, so parsing never gates the live
// forward-copy of bytes to the upstream. The server-to-client direction
// is scanned the same way, best-effort, only far enough to recover a
// status line and an optional response preview.
type Parser struct {
	host    string
	watched bool
	verbose bool
	sink    types.Sink

	pending chan *types.RequestRecord
}

// NewParser creates a sniffer bound to one MITM tunnel's hostname.
func NewParser(host string, watched, verbose bool, sink types.Sink) *Parser {
	return &Parser{
		host:    host,
		watched: watched,
		verbose: verbose,
		sink:    sink,
		pending: make(chan *types.RequestRecord, 256),
	}
}

// Forward performs bidirectional forwarding between client and server
// while mirroring the client->server direction through the request
// parser and the server->client direction through the response scanner.
func (p *Parser) Forward(client, server net.Conn) error {
	var wg sync.WaitGroup
	wg.Add(2)

	errC2S := make(chan error, 1)
	errS2C := make(chan error, 1)

	go func() {
		defer wg.Done()
		errC2S <- p.pipeWithMirror(server, client, p.parseRequestStream)
		closeWrite(server)
	}()

	go func() {
		defer wg.Done()
		errS2C <- p.pipeWithMirror(client, server, p.parseResponseStream)
		closeWrite(client)
	}()

	wg.Wait()
	close(p.pending)

	if err := <-errC2S; err != nil && err != io.EOF {
		return err
	}
	if err := <-errS2C; err != nil && err != io.EOF {
		return err
	}
	return nil
}

// pipeWithMirror copies src to dst (the live, client-driven path) while
// tee-ing every byte read to a pipe consumed by parse in a side goroutine.
func (p *Parser) pipeWithMirror(dst io.Writer, src io.Reader, parse func(io.Reader)) error {
	pr, pw := io.Pipe()
	tee := io.TeeReader(src, pw)

	parserDone := make(chan struct{})
	go func() {
		defer close(parserDone)
		parse(pr)
		io.Copy(io.Discard, pr)
	}()

	_, err := io.Copy(dst, tee)
	pw.Close()
	<-parserDone

	return err
}

// parseRequestStream implements the ReadingHeaders/ReadingBody state
// machine described by the framing sniffer: accumulate bytes, locate
// "\r\n\r\n", parse the request line and headers, wait for
// Content-Length bytes, emit a RequestRecord, and continue scanning the
// remainder of the buffer (keep-alive / pipelining).
func (p *Parser) parseRequestStream(r io.Reader) {
	var buf []byte
	tmp := make([]byte, 8192)
	state := readingHeaders

	var method, path string
	var headers map[string]string
	var clRemaining int
	var bodyStart int

	for {
		n, err := r.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)

			for {
				switch state {
				case readingHeaders:
					idx := bytes.Index(buf, []byte("\r\n\r\n"))
					if idx == -1 {
						goto needMore
					}
					headerBlock := buf[:idx]
					method, path, headers = parseHeaderBlock(headerBlock)
					clRemaining = contentLength(headers)
					bodyStart = idx + 4
					buf = buf[bodyStart:]
					state = readingBody

				case readingBody:
					if len(buf) < clRemaining {
						goto needMore
					}
					body := buf[:clRemaining]
					buf = buf[clRemaining:]

					record := types.NewRequestRecord(method, p.host, path, p.watched)
					if p.verbose {
						record.SetHeaders(headers)
					}
					if p.watched && len(body) > 0 && isBodyCapturingMethod(method) {
						record.SetBodyPreview(previewOf(body))
					}
					p.sink.Emit(record)
					select {
					case p.pending <- record:
					default:
					}

					state = readingHeaders
				}
			}
		needMore:
		}
		if err != nil {
			return
		}
	}
}

// parseResponseStream scans the upstream-to-client direction only far
// enough to recover a status line and an optional response preview. A
// response with no Content-Length (chunked or close-delimited framing,
// neither of which this sniffer reassembles) is attached with no body
// preview, and the rest of the stream is drained without further
// framing: re-scanning chunked body bytes for "\r\n\r\n" would desync
// the header/body state machine for the remainder of the tunnel.
func (p *Parser) parseResponseStream(r io.Reader) {
	var buf []byte
	tmp := make([]byte, 8192)
	state := readingHeaders

	var statusCode int
	var headers map[string]string
	var clRemaining int

	for {
		n, err := r.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)

			for {
				switch state {
				case readingHeaders:
					idx := bytes.Index(buf, []byte("\r\n\r\n"))
					if idx == -1 {
						goto needMore
					}
					headerBlock := buf[:idx]
					statusCode, headers = parseStatusBlock(headerBlock)
					buf = buf[idx+4:]

					length, ok := contentLengthIfPresent(headers)
					if !ok {
						p.attachResponse(statusCode, "")
						p.drainRemaining(r, buf)
						return
					}
					clRemaining = length
					state = readingBody

				case readingBody:
					if len(buf) < clRemaining {
						goto needMore
					}
					body := buf[:clRemaining]
					buf = buf[clRemaining:]

					preview := ""
					if p.verbose && p.watched {
						preview = p.responsePreview(body, headers)
					}
					p.attachResponse(statusCode, preview)

					state = readingHeaders
				}
			}
		needMore:
		}
		if err != nil {
			return
		}
	}
}

// attachResponse pulls the oldest pending request record, if any, and
// attaches the response half to it. The receive is non-blocking: if no
// record is pending, the response is dropped rather than blocking this
// goroutine. Blocking here would stall pipeWithMirror's drain and
// Forward's wg.Wait, leaking the goroutine and both TLS connections.
func (p *Parser) attachResponse(statusCode int, preview string) {
	select {
	case record, ok := <-p.pending:
		if ok {
			record.AttachResponse(statusCode, preview)
			p.sink.Emit(record)
		}
	default:
	}
}

// drainRemaining discards the rest of r, including any bytes already
// buffered, once response framing can no longer be trusted.
func (p *Parser) drainRemaining(r io.Reader, buffered []byte) {
	io.Copy(io.Discard, io.MultiReader(bytes.NewReader(buffered), r))
}

// responsePreview produces the verbose+watched response preview: for
// text/event-stream bodies it extracts the first SSE event's data
// payload instead of raw framing noise; otherwise it content-decodes and
// truncates like any other preview.
func (p *Parser) responsePreview(body []byte, headers map[string]string) string {
	h := toHTTPHeader(headers)
	decoded := decodeBody(body, h)

	if isSSE(h) {
		parser := NewSSEParser(bytes.NewReader(decoded))
		if event, err := parser.Next(); err == nil {
			return previewOf([]byte(event.Data))
		}
		return ""
	}

	return previewOf(decoded)
}

// parseHeaderBlock parses "METHOD SP TARGET SP VERSION\r\n<headers>"
// into a method, a request-target, and a lowercased header map. A
// malformed request line (fewer than 3 space-separated tokens) yields
// method "UNKNOWN" and path "/" rather than being dropped.
func parseHeaderBlock(block []byte) (method, path string, headers map[string]string) {
	lines := strings.Split(string(block), "\r\n")
	if len(lines) == 0 {
		return "UNKNOWN", "/", map[string]string{}
	}

	fields := strings.Fields(lines[0])
	if len(fields) < 3 {
		method, path = "UNKNOWN", "/"
	} else {
		method, path = fields[0], fields[1]
	}

	headers = make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return method, path, headers
}

// parseStatusBlock parses "VERSION SP CODE SP REASON\r\n<headers>".
func parseStatusBlock(block []byte) (statusCode int, headers map[string]string) {
	lines := strings.Split(string(block), "\r\n")
	if len(lines) == 0 {
		return 0, map[string]string{}
	}

	fields := strings.Fields(lines[0])
	if len(fields) >= 2 {
		statusCode, _ = strconv.Atoi(fields[1])
	}

	headers = make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return statusCode, headers
}

func contentLength(headers map[string]string) int {
	v, ok := headers["content-length"]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// contentLengthIfPresent distinguishes a genuinely absent Content-Length
// (chunked or close-delimited framing) from a present "0", which
// contentLength cannot: both would otherwise report length 0.
func contentLengthIfPresent(headers map[string]string) (int, bool) {
	v, ok := headers["content-length"]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func isBodyCapturingMethod(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	default:
		return false
	}
}

// previewOf truncates body to 500 UTF-8 bytes with a trailing "..."
// indicator, or returns the literal "<binary>" if body is not valid
// UTF-8.
func previewOf(body []byte) string {
	if !utf8.Valid(body) {
		return "<binary>"
	}
	if len(body) <= previewLimit {
		return string(body)
	}
	return string(body[:previewLimit]) + "..."
}

func toHTTPHeader(headers map[string]string) http.Header {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return h
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}
