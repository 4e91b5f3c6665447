package sniffer

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// decodeBody wraps body with a decoder for each Content-Encoding token on
// headers, in order, so a response preview is legible instead of
// compressed garbage. Best-effort: if an encoding fails to decode, the
// original bytes are returned.
func decodeBody(body []byte, headers http.Header) []byte {
	encodings := parseContentEncoding(headers.Get("Content-Encoding"))
	if len(encodings) == 0 {
		return body
	}

	var r io.Reader = bytes.NewReader(body)
	for _, encoding := range encodings {
		switch strings.ToLower(strings.TrimSpace(encoding)) {
		case "gzip", "x-gzip":
			gr, err := gzip.NewReader(r)
			if err != nil {
				return body
			}
			r = gr
		case "deflate":
			r = flate.NewReader(r)
		case "br":
			r = brotli.NewReader(r)
		}
	}

	decoded, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil && len(decoded) == 0 {
		return body
	}
	return decoded
}

// parseContentEncoding parses a Content-Encoding header value, e.g.
// "gzip, br" -> ["gzip", "br"].
func parseContentEncoding(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" && p != "identity" {
			result = append(result, p)
		}
	}
	return result
}

func isSSE(headers http.Header) bool {
	return strings.Contains(headers.Get("Content-Type"), "text/event-stream")
}
