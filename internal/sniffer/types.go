// Package sniffer implements the HTTP framing sniffer (C7): a
// hand-rolled, Content-Length-only HTTP/1.1 parser that observes the
// plaintext client-to-server stream of a MITM tunnel without gating the
// live forward-copy of bytes to the upstream.
package sniffer

// SSEEvent is one parsed Server-Sent-Events frame, used to derive a more
// legible response preview for text/event-stream responses.
type SSEEvent struct {
	Event string
	Data  string
	ID    string
	Retry int
	Raw   []byte
}
