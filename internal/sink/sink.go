// Package sink implements the observation sink (C8): an append-only
// JSON-lines file writer, a terminal formatter, and a bounded drop-oldest
// fan-out to in-process subscribers. The file write and the terminal line
// happen synchronously in Emit; the proxy path never blocks waiting on a
// subscriber.
package sink

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/roo-sniffer/roo-sniffer/pkg/types"
)

// Sink implements types.Sink: it writes one compact JSON object per
// RequestRecord to logPath (flushed on every write), prints a colorized
// terminal line, and fans out to any registered subscribers.
type Sink struct {
	log *logrus.Logger

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder

	terminal *Terminal

	subsMu sync.Mutex
	subs   []*subscription

	records atomic.Int64
}

// New opens logPath in append mode (creating it and any parent directory
// if necessary) and returns a ready-to-use Sink.
func New(logPath string, verbose bool, log *logrus.Logger) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &Sink{
		log:      log,
		file:     file,
		enc:      json.NewEncoder(file),
		terminal: NewTerminal(os.Stdout, verbose),
	}, nil
}

// Emit writes rec to the JSONL file, prints it to the terminal, and fans
// it out to every subscriber. A log-file write failure is logged and
// otherwise swallowed: per spec, a SinkError never propagates to the
// proxy path.
func (s *Sink) Emit(record *types.RequestRecord) {
	snapshot := record.Snapshot()

	s.mu.Lock()
	err := s.enc.Encode(snapshot)
	if err == nil {
		err = s.file.Sync()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.WithError(err).Warn("sink: log file write failed")
	} else {
		s.records.Add(1)
	}

	s.terminal.Print(&snapshot)

	s.subsMu.Lock()
	subs := append([]*subscription(nil), s.subs...)
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.notify(&snapshot)
	}
}

// RecordCount returns the number of records successfully written to the
// log file.
func (s *Sink) RecordCount() int64 {
	return s.records.Load()
}

// Close flushes and closes the underlying log file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Subscribe registers a Subscriber behind a bounded drop-oldest ring
// buffer of the given capacity: if sub falls behind, the oldest
// unconsumed record for that subscriber is discarded rather than
// blocking the proxy path. Returns an unsubscribe function.
func (s *Sink) Subscribe(sub types.Subscriber, capacity int) (unsubscribe func()) {
	entry := newSubscription(sub, capacity)

	s.subsMu.Lock()
	s.subs = append(s.subs, entry)
	s.subsMu.Unlock()

	return func() {
		entry.stop()
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, e := range s.subs {
			if e == entry {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
	}
}
