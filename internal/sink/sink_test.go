package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roo-sniffer/roo-sniffer/pkg/types"
)

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestEmitWritesOneJSONLinePerCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	s, err := New(path, false, silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	record := types.NewRequestRecord("GET", "example.test", "/", false)
	s.Emit(record)
	record.AttachResponse(200, "")
	s.Emit(record)

	if s.RecordCount() != 2 {
		t.Errorf("RecordCount() = %d, want 2", s.RecordCount())
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if second["statusCode"].(float64) != 200 {
		t.Errorf("second line statusCode = %v, want 200", second["statusCode"])
	}
}

type fakeSubscriber struct {
	ch chan *types.RequestRecord
}

func (f *fakeSubscriber) Notify(record *types.RequestRecord) {
	f.ch <- record
}

func TestSubscribeReceivesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	s, err := New(path, false, silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	sub := &fakeSubscriber{ch: make(chan *types.RequestRecord, 4)}
	unsubscribe := s.Subscribe(sub, 16)
	defer unsubscribe()

	record := types.NewRequestRecord("GET", "example.test", "/", false)
	s.Emit(record)

	select {
	case got := <-sub.ch:
		if got.Host != "example.test" {
			t.Errorf("Host = %q, want %q", got.Host, "example.test")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive record")
	}
}

func TestSubscriptionDropsOldestWhenFull(t *testing.T) {
	blocker := make(chan struct{})
	sub := &blockingSubscriber{started: make(chan struct{}), unblock: blocker}
	entry := newSubscription(sub, 2)
	defer entry.stop()

	for i := 0; i < 5; i++ {
		entry.notify(types.NewRequestRecord("GET", "h", fmt.Sprintf("/%d", i), false))
	}

	<-sub.started
	close(blocker)

	time.Sleep(50 * time.Millisecond)
	entry.mu.Lock()
	bufLen := len(entry.buf)
	entry.mu.Unlock()
	if bufLen > 2 {
		t.Errorf("ring buffer grew beyond capacity: %d", bufLen)
	}

	// The first record taken blocks the subscriber; the two newest are
	// what the full buffer still holds when it unblocks.
	sub.mu.Lock()
	got := append([]string(nil), sub.paths...)
	sub.mu.Unlock()
	if len(got) < 2 || got[len(got)-2] != "/3" || got[len(got)-1] != "/4" {
		t.Errorf("delivered paths = %v, want the last two to be /3, /4", got)
	}
}

type blockingSubscriber struct {
	started chan struct{}
	unblock chan struct{}
	once    bool

	mu    sync.Mutex
	paths []string
}

func (b *blockingSubscriber) Notify(record *types.RequestRecord) {
	b.mu.Lock()
	b.paths = append(b.paths, record.Path)
	b.mu.Unlock()
	if !b.once {
		b.once = true
		close(b.started)
		<-b.unblock
	}
}
