package sink

import (
	"sync"

	"github.com/roo-sniffer/roo-sniffer/pkg/types"
)

// subscription delivers records to a types.Subscriber through a bounded
// ring buffer. When the buffer is full, the oldest unconsumed record is
// dropped to make room for the new one — never the other way around,
// since blocking the producer would stall the proxy path.
type subscription struct {
	sub types.Subscriber

	mu       sync.Mutex
	buf      []*types.RequestRecord
	capacity int

	wake chan struct{}
	done chan struct{}
}

func newSubscription(sub types.Subscriber, capacity int) *subscription {
	if capacity <= 0 {
		capacity = 64
	}
	s := &subscription{
		sub:      sub,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscription) notify(record *types.RequestRecord) {
	s.mu.Lock()
	if len(s.buf) >= s.capacity {
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, record)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			for {
				record := s.pop()
				if record == nil {
					break
				}
				s.sub.Notify(record)
			}
		}
	}
}

func (s *subscription) pop() *types.RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil
	}
	record := s.buf[0]
	s.buf = s.buf[1:]
	return record
}

func (s *subscription) stop() {
	close(s.done)
}
