// SPDX-License-Identifier: MIT

// Package notify fans recording and upload events out to local listeners
// such as the SSE endpoint.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/scriptglance/recorder/internal/domain/recordings/model"
	"github.com/scriptglance/recorder/internal/log"
	"github.com/scriptglance/recorder/internal/metrics"
)

// Kind names an event.
type Kind string

const (
	KindRecordingStarted     Kind = "recording.started"
	KindRecordingStopped     Kind = "recording.stopped"
	KindRecordingAutoStopped Kind = "recording.auto_stopped"
	KindRecordingState       Kind = "recording.state"
	KindChunkStored          Kind = "recording.chunk_stored"
	KindError                Kind = "error"
	KindUploadStatus         Kind = "upload.status"
)

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Seq     uint64                `json:"seq"`
	Kind    Kind                  `json:"kind"`
	At      time.Time             `json:"at"`
	VideoID string                `json:"video_id,omitempty"`
	Reason  string                `json:"reason,omitempty"`
	State   string                `json:"state,omitempty"`
	Message string                `json:"message,omitempty"`
	Chunk   *model.Chunk          `json:"chunk,omitempty"`
	Upload  *model.UploadingVideo `json:"upload,omitempty"`
}

const (
	defaultBuffer = 32
	dropLogEvery  = 100
)

// Bus is an in-memory broadcast bus. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	seq    atomic.Uint64
	drops  atomic.Uint64
	now    func() time.Time
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{}), now: time.Now}
}

// Subscription receives events until Close.
type Subscription struct {
	b    *Bus
	ch   chan Event
	once sync.Once
}

// C is closed when the subscription or the bus is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.subs[s]; ok {
		delete(s.b.subs, s)
		s.closeChan()
		metrics.SetEventSubscribers(len(s.b.subs))
	}
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe registers a listener with the given buffer size (0 means the
// default).
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &Subscription{b: b, ch: make(chan Event, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeChan()
		return s
	}
	b.subs[s] = struct{}{}
	metrics.SetEventSubscribers(len(b.subs))
	return s
}

// Publish stamps and broadcasts an event.
func (b *Bus) Publish(ev Event) Event {
	ev.Seq = b.seq.Add(1)
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			metrics.NotificationDropped()
			if n := b.drops.Add(1); n%dropLogEvery == 1 {
				l := log.WithComponent("notify")
				l.Warn().
					Str(log.FieldEvent, "notify.dropped").
					Str("kind", string(ev.Kind)).
					Uint64("dropped", n).
					Msg("slow subscriber missed events")
			}
		}
	}
	return ev
}

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are dropped silently.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.closeChan()
	}
	metrics.SetEventSubscribers(0)
}
