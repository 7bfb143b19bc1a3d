// Package events implements the one-to-many event stream served as
// Server-Sent Events. Listeners only see events published while they are
// connected; nothing is buffered for late joiners.
package events

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/duckap/internal/domain"
	"github.com/koltyakov/duckap/internal/metrics"
)

// HelloPayload is sent to every new listener right after it connects.
const HelloPayload = "hello!"

// DefaultRetry is the reconnect interval advertised to listeners.
const DefaultRetry = time.Second

const subscriberBuffer = 16

type subscriber struct {
	remote string
	ch     chan domain.Event
	done   chan struct{}
}

// Broker fans events out to connected listeners.
type Broker struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	retry   time.Duration
	now     func() time.Time

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

func NewBroker(logger *slog.Logger, m *metrics.Metrics) *Broker {
	return &Broker{
		log:         logger,
		metrics:     m,
		retry:       DefaultRetry,
		now:         time.Now,
		subscribers: map[*subscriber]struct{}{},
	}
}

// ServeHTTP streams events to one listener until it disconnects or the
// broker is closed.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s := &subscriber{
		remote: r.RemoteAddr,
		ch:     make(chan domain.Event, subscriberBuffer),
		done:   make(chan struct{}),
	}
	if !b.subscribe(s) {
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}
	defer b.unsubscribe(s)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	b.log.Debug("event listener connected", "remote", s.remote)
	if _, err := fmt.Fprintf(w, "retry: %d\nid: %d\n%s\n", b.retry.Milliseconds(), b.now().UnixMilli(), dataLines(HelloPayload)); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case ev := <-s.ch:
			if _, err := w.Write(encode(ev)); err != nil {
				b.log.Debug("event listener write failed", "remote", s.remote, "err", err)
				return
			}
			flusher.Flush()
		case <-s.done:
			return
		case <-r.Context().Done():
			b.log.Debug("event listener disconnected", "remote", s.remote)
			return
		}
	}
}

// Publish pushes an event to every connected listener without blocking. A
// listener whose buffer is full misses the event.
func (b *Broker) Publish(label, payload string) {
	ev := domain.Event{Label: label, Payload: payload}
	b.metrics.EventPublished(label)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.ch <- ev:
		default:
			b.metrics.EventDropped()
			b.log.Warn("event listener too slow, dropping event", "remote", s.remote, "label", label)
		}
	}
}

// Listeners reports how many listeners are connected.
func (b *Broker) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close disconnects every listener and refuses new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subscribers {
		close(s.done)
	}
}

func (b *Broker) subscribe(s *subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.subscribers[s] = struct{}{}
	b.metrics.ListenersChanged(1)
	return true
}

func (b *Broker) unsubscribe(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[s]; ok {
		delete(b.subscribers, s)
		b.metrics.ListenersChanged(-1)
	}
}

func encode(ev domain.Event) []byte {
	var sb strings.Builder
	if ev.Label != "" {
		sb.WriteString("event: ")
		sb.WriteString(ev.Label)
		sb.WriteByte('\n')
	}
	sb.WriteString(dataLines(ev.Payload))
	sb.WriteByte('\n')
	return []byte(sb.String())
}

func dataLines(payload string) string {
	payload = strings.TrimRight(strings.ReplaceAll(payload, "\r\n", "\n"), "\n")
	var sb strings.Builder
	for _, line := range strings.Split(payload, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}
