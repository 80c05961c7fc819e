package stream

import (
	"sync"

	"github.com/sitequery/sitequery/internal/telemetry"
)

// Type tags a message on the caller-facing stream.
type Type string

const (
	TypeAnalysis    Type = "analysis"
	TypeRemember    Type = "remember"
	TypeAskingSites Type = "asking_sites"
	TypeResultBatch Type = "result_batch"
	TypeSummary     Type = "summary"
	TypeAnswer      Type = "answer"
	TypeComplete    Type = "complete"
	TypeError       Type = "error"
)

// Terminal reports whether t closes the stream. Error messages do not
// close it on their own: the writer follows them with a complete so
// consumers always see an explicit end of stream.
func (t Type) Terminal() bool { return t == TypeComplete }

// Message is one unit on the stream. Seq increases monotonically per
// query in submission order.
type Message struct {
	Seq     uint64      `json:"seq"`
	Type    Type        `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Emitter is the single writer of a query's message stream. Emit calls
// are serialized; consumers read from Messages(). After Cancel returns
// no further message is delivered.
type Emitter struct {
	mu         sync.Mutex
	seq        uint64
	ch         chan Message
	done       chan struct{}
	cancelOnce sync.Once
	cancelled  bool
	closed     bool
}

func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &Emitter{
		ch:   make(chan Message, buffer),
		done: make(chan struct{}),
	}
}

// Messages is the consumer side of the stream. The channel closes
// after a terminal message or Cancel.
func (e *Emitter) Messages() <-chan Message { return e.ch }

// Done closes when the stream is cancelled. Work feeding the emitter
// can select on it to stop early.
func (e *Emitter) Done() <-chan struct{} { return e.done }

// Emit delivers msg in submission order. It reports false when the
// stream has been cancelled or already terminated. Emitting a terminal
// type closes the stream after delivery.
func (e *Emitter) Emit(t Type, payload interface{}) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled || e.closed {
		return false
	}
	msg := Message{Seq: e.seq + 1, Type: t, Payload: payload}
	select {
	case e.ch <- msg:
	case <-e.done:
		return false
	}
	e.seq++
	telemetry.StreamMessages.WithLabelValues(string(t)).Inc()
	if t.Terminal() {
		e.closed = true
		close(e.ch)
	}
	return true
}

// Cancel stops the stream. Once it returns, no message will be
// delivered, including terminal ones. An Emit blocked on a full buffer
// is released without delivering.
func (e *Emitter) Cancel() {
	e.cancelOnce.Do(func() { close(e.done) })
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// Cancelled reports whether Cancel has been called.
func (e *Emitter) Cancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}
