// Package events carries non-authoritative progress notifications for a run:
// step messages, structured log entries and image previews.
package events

import (
	"context"
	"encoding/base64"
	"sync"
	"time"
)

type Kind string

const (
	KindStep   Kind = "step"
	KindLog    Kind = "log"
	KindImage  Kind = "image"
	KindResult Kind = "result"
)

// Event is one notification keyed by run id.
type Event struct {
	RunID       string    `json:"runId"`
	Kind        Kind      `json:"kind"`
	Type        string    `json:"type,omitempty"`
	Message     string    `json:"message,omitempty"`
	LogType     string    `json:"logType,omitempty"`
	Title       string    `json:"title,omitempty"`
	Content     string    `json:"content,omitempty"`
	ImageBase64 string    `json:"imageBase64,omitempty"`
	Time        time.Time `json:"time"`
}

// Publisher accepts events. Implementations must not block the caller.
type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// Nop discards everything.
var Nop Publisher = nopPublisher{}

// Hub fans events out to subscribers of a run. Slow subscribers lose events
// instead of stalling the run.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan Event]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[string]map[chan Event]struct{}), buffer: buffer}
}

// Subscribe returns a channel receiving events for runID and a function that
// detaches and closes it.
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	set, ok := h.subs[runID]
	if !ok {
		set = make(map[chan Event]struct{})
		h.subs[runID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[runID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, runID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[e.RunID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emitter publishes events for one run.
type Emitter struct {
	pub   Publisher
	runID string
	debug bool
}

func NewEmitter(pub Publisher, runID string, debug bool) *Emitter {
	if pub == nil {
		pub = Nop
	}
	return &Emitter{pub: pub, runID: runID, debug: debug}
}

func (e *Emitter) RunID() string { return e.runID }

// Debug reports whether verbose previews were requested for the run.
func (e *Emitter) Debug() bool { return e != nil && e.debug }

func (e *Emitter) Step(typ, message string) {
	if e == nil {
		return
	}
	e.pub.Publish(Event{RunID: e.runID, Kind: KindStep, Type: typ, Message: message, Time: time.Now()})
}

func (e *Emitter) Log(logType, title, content string) {
	if e == nil {
		return
	}
	e.pub.Publish(Event{RunID: e.runID, Kind: KindLog, LogType: logType, Title: title, Content: content, Time: time.Now()})
}

// Image publishes a PNG preview. Previews are only sent in debug runs.
func (e *Emitter) Image(title string, png []byte) {
	if !e.Debug() || len(png) == 0 {
		return
	}
	e.pub.Publish(Event{
		RunID:       e.runID,
		Kind:        KindImage,
		Title:       title,
		ImageBase64: base64.StdEncoding.EncodeToString(png),
		Time:        time.Now(),
	})
}

func (e *Emitter) Result(typ, message string) {
	if e == nil {
		return
	}
	e.pub.Publish(Event{RunID: e.runID, Kind: KindResult, Type: typ, Message: message, Time: time.Now()})
}

type ctxKey struct{}

// WithEmitter attaches e to ctx.
func WithEmitter(ctx context.Context, e *Emitter) context.Context {
	return context.WithValue(ctx, ctxKey{}, e)
}

// From returns the emitter attached to ctx, or nil. All Emitter methods are
// safe on a nil receiver.
func From(ctx context.Context) *Emitter {
	e, _ := ctx.Value(ctxKey{}).(*Emitter)
	return e
}
