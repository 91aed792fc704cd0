// Package event implements the notification surface shared by watchers and
// locks. Handlers run synchronously on the goroutine that emits, in
// registration order.
package event

import (
	"sync"

	"pkt.systems/kvcoord/api"
)

// Kind names a notification channel.
type Kind string

const (
	Change  Kind = "change"
	Error   Kind = "error"
	Cancel  Kind = "cancel"
	End     Kind = "end"
	Acquire Kind = "acquire"
	Release Kind = "release"
	Retry   Kind = "retry"
)

// Event is a single notification. Data carries the payload for change and
// retry, Err the failure for error, and Response the transport metadata
// when one is available.
type Event struct {
	Kind     Kind
	Data     any
	Err      error
	Response *api.Response
}

// Handler receives events.
type Handler func(Event)

type entry struct {
	id uint64
	h  Handler
}

// Sink dispatches events to registered handlers. The zero value is ready to
// use and safe for concurrent registration.
type Sink struct {
	mu     sync.Mutex
	nextID uint64
	byKind map[Kind][]entry
	any    []entry
}

// On registers h for kind and returns a function that unregisters it.
func (s *Sink) On(kind Kind, h Handler) func() {
	if h == nil {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byKind == nil {
		s.byKind = make(map[Kind][]entry)
	}
	s.nextID++
	id := s.nextID
	s.byKind[kind] = append(s.byKind[kind], entry{id: id, h: h})
	return func() { s.remove(kind, id) }
}

// OnAny registers h for every kind.
func (s *Sink) OnAny(h Handler) func() {
	if h == nil {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.any = append(s.any, entry{id: id, h: h})
	return func() { s.removeAny(id) }
}

// Emit delivers ev to the handlers registered for ev.Kind, then to the
// catch-all handlers. Handlers registered or removed during delivery take
// effect from the next Emit.
func (s *Sink) Emit(ev Event) {
	s.mu.Lock()
	specific := append([]entry(nil), s.byKind[ev.Kind]...)
	all := append([]entry(nil), s.any...)
	s.mu.Unlock()
	for _, e := range specific {
		e.h(ev)
	}
	for _, e := range all {
		e.h(ev)
	}
}

// RemoveAll drops every handler.
func (s *Sink) RemoveAll() {
	s.mu.Lock()
	s.byKind = nil
	s.any = nil
	s.mu.Unlock()
}

// Len returns the number of handlers registered for kind, excluding
// catch-all handlers.
func (s *Sink) Len(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKind[kind])
}

func (s *Sink) remove(kind Kind, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := without(s.byKind[kind], id)
	if len(list) == 0 {
		delete(s.byKind, kind)
		return
	}
	s.byKind[kind] = list
}

func (s *Sink) removeAny(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.any = without(s.any, id)
}

func without(list []entry, id uint64) []entry {
	for i, e := range list {
		if e.id == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
