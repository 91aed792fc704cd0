package event_test

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"pkt.systems/kvcoord/event"
)

func TestSinkDispatchOrder(t *testing.T) {
	var s event.Sink
	var got []string
	s.On(event.Change, func(ev event.Event) { got = append(got, "a:"+ev.Data.(string)) })
	s.On(event.Change, func(ev event.Event) { got = append(got, "b:"+ev.Data.(string)) })
	s.OnAny(func(ev event.Event) { got = append(got, "any:"+string(ev.Kind)) })
	s.On(event.End, func(event.Event) { got = append(got, "end") })

	s.Emit(event.Event{Kind: event.Change, Data: "x"})
	s.Emit(event.Event{Kind: event.End})

	want := []string{"a:x", "b:x", "any:change", "end", "any:end"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("dispatch order %v, want %v", got, want)
	}
}

func TestSinkRemove(t *testing.T) {
	var s event.Sink
	calls := 0
	remove := s.On(event.Error, func(ev event.Event) {
		if ev.Err == nil {
			t.Fatalf("expected error payload")
		}
		calls++
	})
	if s.Len(event.Error) != 1 {
		t.Fatalf("expected one handler")
	}
	s.Emit(event.Event{Kind: event.Error, Err: errors.New("boom")})
	remove()
	remove()
	s.Emit(event.Event{Kind: event.Error, Err: errors.New("boom")})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if s.Len(event.Error) != 0 {
		t.Fatalf("expected no handlers after remove")
	}
}

func TestSinkRemoveAll(t *testing.T) {
	var s event.Sink
	called := false
	s.On(event.Acquire, func(event.Event) { called = true })
	s.OnAny(func(event.Event) { called = true })
	s.RemoveAll()
	s.Emit(event.Event{Kind: event.Acquire})
	if called {
		t.Fatal("handlers must not run after RemoveAll")
	}
}

func TestSinkRegistrationDuringEmit(t *testing.T) {
	var s event.Sink
	late := 0
	s.On(event.Change, func(event.Event) {
		s.On(event.Change, func(event.Event) { late++ })
	})
	s.Emit(event.Event{Kind: event.Change})
	if late != 0 {
		t.Fatalf("handler registered during emit must not run in the same emit")
	}
	s.Emit(event.Event{Kind: event.Change})
	if late != 1 {
		t.Fatalf("expected late handler to run once, got %d", late)
	}
}

func TestSinkConcurrentRegistration(t *testing.T) {
	var s event.Sink
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			remove := s.On(event.Retry, func(event.Event) {})
			s.Emit(event.Event{Kind: event.Retry})
			remove()
		}()
	}
	wg.Wait()
	if s.Len(event.Retry) != 0 {
		t.Fatalf("expected all handlers removed, got %d", s.Len(event.Retry))
	}
}

func TestSinkRemoveEmptyKind(t *testing.T) {
	var s event.Sink
	var kinds, all int
	remove := s.On("", func(event.Event) { kinds++ })
	s.OnAny(func(event.Event) { all++ })
	s.Emit(event.Event{})
	remove()
	s.Emit(event.Event{})
	if kinds != 1 || all != 2 {
		t.Fatalf("kind handler calls %d (want 1), catch-all calls %d (want 2)", kinds, all)
	}
	if s.Len("") != 0 {
		t.Fatalf("handler for empty kind not removed")
	}
}
