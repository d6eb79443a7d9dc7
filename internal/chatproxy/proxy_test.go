package chatproxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/workspace/sandbox-executor/internal/sandboxerrors"
	"github.com/workspace/sandbox-executor/internal/sessionregistry"
)

type fakeRunner struct {
	events []Event
	delay  time.Duration
	block  bool // if true, Stream blocks on ctx.Done() instead of emitting events
}

func (f *fakeRunner) Stream(ctx context.Context, command string) (<-chan Event, error) {
	out := make(chan Event, len(f.events)+1)
	go func() {
		defer close(out)
		if f.block {
			<-ctx.Done()
			return
		}
		for _, ev := range f.events {
			if f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func newReadyRegistry(t *testing.T, id string) *sessionregistry.Registry {
	t.Helper()
	r := sessionregistry.New()
	if _, _, err := r.GetOrCreate(id, sessionregistry.Spec{}, func(*sessionregistry.Session) error { return nil }); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return r
}

func TestChatStream_EndsWithExactlyOneTerminalEvent(t *testing.T) {
	r := newReadyRegistry(t, "s1")
	runner := &fakeRunner{events: []Event{
		{Type: EventTextDelta, Text: "he"},
		{Type: EventTextDelta, Text: "llo"},
		{Type: EventResult, Result: &TurnResult{DurationMS: 5}},
	}}
	p := New(r, func(string) (TurnRunner, error) { return runner, nil }, time.Second, time.Second)

	stream, err := p.ChatStream(context.Background(), "s1", "hi", "")
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var events []Event
	for ev := range stream {
		events = append(events, ev)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	last := events[len(events)-1]
	if last.Type != EventResult {
		t.Fatalf("expected terminal event to be result, got %s", last.Type)
	}
	for _, ev := range events[:len(events)-1] {
		if isTerminal(ev.Type) {
			t.Fatalf("unexpected terminal event before the end: %+v", ev)
		}
	}
}

func TestChatStream_OrdinalsAreMonotonic(t *testing.T) {
	r := newReadyRegistry(t, "s1")
	runner := &fakeRunner{events: []Event{
		{Type: EventTextDelta, Text: "a"},
		{Type: EventTextDelta, Text: "b"},
		{Type: EventResult, Result: &TurnResult{}},
	}}
	p := New(r, func(string) (TurnRunner, error) { return runner, nil }, time.Second, time.Second)

	stream, err := p.ChatStream(context.Background(), "s1", "hi", "")
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	ordinal := -1
	for ev := range stream {
		if ev.Ordinal <= ordinal {
			t.Fatalf("expected strictly increasing ordinals, got %d after %d", ev.Ordinal, ordinal)
		}
		ordinal = ev.Ordinal
	}
}

func TestChatStream_UpstreamClosedWithoutTerminalEmitsError(t *testing.T) {
	r := newReadyRegistry(t, "s1")
	runner := &fakeRunner{events: []Event{{Type: EventTextDelta, Text: "a"}}}
	p := New(r, func(string) (TurnRunner, error) { return runner, nil }, time.Second, time.Second)

	stream, err := p.ChatStream(context.Background(), "s1", "hi", "")
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var last Event
	for ev := range stream {
		last = ev
	}
	if last.Type != EventError {
		t.Fatalf("expected a synthetic error terminal event, got %s", last.Type)
	}
}

func TestChatStream_ConcurrentTurnsFailFast(t *testing.T) {
	r := newReadyRegistry(t, "s1")
	runner := &fakeRunner{events: []Event{{Type: EventResult}}, delay: 50 * time.Millisecond}
	p := New(r, func(string) (TurnRunner, error) { return runner, nil }, time.Second, time.Second)

	_, err := p.ChatStream(context.Background(), "s1", "first", "")
	if err != nil {
		t.Fatalf("first ChatStream: %v", err)
	}

	if _, err := p.ChatStream(context.Background(), "s1", "second", ""); !errors.Is(err, sandboxerrors.ErrBusy) {
		t.Fatalf("expected ErrBusy for a concurrent turn on the same session, got %v", err)
	}
}

func TestInterrupt_EmitsInterruptedWithinBoundedTime(t *testing.T) {
	r := newReadyRegistry(t, "s1")
	runner := &fakeRunner{block: true}
	p := New(r, func(string) (TurnRunner, error) { return runner, nil }, time.Hour, time.Hour)

	stream, err := p.ChatStream(context.Background(), "s1", "long task", "")
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if err := p.Interrupt("s1"); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	deadline := time.After(2 * time.Second)
	var last Event
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				goto done
			}
			last = ev
		case <-deadline:
			t.Fatal("expected a terminal event within 2s of interrupt")
		}
	}
done:
	if last.Type != EventInterrupted {
		t.Fatalf("expected interrupted terminal event, got %s", last.Type)
	}
}

func TestChatStream_TimeoutEmitsErrorNotInterrupted(t *testing.T) {
	r := newReadyRegistry(t, "s1")
	runner := &fakeRunner{block: true}
	p := New(r, func(string) (TurnRunner, error) { return runner, nil }, 10*time.Millisecond, time.Hour)

	stream, err := p.ChatStream(context.Background(), "s1", "long task", "")
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var last Event
	for ev := range stream {
		last = ev
	}
	if last.Type != EventError || last.Text != "timeout" {
		t.Fatalf("expected timeout error event, got %+v", last)
	}
}

func TestChatStream_UnknownSessionFails(t *testing.T) {
	r := sessionregistry.New()
	p := New(r, func(string) (TurnRunner, error) { return nil, sandboxerrors.ErrNotFound }, time.Second, time.Second)

	if _, err := p.ChatStream(context.Background(), "nope", "hi", ""); !errors.Is(err, sandboxerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChat_CollectsAllEvents(t *testing.T) {
	r := newReadyRegistry(t, "s1")
	runner := &fakeRunner{events: []Event{
		{Type: EventText, Text: "hello"},
		{Type: EventResult, Result: &TurnResult{DurationMS: 1}},
	}}
	p := New(r, func(string) (TurnRunner, error) { return runner, nil }, time.Second, time.Second)

	events, err := p.Chat(context.Background(), "s1", "hi", "")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 collected events, got %d", len(events))
	}
}

func TestDispatch_RoutesByTaskTag(t *testing.T) {
	cases := []struct {
		tag    TaskTag
		prompt string
		want   string
	}{
		{TaskDecomposePRD, "/tmp/prd.md", "/decompose-prd /tmp/prd.md"},
		{TaskAnalyzePRD, "--module foo", "/analyze-module --module foo"},
		{TaskChangePRD, "make it shorter", "/modify-prd make it shorter"},
		{TaskConfirmPRD, "", "/confirm-prd-edits"},
		{"chat", "hello there", "hello there"},
	}
	for _, c := range cases {
		if got := dispatch(c.tag, c.prompt); got != c.want {
			t.Errorf("dispatch(%q, %q) = %q, want %q", c.tag, c.prompt, got, c.want)
		}
	}
}
