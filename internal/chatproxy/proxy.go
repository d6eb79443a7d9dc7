package chatproxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/workspace/sandbox-executor/internal/sandboxerrors"
	"github.com/workspace/sandbox-executor/internal/sessionregistry"
)

// TurnRunner is implemented by whatever backend actually drives a single
// turn — the sandbox backend talks to the container's agent API over HTTP,
// the legacy local backend (internal/localexec) talks to an in-process ACP
// subprocess. The proxy is agnostic to which.
type TurnRunner interface {
	// Stream starts one turn and returns a channel of events ending in
	// exactly one terminal event (result, error, or interrupted). The
	// channel is closed after the terminal event. ctx cancellation must
	// cause a terminal "interrupted"/"error" event within a bounded time.
	Stream(ctx context.Context, command string) (<-chan Event, error)
}

// Resolver looks up the TurnRunner bound to a ready session.
type Resolver func(sessionID string) (TurnRunner, error)

// Proxy is the Chat Proxy (C5): the concurrency core translating edge chat
// requests into backend turns and enforcing the ordering/cancellation
// contract of SPEC_FULL.md §4.5.
type Proxy struct {
	registry       *sessionregistry.Registry
	resolve        Resolver
	streamTimeout  time.Duration
	requestTimeout time.Duration
}

// New constructs a Proxy. streamTimeout bounds a full chat_stream turn;
// requestTimeout bounds a non-streaming chat call and is expected to be
// shorter.
func New(registry *sessionregistry.Registry, resolve Resolver, streamTimeout, requestTimeout time.Duration) *Proxy {
	return &Proxy{
		registry:       registry,
		resolve:        resolve,
		streamTimeout:  streamTimeout,
		requestTimeout: requestTimeout,
	}
}

// ChatStream starts a streaming turn. Concurrent turns on the same session
// fail fast with sandboxerrors.ErrBusy, per the policy decided in
// SPEC_FULL.md §9.
func (p *Proxy) ChatStream(ctx context.Context, sessionID, prompt string, tag TaskTag) (<-chan Event, error) {
	runner, err := p.resolve(sessionID)
	if err != nil {
		return nil, err
	}

	turnCtx, cancel := context.WithTimeout(ctx, p.streamTimeout)
	release, err := p.registry.AcquireTurn(sessionID, cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	_ = p.registry.Touch(sessionID)

	command := dispatch(tag, prompt)
	upstream, err := runner.Stream(turnCtx, command)
	if err != nil {
		cancel()
		release()
		return nil, fmt.Errorf("%w: %v", sandboxerrors.ErrUpstream, err)
	}

	out := make(chan Event, 8)
	go p.pump(turnCtx, cancel, release, upstream, out)
	return out, nil
}

// pump relays upstream events to out, stamping ordinals, guaranteeing
// exactly one terminal event is emitted even if the upstream channel closes
// without one or the context is cancelled/times out first.
func (p *Proxy) pump(ctx context.Context, cancel context.CancelFunc, release func(), upstream <-chan Event, out chan<- Event) {
	defer close(out)
	defer release()
	defer cancel()

	ordinal := 0
	terminal := false

	for {
		select {
		case ev, ok := <-upstream:
			if !ok {
				if !terminal {
					out <- Event{Type: EventError, Text: "upstream closed without a terminal event", Ordinal: ordinal}
				}
				return
			}
			ev.Ordinal = ordinal
			ordinal++
			out <- ev
			if isTerminal(ev.Type) {
				terminal = true
				return
			}
		case <-ctx.Done():
			if !terminal {
				reason := "interrupted"
				evType := EventInterrupted
				if ctx.Err() == context.DeadlineExceeded {
					reason = "timeout"
					evType = EventError
				}
				out <- Event{Type: evType, Text: reason, Ordinal: ordinal}
			}
			return
		}
	}
}

func isTerminal(t EventType) bool {
	return t == EventResult || t == EventError || t == EventInterrupted
}

// Chat collects all events of a blocking turn and returns them; used only
// for short operations per SPEC_FULL.md §4.5.
func (p *Proxy) Chat(ctx context.Context, sessionID, prompt string, tag TaskTag) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	stream, err := p.ChatStream(ctx, sessionID, prompt, tag)
	if err != nil {
		return nil, err
	}

	var events []Event
	for ev := range stream {
		events = append(events, ev)
	}
	return events, nil
}

// Interrupt signals cancellation of an in-flight turn on a session. A no-op
// if there is no in-flight turn.
func (p *Proxy) Interrupt(sessionID string) error {
	slog.Info("chat turn interrupted", "session_id", sessionID)
	return p.registry.Interrupt(sessionID)
}
