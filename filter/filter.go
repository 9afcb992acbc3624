// Package filter provides composable channel middleware for sessionrun
// event streams. Consumers wrap a Subscription's Events() channel with
// these functions to select the event granularity they need.
package filter

import (
	"context"
	"strings"

	"github.com/opforge/sessionrun"
)

// Kinds returns a channel that only passes events of the given kinds.
// Spawns a goroutine that exits when ctx is cancelled or ch is closed.
// The returned channel is closed when the goroutine exits.
func Kinds(ctx context.Context, ch <-chan sessionrun.Event, kinds ...sessionrun.EventKind) <-chan sessionrun.Event {
	allowed := make(map[sessionrun.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		allowed[k] = struct{}{}
	}
	return pipe(ctx, ch, func(ev sessionrun.Event) bool {
		_, ok := allowed[ev.Kind]
		return ok
	})
}

// Text returns a channel passing only streaming text-delta events.
// Spawns a goroutine that exits when ctx is cancelled or ch is closed.
func Text(ctx context.Context, ch <-chan sessionrun.Event) <-chan sessionrun.Event {
	return Kinds(ctx, ch, sessionrun.EventText)
}

// Terminal returns a channel passing only session-ending events
// (error and complete). Spawns a goroutine that exits when ctx is
// cancelled or ch is closed.
func Terminal(ctx context.Context, ch <-chan sessionrun.Event) <-chan sessionrun.Event {
	return Kinds(ctx, ch, sessionrun.EventError, sessionrun.EventComplete)
}

// Completed returns a channel that drops delta messages, passing only
// complete messages and the non-message event kinds.
func Completed(ctx context.Context, ch <-chan sessionrun.Event) <-chan sessionrun.Event {
	return pipe(ctx, ch, func(ev sessionrun.Event) bool {
		if ev.Kind != sessionrun.EventMessage {
			return ev.Kind != sessionrun.EventText
		}
		return !IsDelta(ev.Message.Type)
	})
}

// IsDelta reports whether t is a streaming delta (partial) message type.
// Convention: all delta types use the "_delta" suffix, so new delta
// kinds need no change here.
func IsDelta(t sessionrun.MessageType) bool {
	return strings.HasSuffix(string(t), "_delta")
}

// pipe spawns a goroutine that reads from ch, passes events matching
// the predicate to the returned channel, and closes it when ch closes
// or ctx is cancelled. Callers must either drain the returned channel
// or cancel ctx to avoid goroutine leaks.
func pipe(ctx context.Context, ch <-chan sessionrun.Event, accept func(sessionrun.Event) bool) <-chan sessionrun.Event {
	out := make(chan sessionrun.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if accept(ev) && !trySend(ctx, out, ev) {
					return
				}
			}
		}
	}()
	return out
}

// trySend sends ev on out, returning true on success. Returns false if
// ctx is cancelled before the send completes.
func trySend(ctx context.Context, out chan<- sessionrun.Event, ev sessionrun.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
