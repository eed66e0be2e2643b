// ABOUTME: Tests for the typing signal state machine
// ABOUTME: Covers debounce, refresh, expiry, per-user isolation

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectTyping drains typing events from ch until quiet for the given window.
func collectTyping(ch <-chan *Event, quiet time.Duration) []*Event {
	var events []*Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-time.After(quiet):
			return events
		}
	}
}

func TestTyping_StartThenStopOnExpiry(t *testing.T) {
	b := New(nil, WithTypingWindow(100*time.Millisecond))
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), "conv-1")

	b.BroadcastTyping("conv-1", "alice")

	events := collectTyping(ch, 300*time.Millisecond)
	require.Len(t, events, 2)
	assert.Equal(t, EventTypingStart, events[0].Type)
	assert.Equal(t, "alice", events[0].UserID)
	assert.Equal(t, EventTypingStop, events[1].Type)
	assert.Equal(t, "alice", events[1].UserID)
}

func TestTyping_RefreshWithinWindowDebounces(t *testing.T) {
	b := New(nil, WithTypingWindow(200*time.Millisecond))
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), "conv-1")

	// Two calls inside the window: exactly one TypingStart
	b.BroadcastTyping("conv-1", "alice")
	time.Sleep(50 * time.Millisecond)
	b.BroadcastTyping("conv-1", "alice")

	// Then silence past the window: exactly one TypingStop
	events := collectTyping(ch, 500*time.Millisecond)
	require.Len(t, events, 2, "refresh must not duplicate TypingStart")
	assert.Equal(t, EventTypingStart, events[0].Type)
	assert.Equal(t, EventTypingStop, events[1].Type)
}

func TestTyping_RefreshExtendsWindow(t *testing.T) {
	b := New(nil, WithTypingWindow(150*time.Millisecond))
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), "conv-1")

	b.BroadcastTyping("conv-1", "alice")

	// Keep refreshing before expiry; no Stop should arrive meanwhile
	for i := 0; i < 3; i++ {
		time.Sleep(75 * time.Millisecond)
		b.BroadcastTyping("conv-1", "alice")
	}

	select {
	case ev := <-ch:
		assert.Equal(t, EventTypingStart, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("missing TypingStart")
	}

	select {
	case ev := <-ch:
		t.Fatalf("premature %s while signal was being refreshed", ev.Type)
	case <-time.After(75 * time.Millisecond):
		// Still active
	}

	// Now let it expire
	select {
	case ev := <-ch:
		assert.Equal(t, EventTypingStop, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("missing TypingStop after expiry")
	}
}

func TestTyping_NewCycleAfterExpiry(t *testing.T) {
	b := New(nil, WithTypingWindow(80*time.Millisecond))
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), "conv-1")

	b.BroadcastTyping("conv-1", "alice")
	time.Sleep(200 * time.Millisecond)
	b.BroadcastTyping("conv-1", "alice")

	events := collectTyping(ch, 300*time.Millisecond)
	require.Len(t, events, 4, "expiry resets the state machine to Idle")
	assert.Equal(t, EventTypingStart, events[0].Type)
	assert.Equal(t, EventTypingStop, events[1].Type)
	assert.Equal(t, EventTypingStart, events[2].Type)
	assert.Equal(t, EventTypingStop, events[3].Type)
}

func TestTyping_UsersTrackedIndependently(t *testing.T) {
	b := New(nil, WithTypingWindow(100*time.Millisecond))
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), "conv-1")

	b.BroadcastTyping("conv-1", "alice")
	b.BroadcastTyping("conv-1", "bob")

	events := collectTyping(ch, 300*time.Millisecond)
	require.Len(t, events, 4)

	starts := map[string]int{}
	stops := map[string]int{}
	for _, ev := range events {
		switch ev.Type {
		case EventTypingStart:
			starts[ev.UserID]++
		case EventTypingStop:
			stops[ev.UserID]++
		}
	}
	assert.Equal(t, map[string]int{"alice": 1, "bob": 1}, starts)
	assert.Equal(t, map[string]int{"alice": 1, "bob": 1}, stops)
}

func TestTyping_CloseStopsPendingTimers(t *testing.T) {
	b := New(nil, WithTypingWindow(50*time.Millisecond))

	ch, _ := b.Subscribe(context.Background(), "conv-1")
	b.BroadcastTyping("conv-1", "alice")

	// Drain the TypingStart, then close before expiry
	select {
	case ev := <-ch:
		require.Equal(t, EventTypingStart, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("missing TypingStart")
	}

	b.Close()
	time.Sleep(100 * time.Millisecond)
	// No panic from the expired timer publishing into closed channels
}

func TestTyping_StaleExpiryDiscardedAfterRefresh(t *testing.T) {
	b := New(nil, WithTypingWindow(time.Hour))
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), "conv-1")
	key := typingKey{conversationID: "conv-1", userID: "alice"}

	b.BroadcastTyping("conv-1", "alice") // arms generation 0
	b.BroadcastTyping("conv-1", "alice") // refresh supersedes it

	// A window timer from the superseded generation may already have
	// fired; its callback must not clear the refreshed signal.
	b.expireTyping(key, 0)

	events := collectTyping(ch, 50*time.Millisecond)
	require.Len(t, events, 1, "stale expiry must not emit TypingStop")
	assert.Equal(t, EventTypingStart, events[0].Type)

	// The live generation still expires normally
	b.expireTyping(key, 1)

	events = collectTyping(ch, 50*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, EventTypingStop, events[0].Type)
}
