package oob

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeChannel reads after a delay, or fails, or blocks until ctx is cancelled.
type fakeChannel struct {
	delay     time.Duration
	data      OobData
	fail      bool
	blockOnly bool // ignores delay/data/fail; blocks until ctx is done, then returns its error.

	cancelled chan struct{} // closed when Read observes ctx.Done(), for assertions.
}

func (f *fakeChannel) Read(ctx context.Context) (OobData, error) {
	if f.blockOnly {
		<-ctx.Done()
		if f.cancelled != nil {
			close(f.cancelled)
		}
		return OobData{}, ctx.Err()
	}
	select {
	case <-time.After(f.delay):
		if f.fail {
			return OobData{}, errors.New("fake channel failure")
		}
		return f.data, nil
	case <-ctx.Done():
		if f.cancelled != nil {
			close(f.cancelled)
		}
		return OobData{}, ctx.Err()
	}
}

func TestChannelSetReturnsFirstSuccess(t *testing.T) {
	want := mustOobData()
	slow := &fakeChannel{blockOnly: true, cancelled: make(chan struct{})}
	fast := &fakeChannel{delay: 5 * time.Millisecond, data: want}

	set := NewChannelSet([]Channel{slow, fast}, 0)
	got, err := set.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got.Key) != string(want.Key) {
		t.Errorf("got %+v, want %+v", got, want)
	}

	select {
	case <-slow.cancelled:
	case <-time.After(time.Second):
		t.Error("losing channel was not cancelled")
	}
}

func TestChannelSetFailsWhenAllChannelsFail(t *testing.T) {
	a := &fakeChannel{delay: time.Millisecond, fail: true}
	b := &fakeChannel{delay: 2 * time.Millisecond, fail: true}

	set := NewChannelSet([]Channel{a, b}, 0)
	_, err := set.Read(context.Background())
	if err == nil {
		t.Fatal("expected error when every channel fails")
	}
}

func TestChannelSetNoChannelsConfigured(t *testing.T) {
	set := NewChannelSet(nil, 0)
	if _, err := set.Read(context.Background()); err == nil {
		t.Error("expected error with no channels configured")
	}
}

func TestChannelSetAttemptTimeoutBoundsEachChannel(t *testing.T) {
	want := mustOobData()
	// never resolves on its own; it is cancelled once the fast channel wins.
	stuck := &fakeChannel{blockOnly: true, cancelled: make(chan struct{})}
	fast := &fakeChannel{delay: time.Millisecond, data: want}

	set := NewChannelSet([]Channel{stuck, fast}, 20*time.Millisecond)
	start := time.Now()
	got, err := set.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Read took far longer than the configured attempt timeout should allow")
	}
	if string(got.Key) != string(want.Key) {
		t.Errorf("got %+v, want %+v", got, want)
	}

	// With no other channel to win, only the per-attempt timeout cuts a stuck channel off.
	alone := &fakeChannel{blockOnly: true, cancelled: make(chan struct{})}
	start = time.Now()
	if _, err := NewChannelSet([]Channel{alone}, 20*time.Millisecond).Read(context.Background()); err == nil {
		t.Error("expected an error once the attempt timeout cut off the only channel")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("attempt timeout did not bound the stuck channel's Read")
	}
}

func TestChannelSetOuterContextCancelStopsAll(t *testing.T) {
	a := &fakeChannel{blockOnly: true, cancelled: make(chan struct{})}
	b := &fakeChannel{blockOnly: true, cancelled: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	set := NewChannelSet([]Channel{a, b}, 0)

	done := make(chan error, 1)
	go func() {
		_, err := set.Read(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error after outer context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not return promptly after outer cancellation")
	}
}
