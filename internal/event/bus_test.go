package event

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var got []Type
	done := make(chan struct{})

	unsubscribe := bus.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Type)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})
	defer unsubscribe()

	bus.Publish(New("bld-1", PipelineStarted, nil))
	bus.Publish(New("bld-1", StageStarted, nil))
	bus.Publish(New("bld-1", StageCompleted, nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Type{PipelineStarted, StageStarted, StageCompleted}
	for i, typ := range want {
		if got[i] != typ {
			t.Errorf("event[%d] = %s, want %s", i, got[i], typ)
		}
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	count := 0
	first := make(chan struct{}, 1)

	unsubscribe := bus.Subscribe(func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
		select {
		case first <- struct{}{}:
		default:
		}
	})

	bus.Publish(New("bld-1", StageStarted, nil))
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first event")
	}

	unsubscribe()
	bus.Publish(New("bld-1", StageCompleted, nil))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count = %d, want 1 after unsubscribe", count)
	}
}

func TestBus_PublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	block := make(chan struct{})
	unsubscribe := bus.Subscribe(func(ev Event) {
		<-block
	})
	defer func() {
		close(block)
		unsubscribe()
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultQueueSize*2; i++ {
			bus.Publish(New("bld-1", StageProgress, map[string]any{"i": i}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBus_OverflowShedsProgressNotLifecycle(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})
	var mu sync.Mutex
	var lifecycle []Type

	unsubscribe := bus.Subscribe(func(ev Event) {
		<-release
		if ev.Type.Lifecycle() {
			mu.Lock()
			lifecycle = append(lifecycle, ev.Type)
			mu.Unlock()
		}
	})
	defer unsubscribe()

	// Overfill the queue with progress noise around two lifecycle events.
	bus.Publish(New("bld-1", PipelineStarted, nil))
	for i := 0; i < DefaultQueueSize+50; i++ {
		bus.Publish(New("bld-1", StageProgress, nil))
	}
	bus.Publish(New("bld-1", PipelineCompleted, nil))
	close(release)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(lifecycle)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("lifecycle events delivered = %d, want 2", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if lifecycle[0] != PipelineStarted || lifecycle[1] != PipelineCompleted {
		t.Errorf("lifecycle = %v, want [pipeline:started pipeline:completed]", lifecycle)
	}
}

func TestChannel_ClosesOnContextDone(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Channel(ctx, 8)

	bus.Publish(New("bld-1", StageStarted, nil))
	select {
	case ev := <-ch:
		if ev.Type != StageStarted {
			t.Errorf("Type = %s, want stage:started", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel event")
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after context cancel")
		}
	}
}

func TestChannel_CancelWithBackloggedQueueDoesNotPanic(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	// A tiny buffer nobody reads forces the delivery handler to stay busy
	// with queued events while the channel is torn down.
	ch := bus.Channel(ctx, 1)
	for i := 0; i < 8; i++ {
		bus.Publish(New("bld-1", StageProgress, map[string]any{"i": i}))
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel with backlogged queue")
		}
	}
}

func TestLifecycle(t *testing.T) {
	if StageProgress.Lifecycle() {
		t.Error("stage:progress must be sheddable")
	}
	for _, typ := range []Type{PipelineStarted, StageStarted, StageRetrying, StageCompleted, StageFailed, PipelineCompleted, PipelineFailed, PipelineCancelled} {
		if !typ.Lifecycle() {
			t.Errorf("%s must be a lifecycle event", typ)
		}
	}
}
