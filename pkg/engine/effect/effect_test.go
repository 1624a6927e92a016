package effect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/silverfen/ledgerd/pkg/engine/lss"
)

func TestDispatchInvokesRegisteredCallback(t *testing.T) {
	p := NewPool(2, time.Second, 8)

	var mu sync.Mutex
	var seen []lss.Event
	done := make(chan struct{}, 1)
	p.RegisterCallback("Email.Queued", func(ctx context.Context, event lss.Event, deps Deps) {
		mu.Lock()
		seen = append(seen, event)
		mu.Unlock()
		done <- struct{}{}
	})
	p.Start()
	defer p.Stop()

	p.Dispatch([]lss.Event{
		{Type: "Email.Queued", PartitionID: "emails"},
		{Type: "Ignored.Type", PartitionID: "x"},
	}, Deps{})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].Type != "Email.Queued" {
		t.Fatalf("expected exactly one Email.Queued callback, got %+v", seen)
	}
}

func TestDispatchIsNonBlockingWhenQueueFull(t *testing.T) {
	p := NewPool(1, 50*time.Millisecond, 1)
	block := make(chan struct{})
	p.RegisterCallback("Slow", func(ctx context.Context, event lss.Event, deps Deps) {
		<-block
	})
	p.Start()
	defer func() {
		close(block)
		p.Stop()
	}()

	finished := make(chan struct{})
	go func() {
		// First dispatch occupies the only worker; several more should
		// not block the caller even though the queue is tiny.
		p.Dispatch([]lss.Event{{Type: "Slow"}}, Deps{})
		time.Sleep(10 * time.Millisecond)
		for i := 0; i < 5; i++ {
			p.Dispatch([]lss.Event{{Type: "Slow"}}, Deps{})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch blocked instead of dropping when the queue was full")
	}
}
