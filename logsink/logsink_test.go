package logsink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// blockingSink holds every append until released, so tests can fill the
// writer queue deterministically.
type blockingSink struct {
	MemorySink
	gate chan struct{}
}

func (b *blockingSink) Append(ctx context.Context, record any) error {
	<-b.gate
	return b.MemorySink.Append(ctx, record)
}

func TestWriterDeliversInOrder(t *testing.T) {
	sink := NewMemorySink()
	w := NewWriter(sink, 16)

	for i := 0; i < 5; i++ {
		w.Enqueue(i)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records := sink.Records()
	if len(records) != 5 {
		t.Fatalf("delivered %d records, want 5", len(records))
	}
	for i, r := range records {
		if r.(int) != i {
			t.Errorf("record[%d] = %v, want %d", i, r, i)
		}
	}
	if w.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", w.Dropped())
	}
}

func TestWriterOverflowDropsOldest(t *testing.T) {
	sink := &blockingSink{gate: make(chan struct{})}
	w := NewWriter(sink, 2)

	// One record may already be in the drainer's hands; fill well past
	// capacity so overflow is certain.
	for i := 0; i < 10; i++ {
		w.Enqueue(i)
	}
	if w.Dropped() == 0 {
		t.Error("no drops recorded after overfilling a queue of 2")
	}

	close(sink.gate)
	w.Close()

	records := sink.Records()
	if len(records) == 0 || len(records) >= 10 {
		t.Fatalf("delivered %d records, want some but not all of 10", len(records))
	}
	// Oldest-drop keeps the tail: the last enqueued record survives.
	if last := records[len(records)-1].(int); last != 9 {
		t.Errorf("last delivered = %d, want 9", last)
	}
}

func TestWriterEnqueueNeverBlocks(t *testing.T) {
	sink := &blockingSink{gate: make(chan struct{})}
	defer close(sink.gate)
	w := NewWriter(sink, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			w.Enqueue(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a stalled sink")
	}
}

type failingSink struct{ appends int }

func (f *failingSink) Append(ctx context.Context, record any) error {
	f.appends++
	return errors.New("sink down")
}
func (f *failingSink) Close() error { return nil }

func TestWriterSurvivesSinkErrors(t *testing.T) {
	sink := &failingSink{}
	w := NewWriter(sink, 8)

	w.Enqueue("a")
	w.Enqueue("b")
	w.Close()

	if sink.appends != 2 {
		t.Errorf("attempted %d appends, want 2", sink.appends)
	}
}

func TestWriterConcurrentProducers(t *testing.T) {
	sink := NewMemorySink()
	w := NewWriter(sink, 512)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				w.Enqueue(i)
			}
		}()
	}
	wg.Wait()
	w.Close()

	if got := len(sink.Records()) + int(w.Dropped()); got != 400 {
		t.Errorf("delivered+dropped = %d, want 400", got)
	}
}

func TestWriterCloseIdempotent(t *testing.T) {
	w := NewWriter(NewMemorySink(), 4)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWriterEnqueueAfterClose(t *testing.T) {
	sink := NewMemorySink()
	w := NewWriter(sink, 4)
	w.Enqueue("before")
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// A request racing shutdown must not crash; the record is dropped.
	w.Enqueue("after")
	w.Enqueue("after again")

	if got := w.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	if got := len(sink.Records()); got != 1 {
		t.Errorf("records = %d, want only the pre-close record", got)
	}
}
