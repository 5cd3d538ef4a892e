package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"shadowscan/internal/schema"
)

func newTestEvent() *schema.ActivityEvent {
	return &schema.ActivityEvent{
		EventID:   uuid.New(),
		Timestamp: time.Now().UTC(),
		Platform:  schema.PlatformSlack,
		ActorID:   "U123",
		Action:    "message.send",
	}
}

func TestNewRingBuffer(t *testing.T) {
	t.Run("with valid size", func(t *testing.T) {
		rb := NewRingBuffer(100)
		if rb.Cap() != 100 {
			t.Errorf("Cap() = %d, want 100", rb.Cap())
		}
		if rb.Len() != 0 {
			t.Errorf("Len() = %d, want 0", rb.Len())
		}
	})

	t.Run("with zero size uses default", func(t *testing.T) {
		rb := NewRingBuffer(0)
		if rb.Cap() != 10000 {
			t.Errorf("Cap() = %d, want 10000 (default)", rb.Cap())
		}
	})
}

func TestRingBuffer_FIFO(t *testing.T) {
	rb := NewRingBuffer(10)

	ids := make([]uuid.UUID, 5)
	for i := 0; i < 5; i++ {
		event := newTestEvent()
		ids[i] = event.EventID
		if err := rb.Push(event); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		event, err := rb.Pop()
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if event.EventID != ids[i] {
			t.Errorf("Pop() returned event %v, want %v", event.EventID, ids[i])
		}
	}

	if _, err := rb.Pop(); err != ErrQueueEmpty {
		t.Errorf("Pop() on empty queue error = %v, want ErrQueueEmpty", err)
	}
}

func TestRingBuffer_FullDropsAndCounts(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 0; i < 3; i++ {
		if err := rb.Push(newTestEvent()); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	if err := rb.Push(newTestEvent()); err != ErrQueueFull {
		t.Errorf("Push() error = %v, want ErrQueueFull", err)
	}

	if m := rb.Metrics(); m.Dropped != 1 {
		t.Errorf("Metrics().Dropped = %d, want 1", m.Dropped)
	}
}

func TestRingBuffer_Wrap(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 0; i < 3; i++ {
		rb.Push(newTestEvent())
	}
	rb.Pop()
	rb.Pop()

	for i := 0; i < 2; i++ {
		if err := rb.Push(newTestEvent()); err != nil {
			t.Errorf("Push() error = %v after wrap", err)
		}
	}

	if rb.Len() != 3 {
		t.Errorf("Len() = %d, want 3", rb.Len())
	}
}

func TestRingBuffer_CloseDrains(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Push(newTestEvent())

	rb.Close()

	if err := rb.Push(newTestEvent()); err != ErrQueueClosed {
		t.Errorf("Push() error = %v, want ErrQueueClosed", err)
	}

	// Remaining events still drain after close.
	event, err := rb.PopBlocking()
	if err != nil {
		t.Errorf("PopBlocking() error = %v", err)
	}
	if event == nil {
		t.Error("PopBlocking() returned nil")
	}

	if _, err := rb.PopBlocking(); err != ErrQueueClosed {
		t.Errorf("PopBlocking() error = %v, want ErrQueueClosed", err)
	}
}

func TestRingBuffer_PopBlocking(t *testing.T) {
	rb := NewRingBuffer(10)

	go func() {
		time.Sleep(50 * time.Millisecond)
		rb.Push(newTestEvent())
	}()

	start := time.Now()
	event, err := rb.PopBlocking()
	elapsed := time.Since(start)

	if err != nil {
		t.Errorf("PopBlocking() error = %v", err)
	}
	if event == nil {
		t.Error("PopBlocking() returned nil")
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("PopBlocking() returned too quickly: %v", elapsed)
	}
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer(100)

	const numProducers = 5
	const numConsumers = 3
	const eventsPerProducer = 100

	var wg sync.WaitGroup
	var consumed uint64

	for i := 0; i < numProducers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerProducer; j++ {
				// Drops are expected when the queue is full.
				rb.Push(newTestEvent())
			}
		}()
	}

	done := make(chan struct{})
	for i := 0; i < numConsumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					for {
						if _, err := rb.Pop(); err != nil {
							return
						}
						atomic.AddUint64(&consumed, 1)
					}
				default:
					if _, err := rb.Pop(); err == nil {
						atomic.AddUint64(&consumed, 1)
					} else {
						time.Sleep(time.Microsecond)
					}
				}
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	close(done)
	wg.Wait()

	m := rb.Metrics()
	total := uint64(numProducers * eventsPerProducer)
	if m.Pushed+m.Dropped != total {
		t.Errorf("Pushed(%d) + Dropped(%d) = %d, want %d",
			m.Pushed, m.Dropped, m.Pushed+m.Dropped, total)
	}
	if m.Popped != atomic.LoadUint64(&consumed) {
		t.Errorf("Popped = %d, consumed = %d", m.Popped, consumed)
	}
}
