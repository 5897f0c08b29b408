package signaling

import (
	"testing"
	"time"
)

func TestSendQueue_ByteBudget(t *testing.T) {
	q := newSendQueue(8)
	if !q.Enqueue(outFrame{data: []byte("1234")}) {
		t.Fatalf("first enqueue failed")
	}
	if !q.Enqueue(outFrame{data: []byte("5678")}) {
		t.Fatalf("second enqueue failed")
	}
	if q.Enqueue(outFrame{data: []byte("9")}) {
		t.Fatalf("enqueue over budget succeeded")
	}

	f, ok := q.Dequeue()
	if !ok || string(f.data) != "1234" {
		t.Fatalf("Dequeue=%q,%v, want 1234,true", f.data, ok)
	}
	if !q.Enqueue(outFrame{data: []byte("9")}) {
		t.Fatalf("enqueue after dequeue failed")
	}
	if n := q.Len(); n != 2 {
		t.Fatalf("Len=%d, want 2", n)
	}
}

func TestSendQueue_UnboundedWhenZero(t *testing.T) {
	q := newSendQueue(0)
	for i := 0; i < 100; i++ {
		if !q.Enqueue(outFrame{data: make([]byte, 1024)}) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
}

func TestSendQueue_CloseAfterDrainKeepsQueuedFrames(t *testing.T) {
	q := newSendQueue(64)
	q.Enqueue(outFrame{data: []byte("a")})
	q.CloseAfterDrain()
	if q.Enqueue(outFrame{data: []byte("b")}) {
		t.Fatalf("enqueue after close succeeded")
	}
	if f, ok := q.Dequeue(); !ok || string(f.data) != "a" {
		t.Fatalf("Dequeue=%q,%v, want a,true", f.data, ok)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("Dequeue after drain returned a frame")
	}
}

func TestSendQueue_CloseWakesDequeue(t *testing.T) {
	q := newSendQueue(64)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("Dequeue returned a frame from a closed queue")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Dequeue did not return after Close")
	}
}
