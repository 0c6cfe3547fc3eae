package pipeline

import (
	"fmt"
	"testing"

	"github.com/cribsense/uplink/media"
)

func testChunk(payload string) media.Chunk {
	return media.NewChunk(media.KindAudio, []byte(payload), "sess-1")
}

func queuePayloads(q *chunkQueue) []string {
	out := make([]string, 0, len(q.items))
	for _, c := range q.items {
		out = append(out, string(c.Payload))
	}
	return out
}

func TestPushDropsOldest(t *testing.T) {
	t.Parallel()

	q := newChunkQueue(50, 30)
	evictions := 0
	for i := 1; i <= 60; i++ {
		if q.push(testChunk(fmt.Sprintf("c%02d", i))) {
			evictions++
		}
	}
	if q.len() != 50 {
		t.Fatalf("len = %d, want 50", q.len())
	}
	if evictions != 10 {
		t.Errorf("evictions = %d, want 10", evictions)
	}
	got := queuePayloads(q)
	if got[0] != "c11" {
		t.Errorf("head = %s, want c11 (oldest surviving)", got[0])
	}
	if got[49] != "c60" {
		t.Errorf("tail = %s, want c60 (newest)", got[49])
	}
}

func TestPopBatch(t *testing.T) {
	t.Parallel()

	q := newChunkQueue(50, 30)
	for i := 1; i <= 15; i++ {
		q.push(testChunk(fmt.Sprintf("c%02d", i)))
	}

	batch := q.popBatch(10)
	if len(batch) != 10 {
		t.Fatalf("batch len = %d, want 10", len(batch))
	}
	if string(batch[0].Payload) != "c01" || string(batch[9].Payload) != "c10" {
		t.Errorf("batch order wrong: %s .. %s", batch[0].Payload, batch[9].Payload)
	}
	if q.len() != 5 {
		t.Errorf("remaining = %d, want 5", q.len())
	}

	batch = q.popBatch(10)
	if len(batch) != 5 {
		t.Errorf("short batch len = %d, want 5", len(batch))
	}
	if q.popBatch(10) != nil {
		t.Error("popBatch on empty queue returned chunks")
	}
}

func TestDrain(t *testing.T) {
	t.Parallel()

	q := newChunkQueue(50, 30)
	for i := 0; i < 7; i++ {
		q.push(testChunk(fmt.Sprintf("c%d", i)))
	}
	out := q.drain()
	if len(out) != 7 {
		t.Errorf("drained = %d, want 7", len(out))
	}
	if q.len() != 0 {
		t.Errorf("len after drain = %d, want 0", q.len())
	}
	if q.drain() != nil {
		t.Error("drain on empty queue returned chunks")
	}
}

func TestRequeueFront(t *testing.T) {
	t.Parallel()

	q := newChunkQueue(50, 30)
	q.push(testChunk("a"))
	q.push(testChunk("b"))

	failed := q.popBatch(1)[0]
	if got := q.requeue(failed); got != requeueOK {
		t.Fatalf("requeue outcome = %v, want requeueOK", got)
	}
	got := queuePayloads(q)
	if got[0] != "a" || got[1] != "b" {
		t.Errorf("queue = %v, want [a b]", got)
	}
	if q.items[0].Retries != 1 {
		t.Errorf("retries = %d, want 1", q.items[0].Retries)
	}
	if q.retrying() != 1 {
		t.Errorf("retrying = %d, want 1", q.retrying())
	}
}

func TestRequeueRetryBound(t *testing.T) {
	t.Parallel()

	q := newChunkQueue(50, 30)
	c := testChunk("stubborn")
	c.Retries = 29
	if got := q.requeue(c); got != requeueOK {
		t.Fatalf("30th failure outcome = %v, want requeueOK", got)
	}

	c = q.popBatch(1)[0]
	if c.Retries != 30 {
		t.Fatalf("retries = %d, want 30", c.Retries)
	}
	if got := q.requeue(c); got != requeueDropRetries {
		t.Errorf("31st failure outcome = %v, want requeueDropRetries", got)
	}
	if q.len() != 0 {
		t.Errorf("discarded chunk still queued, len = %d", q.len())
	}
}

func TestRequeueHeldBound(t *testing.T) {
	t.Parallel()

	q := newChunkQueue(50, 2)
	if q.requeue(testChunk("a")) != requeueOK {
		t.Fatal("first failed chunk rejected")
	}
	if q.requeue(testChunk("b")) != requeueOK {
		t.Fatal("second failed chunk rejected")
	}
	if got := q.requeue(testChunk("c")); got != requeueDropHeld {
		t.Errorf("outcome = %v, want requeueDropHeld", got)
	}
	if q.len() != 2 {
		t.Errorf("len = %d, want 2", q.len())
	}
}

func TestRequeueCapacityFull(t *testing.T) {
	t.Parallel()

	q := newChunkQueue(3, 30)
	for i := 0; i < 3; i++ {
		q.push(testChunk(fmt.Sprintf("c%d", i)))
	}
	if got := q.requeue(testChunk("old")); got != requeueDropCapacity {
		t.Errorf("outcome = %v, want requeueDropCapacity", got)
	}
	if q.len() != 3 {
		t.Errorf("len = %d, want 3", q.len())
	}
}
