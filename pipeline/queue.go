package pipeline

import "github.com/cribsense/uplink/media"

// requeueOutcome reports what happened to a failed chunk offered back to
// the queue.
type requeueOutcome int

const (
	requeueOK requeueOutcome = iota
	requeueDropRetries  // chunk exceeded its per-chunk retry allowance
	requeueDropHeld     // too many failed chunks already held for retry
	requeueDropCapacity // queue full; the retried chunk is the oldest, so it yields
)

// chunkQueue is the bounded FIFO between capture and upload. New chunks
// append at the tail; failed uploads re-enter at the head so they go out
// ahead of later captures. Not safe for concurrent use; the Pipeline
// serializes access under its lock.
type chunkQueue struct {
	items    []media.Chunk
	capacity int
	retryCap int
}

func newChunkQueue(capacity, retryCap int) *chunkQueue {
	return &chunkQueue{
		items:    make([]media.Chunk, 0, capacity),
		capacity: capacity,
		retryCap: retryCap,
	}
}

func (q *chunkQueue) len() int {
	return len(q.items)
}

// push appends a chunk, evicting the oldest when full. Reports whether an
// eviction occurred.
func (q *chunkQueue) push(c media.Chunk) bool {
	if len(q.items) >= q.capacity {
		copy(q.items, q.items[1:])
		q.items[len(q.items)-1] = c
		return true
	}
	q.items = append(q.items, c)
	return false
}

// popBatch removes and returns up to n chunks from the head. The returned
// slice does not alias queue storage.
func (q *chunkQueue) popBatch(n int) []media.Chunk {
	if n > len(q.items) {
		n = len(q.items)
	}
	if n == 0 {
		return nil
	}
	batch := make([]media.Chunk, n)
	copy(batch, q.items[:n])
	remain := copy(q.items, q.items[n:])
	q.items = q.items[:remain]
	return batch
}

// drain removes and returns every queued chunk.
func (q *chunkQueue) drain() []media.Chunk {
	out := q.items
	q.items = nil
	return out
}

// retrying counts chunks currently held after at least one failed upload.
func (q *chunkQueue) retrying() int {
	n := 0
	for _, c := range q.items {
		if c.Retries > 0 {
			n++
		}
	}
	return n
}

// requeue offers a failed chunk back at the head of the queue, charging
// one retry. The chunk is discarded instead when it has exhausted its
// retry allowance, when retryCap failed chunks are already waiting, or
// when the queue is full (the retried chunk is the oldest present, so
// dropping it is the drop-oldest policy).
func (q *chunkQueue) requeue(c media.Chunk) requeueOutcome {
	c.Retries++
	if c.Retries > q.retryCap {
		return requeueDropRetries
	}
	if q.retrying() >= q.retryCap {
		return requeueDropHeld
	}
	if len(q.items) >= q.capacity {
		return requeueDropCapacity
	}
	q.items = append(q.items, media.Chunk{})
	copy(q.items[1:], q.items)
	q.items[0] = c
	return requeueOK
}
