// Package pipeline owns the session-scoped upload path: captured chunks
// enter a bounded queue and leave in periodic batches toward the backend
// ingestion endpoint, with bounded retry for failed uploads.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cribsense/uplink/api"
	"github.com/cribsense/uplink/media"
)

// Sentinel errors for session lifecycle handling.
var (
	ErrSessionActive = errors.New("pipeline: a session is already active")
	ErrNoSession     = errors.New("pipeline: no active session")
)

// Flush defaults, applied by New when the corresponding Config field is
// zero.
const (
	DefaultFlushInterval = 2 * time.Second
	DefaultBatchSize     = 10
)

// Backend is the slice of the REST API the pipeline drives. *api.Client
// implements it.
type Backend interface {
	StartSession(ctx context.Context, deviceID string) (api.Session, error)
	EndSession(ctx context.Context, sessionID string) error
	UploadChunk(ctx context.Context, chunk media.Chunk) error
}

// Config holds the configuration for a Pipeline.
type Config struct {
	// FlushInterval paces the periodic drain toward the backend.
	FlushInterval time.Duration

	// BatchSize bounds how many chunks one flush tick uploads. It also
	// caps upload concurrency within a flush.
	BatchSize int

	// QueueCapacity bounds the chunk queue; overflow drops the oldest
	// chunk. RetryLimit bounds both the retry count of a single chunk and
	// how many failed chunks may be held for retry at once.
	QueueCapacity int
	RetryLimit    int
}

// Session is one active upload context, as acknowledged by the backend.
type Session struct {
	ID        string
	DeviceID  string
	StartedAt time.Time
}

// Pipeline buffers captured media chunks and uploads them in batches for
// the lifetime of one session. All methods are safe for concurrent use.
// At most one session is active at a time.
type Pipeline struct {
	log     *slog.Logger
	backend Backend
	config  Config

	mu       sync.Mutex
	session  *Session
	queue    *chunkQueue
	ticker   *time.Ticker
	done     chan struct{}
	stopped  chan struct{}
	starting bool
	ending   bool

	stats stats
}

// New creates a Pipeline uploading through the given backend. It returns
// an error if backend is nil. If log is nil, slog.Default() is used.
func New(backend Backend, config Config, log *slog.Logger) (*Pipeline, error) {
	if backend == nil {
		return nil, errors.New("pipeline: backend is required")
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = media.QueueCapacity
	}
	if config.RetryLimit <= 0 {
		config.RetryLimit = media.RetryLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:     log.With("component", "pipeline"),
		backend: backend,
		config:  config,
	}, nil
}

// StartSession opens a new upload session for the device and arms the
// periodic flush. It fails with ErrSessionActive while a session is live;
// the active session must be ended first.
func (p *Pipeline) StartSession(ctx context.Context, deviceID string) (Session, error) {
	p.mu.Lock()
	if p.session != nil || p.starting {
		p.mu.Unlock()
		return Session{}, ErrSessionActive
	}
	p.starting = true
	p.mu.Unlock()

	resp, err := p.backend.StartSession(ctx, deviceID)

	p.mu.Lock()
	p.starting = false
	if err != nil {
		p.mu.Unlock()
		return Session{}, fmt.Errorf("pipeline: start session: %w", err)
	}
	sess := Session{ID: resp.SessionID, DeviceID: deviceID, StartedAt: time.Now()}
	p.session = &sess
	p.queue = newChunkQueue(p.config.QueueCapacity, p.config.RetryLimit)
	p.ticker = time.NewTicker(p.config.FlushInterval)
	p.done = make(chan struct{})
	p.stopped = make(chan struct{})
	go p.flushLoop(p.ticker.C, p.done, p.stopped)
	p.mu.Unlock()

	p.stats.setSession(sess.ID)
	p.log.Info("session started", "sessionID", sess.ID, "deviceID", deviceID)
	return sess, nil
}

// Submit queues one captured chunk for upload, stamping it with the active
// session. Without an active session the chunk is logged and dropped; the
// caller is never failed. At capacity the oldest queued chunk gives way.
func (p *Pipeline) Submit(kind media.Kind, payload []byte) {
	p.mu.Lock()
	if p.session == nil || p.queue == nil {
		p.mu.Unlock()
		p.stats.droppedNoSession.Add(1)
		p.log.Debug("chunk dropped, no active session", "kind", kind)
		return
	}
	chunk := media.NewChunk(kind, payload, p.session.ID)
	overflowed := p.queue.push(chunk)
	depth := p.queue.len()
	p.mu.Unlock()

	p.stats.submitted.Add(1)
	if overflowed {
		p.stats.droppedCapacity.Add(1)
		p.log.Warn("queue full, oldest chunk dropped", "depth", depth)
	}
}

// EndSession disarms the flush, drains every remaining chunk in one
// terminal flush, and releases the session on the backend. Session and
// queue state are cleared unconditionally; the first failure encountered
// is returned after cleanup completes.
func (p *Pipeline) EndSession(ctx context.Context) error {
	p.mu.Lock()
	if p.session == nil || p.ending {
		p.mu.Unlock()
		return ErrNoSession
	}
	p.ending = true
	sess := *p.session
	ticker := p.ticker
	done := p.done
	stopped := p.stopped
	p.ticker = nil
	p.done = nil
	p.stopped = nil
	p.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if done != nil {
		close(done)
		<-stopped
	}

	flushErr := p.flush(ctx, true)
	if flushErr != nil {
		p.log.Warn("terminal flush incomplete", "sessionID", sess.ID, "error", flushErr)
	}
	endErr := p.backend.EndSession(ctx, sess.ID)
	if endErr != nil {
		p.log.Warn("end session call failed", "sessionID", sess.ID, "error", endErr)
	}

	p.mu.Lock()
	p.session = nil
	p.queue = nil
	p.ending = false
	p.mu.Unlock()

	p.stats.setSession("")
	p.log.Info("session ended", "sessionID", sess.ID,
		"duration", time.Since(sess.StartedAt), "uploadedTotal", p.stats.uploaded.Load())

	if flushErr != nil {
		return fmt.Errorf("pipeline: terminal flush: %w", flushErr)
	}
	if endErr != nil {
		return fmt.Errorf("pipeline: end session: %w", endErr)
	}
	return nil
}

// flushLoop drives periodic flushes until EndSession signals done. The
// single loop goroutine is the only ticking flusher, so two ticks never
// interleave their queue mutation.
func (p *Pipeline) flushLoop(tick <-chan time.Time, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	for {
		select {
		case <-done:
			return
		case <-tick:
			p.flush(context.Background(), false)
		}
	}
}

// flush drains one batch (or, terminally, the whole queue) and uploads the
// chunks concurrently. On a tick flush, failed chunks re-enter the queue
// at the front for the next tick; on a terminal flush failures are
// dropped. Returns the first upload error for terminal reporting.
func (p *Pipeline) flush(ctx context.Context, terminal bool) error {
	p.mu.Lock()
	if p.queue == nil {
		p.mu.Unlock()
		return nil
	}
	sessionID := ""
	if p.session != nil {
		sessionID = p.session.ID
	}
	var batch []media.Chunk
	if terminal {
		batch = p.queue.drain()
	} else {
		batch = p.queue.popBatch(p.config.BatchSize)
	}
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	// A chunk stamped for an older session never goes out.
	uploads := batch[:0]
	for _, c := range batch {
		if c.SessionID != sessionID {
			p.stats.droppedStale.Add(1)
			p.log.Warn("stale chunk discarded", "chunkID", c.ID, "sessionID", c.SessionID)
			continue
		}
		uploads = append(uploads, c)
	}
	batch = uploads
	if len(batch) == 0 {
		return nil
	}

	var (
		errMu    sync.Mutex
		firstErr error
	)
	failed := make([]bool, len(batch))
	var g errgroup.Group
	g.SetLimit(p.config.BatchSize)
	for i, c := range batch {
		g.Go(func() error {
			if err := p.backend.UploadChunk(ctx, c); err != nil {
				failed[i] = true
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				p.log.Warn("chunk upload failed",
					"chunkID", c.ID, "kind", c.Kind, "retries", c.Retries, "error", err)
				return nil
			}
			p.stats.uploaded.Add(1)
			p.stats.uploadedBytes.Add(int64(len(c.Payload)))
			return nil
		})
	}
	g.Wait()
	p.stats.flushes.Add(1)

	if terminal {
		for i := range failed {
			if failed[i] {
				p.stats.droppedTerminal.Add(1)
			}
		}
		return firstErr
	}

	// Re-enqueue failures at the front in batch order; iterating in
	// reverse keeps the block's relative order after front insertion.
	p.mu.Lock()
	if p.queue != nil && p.session != nil && p.session.ID == sessionID {
		for i := len(batch) - 1; i >= 0; i-- {
			if !failed[i] {
				continue
			}
			switch p.queue.requeue(batch[i]) {
			case requeueOK:
				p.stats.retries.Add(1)
			case requeueDropRetries:
				p.stats.droppedRetry.Add(1)
				p.log.Warn("chunk discarded, retry limit reached",
					"chunkID", batch[i].ID, "retries", batch[i].Retries)
			case requeueDropHeld:
				p.stats.droppedRetry.Add(1)
				p.log.Warn("chunk discarded, too many chunks awaiting retry",
					"chunkID", batch[i].ID)
			case requeueDropCapacity:
				p.stats.droppedCapacity.Add(1)
				p.log.Warn("chunk discarded, queue full on requeue",
					"chunkID", batch[i].ID)
			}
		}
	}
	p.mu.Unlock()
	return firstErr
}
