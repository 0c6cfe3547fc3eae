package pipeline

import (
	"sync"
	"sync/atomic"
)

// Stats captures upload-path metrics across the pipeline's lifetime,
// exposed for monitoring delivery health. Drop counters are the only
// visibility into bounded data loss; individual chunk loss is not
// surfaced to callers.
type Stats struct {
	SessionID        string `json:"sessionId,omitempty"`
	Active           bool   `json:"active"`
	Submitted        int64  `json:"submitted"`
	Uploaded         int64  `json:"uploaded"`
	UploadedBytes    int64  `json:"uploadedBytes"`
	Retries          int64  `json:"retries"`
	Flushes          int64  `json:"flushes"`
	DroppedCapacity  int64  `json:"droppedCapacity"`
	DroppedRetry     int64  `json:"droppedRetry"`
	DroppedNoSession int64  `json:"droppedNoSession"`
	DroppedStale     int64  `json:"droppedStale"`
	DroppedTerminal  int64  `json:"droppedTerminal"`
}

type stats struct {
	submitted        atomic.Int64
	uploaded         atomic.Int64
	uploadedBytes    atomic.Int64
	retries          atomic.Int64
	flushes          atomic.Int64
	droppedCapacity  atomic.Int64
	droppedRetry     atomic.Int64
	droppedNoSession atomic.Int64
	droppedStale     atomic.Int64
	droppedTerminal  atomic.Int64

	mu        sync.Mutex
	sessionID string
}

func (s *stats) setSession(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// Stats returns a snapshot of upload metrics.
func (p *Pipeline) Stats() Stats {
	p.stats.mu.Lock()
	sessionID := p.stats.sessionID
	p.stats.mu.Unlock()
	return Stats{
		SessionID:        sessionID,
		Active:           sessionID != "",
		Submitted:        p.stats.submitted.Load(),
		Uploaded:         p.stats.uploaded.Load(),
		UploadedBytes:    p.stats.uploadedBytes.Load(),
		Retries:          p.stats.retries.Load(),
		Flushes:          p.stats.flushes.Load(),
		DroppedCapacity:  p.stats.droppedCapacity.Load(),
		DroppedRetry:     p.stats.droppedRetry.Load(),
		DroppedNoSession: p.stats.droppedNoSession.Load(),
		DroppedStale:     p.stats.droppedStale.Load(),
		DroppedTerminal:  p.stats.droppedTerminal.Load(),
	}
}
