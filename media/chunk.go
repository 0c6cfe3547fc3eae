// Package media defines the chunk types that flow through the uplink
// processing path, from capture through batched upload.
package media

import (
	"time"

	"github.com/google/uuid"
)

// Queue bounds used by the upload pipeline. Sized to absorb backend outages
// without exhausting device memory: ~100 seconds of capture at the default
// 2-second chunk cadence. Overflow drops the oldest chunk first; on a
// constrained device, recent media is worth more than stale media.
const (
	QueueCapacity = 50
	RetryLimit    = 30
)

// Kind identifies the media type of a captured chunk and selects the
// container type used when framing its upload request.
type Kind string

// Chunk kinds accepted by the backend ingestion endpoint.
const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Valid reports whether k is a kind the backend ingests.
func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// ContainerType returns the MIME type for upload framing: MPEG-4 audio
// segments for audio chunks, MPEG-4 video segments for video chunks.
func (k Kind) ContainerType() string {
	if k == KindVideo {
		return "video/mp4"
	}
	return "audio/mp4"
}

// Ext returns the filename extension matching the container type.
func (k Kind) Ext() string {
	if k == KindVideo {
		return ".mp4"
	}
	return ".m4a"
}

// Chunk is one discrete captured media segment queued for upload. A chunk is
// stamped with the session active at capture time; a chunk whose session has
// ended is discarded, never uploaded.
type Chunk struct {
	ID         string
	Kind       Kind
	Payload    []byte
	CapturedAt int64 // unix milliseconds
	SessionID  string

	// Retries counts failed upload attempts for this chunk. Managed by the
	// upload pipeline.
	Retries int
}

// NewChunk stamps a captured payload with identity, capture time, and the
// owning session.
func NewChunk(kind Kind, payload []byte, sessionID string) Chunk {
	return Chunk{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    payload,
		CapturedAt: time.Now().UnixMilli(),
		SessionID:  sessionID,
	}
}
