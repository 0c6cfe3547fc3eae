package main

import (
	"context"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/cribsense/uplink/media"
	"github.com/cribsense/uplink/pipeline"
)

// Synthetic segment sizes, roughly matching a 2-second AAC segment and a
// low-bitrate 2-second H.264 segment.
const (
	audioSegmentSize = 16 << 10
	videoSegmentSize = 96 << 10
)

// captureLoop stands in for the device microphone and camera, submitting a
// synthetic audio chunk every tick and a video chunk every fifth tick.
func captureLoop(ctx context.Context, pipe *pipeline.Pipeline, every time.Duration) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			seq++
			pipe.Submit(media.KindAudio, segment(rng, seq, audioSegmentSize))
			if seq%5 == 0 {
				pipe.Submit(media.KindVideo, segment(rng, seq, videoSegmentSize))
			}
		}
	}
}

// segment produces a pseudo-media payload: a sequence header followed by
// noise, so uploads exercise realistic sizes without a real encoder.
func segment(rng *rand.Rand, seq uint64, size int) []byte {
	buf := make([]byte, size)
	binary.BigEndian.PutUint64(buf, seq)
	rng.Read(buf[8:])
	return buf
}
