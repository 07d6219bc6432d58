// Package stream implements the streaming engine: the segment selector
// state machine, the output pump, and the worker loop that interleaves
// playlist refreshes with segment writes.
package stream

import "errors"

// Terminal conditions surfaced by the engine. The embedder maps these to
// exit codes; ended and downstream-closed are successful terminations.
var (
	// ErrStreamEnded reports that the playlist signalled end-of-stream
	// and every assigned segment has been written.
	ErrStreamEnded = errors.New("stream ended")

	// ErrStreamStalled reports too many consecutive refreshes without a
	// new segment.
	ErrStreamStalled = errors.New("stream stalled: no new segments")

	// ErrNetworkExhausted reports too many consecutive failed refreshes.
	ErrNetworkExhausted = errors.New("network retries exhausted")

	// ErrDownstreamClosed reports that the sink rejected a write because
	// the player exited.
	ErrDownstreamClosed = errors.New("downstream writer closed")
)
