package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"github.com/jmylchreest/twitchpipe/internal/hls"
	"github.com/jmylchreest/twitchpipe/internal/httpclient"
)

// chunkSize bounds the copy buffer so memory stays flat regardless of
// segment size.
const chunkSize = 32 * 1024

// Pump streams segment bodies into the sink, one segment at a time.
type Pump struct {
	agent  *httpclient.Client
	sink   io.Writer
	buf    []byte
	logger *slog.Logger
}

// NewPump creates a pump writing to sink, which it owns exclusively for
// the duration of the run.
func NewPump(agent *httpclient.Client, sink io.Writer, logger *slog.Logger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		agent:  agent,
		sink:   sink,
		buf:    make([]byte, chunkSize),
		logger: logger,
	}
}

// WriteSegment streams one segment body to the sink in bounded chunks.
//
// A short body on a prefetch segment is completion, not an error: the
// origin truncates the partial chunk when it finalizes the full segment.
// A mid-body network error abandons the segment (re-fetching would
// desynchronize the player); the caller keeps its position and moves on.
// A sink write failure caused by the player exiting is surfaced as
// ErrDownstreamClosed.
func (p *Pump) WriteSegment(ctx context.Context, seg hls.Segment) (int64, error) {
	body, err := p.agent.OpenBody(ctx, seg.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("opening segment %d: %w", seg.Sequence, err)
	}
	defer body.Close()

	var written int64
	for {
		n, rerr := body.Read(p.buf)
		if n > 0 {
			wn, werr := p.sink.Write(p.buf[:n])
			written += int64(wn)
			if werr != nil {
				if isBrokenPipe(werr) {
					return written, ErrDownstreamClosed
				}
				return written, fmt.Errorf("writing segment %d: %w", seg.Sequence, werr)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			if seg.Kind == hls.SegmentPrefetch && httpclient.IsClosedByPeer(rerr) {
				// The origin finalized the partial segment under us.
				p.logger.Debug("prefetch segment truncated",
					slog.Int64("sequence", seg.Sequence),
					slog.Int64("written", written),
				)
				return written, nil
			}
			return written, fmt.Errorf("reading segment %d after %d bytes: %w", seg.Sequence, written, rerr)
		}
	}
}

// isBrokenPipe reports whether a sink write failed because the reader
// went away.
func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}
