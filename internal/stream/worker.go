package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jmylchreest/twitchpipe/internal/hls"
	"github.com/jmylchreest/twitchpipe/internal/httpclient"
)

// Refresh cadence bounds. The cadence is derived from the playlist's
// target duration and clamped into this window.
const (
	DefaultMinRefreshInterval = 500 * time.Millisecond
	DefaultMaxRefreshInterval = 4 * time.Second
)

// WorkerConfig configures one streaming run.
type WorkerConfig struct {
	// PlaylistURL is the resolved media playlist URL.
	PlaylistURL string

	// NoLowLatency disables the prefetch path.
	NoLowLatency bool

	// MaxRefreshFailures and MaxEmptyRefreshes are the selector's
	// failure thresholds; zero means the defaults.
	MaxRefreshFailures int
	MaxEmptyRefreshes  int

	// MinRefreshInterval and MaxRefreshInterval clamp the refresh
	// cadence; zero means the defaults.
	MinRefreshInterval time.Duration
	MaxRefreshInterval time.Duration

	Logger *slog.Logger
}

// Worker runs the streaming loop: refresh the playlist, hand the next
// segment to the pump, sleep out the remainder of the cadence, repeat.
// All work happens on the calling goroutine.
type Worker struct {
	cfg      WorkerConfig
	agent    *httpclient.Client
	selector *Selector
	pump     *Pump
	base     *url.URL
	logger   *slog.Logger
}

// NewWorker wires a worker to its HTTP agent and sink.
func NewWorker(agent *httpclient.Client, sink io.Writer, cfg WorkerConfig) (*Worker, error) {
	base, err := url.Parse(cfg.PlaylistURL)
	if err != nil {
		return nil, fmt.Errorf("invalid playlist URL: %w", err)
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if cfg.MaxRefreshInterval <= 0 {
		cfg.MaxRefreshInterval = DefaultMaxRefreshInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		cfg:   cfg,
		agent: agent,
		selector: NewSelector(SelectorConfig{
			NoLowLatency:       cfg.NoLowLatency,
			MaxRefreshFailures: cfg.MaxRefreshFailures,
			MaxEmptyRefreshes:  cfg.MaxEmptyRefreshes,
			Logger:             logger,
		}),
		pump:   NewPump(agent, sink, logger),
		base:   base,
		logger: logger,
	}, nil
}

// Run streams until the stream ends, the player closes the sink, the
// context is cancelled, or a failure threshold is crossed. A nil return
// is a successful termination (end-of-stream, channel offline, or
// downstream closed); ErrStreamStalled and ErrNetworkExhausted are the
// fatal outcomes, policy and permanent HTTP errors pass through.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pl, err := w.refresh(ctx)
		if err != nil {
			switch httpclient.KindOf(err) {
			case httpclient.KindGone:
				// The playlist vanished: the channel went offline.
				w.logger.Info("channel went offline")
				return nil
			case httpclient.KindPolicy, httpclient.KindPermanent:
				return err
			default:
				w.logger.Warn("playlist refresh failed",
					slog.String("error", err.Error()),
					slog.String("state", w.selector.State().String()),
				)
				if ferr := w.selector.RefreshFailed(); ferr != nil {
					return ferr
				}
				if serr := w.sleep(ctx, w.cfg.MinRefreshInterval); serr != nil {
					return serr
				}
				continue
			}
		}

		seg, err := w.selector.Feed(pl)
		if err != nil {
			if errors.Is(err, ErrStreamEnded) {
				w.logger.Info("stream ended")
				return nil
			}
			return err
		}

		var spent time.Duration
		if seg != nil {
			start := time.Now()
			written, werr := w.pump.WriteSegment(ctx, *seg)
			spent = time.Since(start)

			if werr != nil {
				if errors.Is(werr, ErrDownstreamClosed) {
					w.logger.Info("player closed the stream")
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Abandoned segment: position already advanced, trade
				// the gap for liveness.
				w.logger.Warn("segment abandoned",
					slog.Int64("sequence", seg.Sequence),
					slog.Int64("written", written),
					slog.String("error", werr.Error()),
				)
			} else {
				w.logger.Debug("segment written",
					slog.Int64("sequence", seg.Sequence),
					slog.String("kind", seg.Kind.String()),
					slog.Int64("bytes", written),
					slog.Duration("took", spent),
				)
			}
		}

		if w.selector.Drained() {
			w.logger.Info("stream ended")
			return nil
		}

		if err := w.sleep(ctx, w.cadence(pl)-spent); err != nil {
			return err
		}
	}
}

// refresh fetches and parses the media playlist once.
func (w *Worker) refresh(ctx context.Context) (*hls.MediaPlaylist, error) {
	status, body, err := w.agent.GetText(ctx, w.cfg.PlaylistURL, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("playlist returned status %d", status)
	}
	return hls.ParseMediaPlaylist(string(body), w.base)
}

// cadence derives the refresh interval: half the target duration on a
// low-latency stream, the target duration otherwise, clamped.
func (w *Worker) cadence(pl *hls.MediaPlaylist) time.Duration {
	d := pl.TargetDuration
	if w.selector.LowLatency() {
		d /= 2
	}
	if d < w.cfg.MinRefreshInterval {
		d = w.cfg.MinRefreshInterval
	}
	if d > w.cfg.MaxRefreshInterval {
		d = w.cfg.MaxRefreshInterval
	}
	return d
}

// sleep waits out the remainder of a tick, honoring cancellation.
func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
