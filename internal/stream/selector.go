package stream

import (
	"log/slog"

	"github.com/jmylchreest/twitchpipe/internal/hls"
)

// State is the selector's position in the stream lifecycle.
type State int

const (
	// StateInit precedes the first parsed playlist.
	StateInit State = iota

	// StateBuffering means a playlist arrived with nothing to play yet.
	StateBuffering

	// StateStreaming is the steady state: at most one new segment per
	// refresh.
	StateStreaming

	// StateCatchup means the last refresh carried more than one unseen
	// segment; the backlog drains one segment per tick.
	StateCatchup

	// StateEnded is terminal: end marker seen and all assigned segments
	// emitted, or the playlist is gone.
	StateEnded

	// StateFailed is terminal: a failure threshold was crossed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateBuffering:
		return "buffering"
	case StateStreaming:
		return "streaming"
	case StateCatchup:
		return "catchup"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Default failure thresholds. The protocol does not define these; they
// are conservative and tunable through SelectorConfig.
const (
	DefaultMaxRefreshFailures = 5
	DefaultMaxEmptyRefreshes  = 30
)

// SelectorConfig tunes the selector's policy.
type SelectorConfig struct {
	// NoLowLatency ignores prefetch segments entirely.
	NoLowLatency bool

	// MaxRefreshFailures is the consecutive failed-refresh threshold.
	MaxRefreshFailures int

	// MaxEmptyRefreshes is the consecutive no-new-segment threshold.
	MaxEmptyRefreshes int

	Logger *slog.Logger
}

// Selector decides which segment the pump gets next. It owns the
// last-written sequence number and the failure counters; it is fed one
// freshly parsed playlist per tick and yields at most one segment.
type Selector struct {
	cfg    SelectorConfig
	logger *slog.Logger

	state      State
	lastSeq    int64
	endSeq     int64
	lowLatency bool
	llObserved bool

	emptyRefreshes  int
	refreshFailures int
}

// NewSelector creates a selector in the Init state.
func NewSelector(cfg SelectorConfig) *Selector {
	if cfg.MaxRefreshFailures <= 0 {
		cfg.MaxRefreshFailures = DefaultMaxRefreshFailures
	}
	if cfg.MaxEmptyRefreshes <= 0 {
		cfg.MaxEmptyRefreshes = DefaultMaxEmptyRefreshes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Selector{
		cfg:     cfg,
		logger:  cfg.Logger,
		state:   StateInit,
		lastSeq: -1,
		endSeq:  -1,
	}
}

// State returns the current lifecycle state.
func (s *Selector) State() State { return s.state }

// LowLatency reports whether the stream was observed to be low-latency.
// The flag is sticky from the first playlist.
func (s *Selector) LowLatency() bool { return s.lowLatency }

// Drained reports whether the end marker was seen and every segment
// assigned a sequence number at or below it has been emitted.
func (s *Selector) Drained() bool {
	return s.endSeq >= 0 && s.lastSeq >= s.endSeq
}

// RefreshFailed records a transient refresh failure (network or parse).
// It returns ErrNetworkExhausted once the threshold is crossed;
// otherwise the state is unchanged and the worker retries next tick.
func (s *Selector) RefreshFailed() error {
	s.refreshFailures++
	if s.refreshFailures > s.cfg.MaxRefreshFailures {
		s.state = StateFailed
		return ErrNetworkExhausted
	}
	return nil
}

// Feed advances the state machine with a freshly parsed playlist and
// returns the next segment to write, or nil when there is nothing new.
// Terminal conditions are returned as ErrStreamEnded or ErrStreamStalled.
func (s *Selector) Feed(pl *hls.MediaPlaylist) (*hls.Segment, error) {
	switch s.state {
	case StateEnded:
		return nil, ErrStreamEnded
	case StateFailed:
		return nil, ErrStreamStalled
	}

	s.refreshFailures = 0

	segments := pl.Segments
	if s.cfg.NoLowLatency {
		segments = normalOnly(segments)
	}

	if !s.llObserved && len(segments) > 0 {
		s.lowLatency = pl.LowLatency && !s.cfg.NoLowLatency
		s.llObserved = true
	}

	if pl.Ended && s.endSeq < 0 {
		s.endSeq = highestSequence(segments)
		s.logger.Debug("end marker observed", slog.Int64("end_sequence", s.endSeq))
	}

	// A window that jumped backwards is a discontinuity: resume as if
	// from the live edge, one segment at a time.
	if s.lastSeq >= 0 && len(segments) > 0 && highestSequence(segments) < s.lastSeq {
		s.logger.Warn("playlist sequence jumped backwards, resetting",
			slog.Int64("last_written", s.lastSeq),
			slog.Int64("playlist_head", highestSequence(segments)),
		)
		s.lastSeq = -1
	}

	if s.lastSeq < 0 {
		return s.feedInitial(segments)
	}
	return s.feedSteady(segments)
}

// feedInitial picks the live edge: the newest prefetch segment on a
// low-latency stream, the newest normal segment otherwise.
func (s *Selector) feedInitial(segments []hls.Segment) (*hls.Segment, error) {
	if len(segments) == 0 {
		if s.Drained() {
			s.state = StateEnded
			return nil, ErrStreamEnded
		}
		s.state = StateBuffering
		return nil, s.countEmpty()
	}

	seg := segments[len(segments)-1]
	if !s.lowLatency {
		if last := lastNormal(segments); last != nil {
			seg = *last
		}
	}

	s.lastSeq = seg.Sequence
	s.state = StateStreaming
	s.emptyRefreshes = 0
	return &seg, nil
}

// feedSteady emits the oldest unseen segment, deferring any remainder to
// later ticks.
func (s *Selector) feedSteady(segments []hls.Segment) (*hls.Segment, error) {
	var backlog []hls.Segment
	for _, seg := range segments {
		if seg.Sequence <= s.lastSeq {
			continue
		}
		if s.endSeq >= 0 && seg.Sequence > s.endSeq {
			break
		}
		backlog = append(backlog, seg)
	}

	if len(backlog) == 0 {
		if s.Drained() {
			s.state = StateEnded
			return nil, ErrStreamEnded
		}
		return nil, s.countEmpty()
	}

	s.emptyRefreshes = 0
	if len(backlog) > 1 {
		if s.state != StateCatchup {
			s.logger.Debug("entering catchup",
				slog.Int("backlog", len(backlog)),
				slog.Int64("last_written", s.lastSeq),
			)
		}
		s.state = StateCatchup
	} else {
		s.state = StateStreaming
	}

	seg := backlog[0]
	s.lastSeq = seg.Sequence
	return &seg, nil
}

// countEmpty tracks refreshes that produced nothing new and fails the
// stream once the stall threshold is crossed.
func (s *Selector) countEmpty() error {
	s.emptyRefreshes++
	if s.emptyRefreshes > s.cfg.MaxEmptyRefreshes {
		s.state = StateFailed
		return ErrStreamStalled
	}
	return nil
}

func normalOnly(segments []hls.Segment) []hls.Segment {
	out := segments[:0:0]
	for _, seg := range segments {
		if seg.Kind == hls.SegmentNormal {
			out = append(out, seg)
		}
	}
	return out
}

func lastNormal(segments []hls.Segment) *hls.Segment {
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i].Kind == hls.SegmentNormal {
			return &segments[i]
		}
	}
	return nil
}

func highestSequence(segments []hls.Segment) int64 {
	if len(segments) == 0 {
		return -1
	}
	return segments[len(segments)-1].Sequence
}
