package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/twitchpipe/internal/hls"
	"github.com/jmylchreest/twitchpipe/internal/httpclient"
)

func mustParse(t *testing.T, text string) *hls.MediaPlaylist {
	t.Helper()
	pl, err := hls.ParseMediaPlaylist(text, nil)
	require.NoError(t, err)
	return pl
}

// liveOrigin simulates a Twitch edge: a playlist endpoint whose window
// advances per refresh, plus segment endpoints serving their name.
type liveOrigin struct {
	refreshes atomic.Int32
	playlist  func(refresh int32) (status int, body string)
}

func (o *liveOrigin) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		n := o.refreshes.Add(1)
		status, body := o.playlist(n)
		w.WriteHeader(status)
		io.WriteString(w, body)
	})
	mux.HandleFunc("/seg/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "[%s]", r.URL.Path[len("/seg/"):])
	})
	return mux
}

func playlistBody(ended bool, seqs ...int) string {
	body := "#EXTM3U\n#EXT-X-TARGETDURATION:2\n"
	if len(seqs) > 0 {
		body += fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", seqs[0])
	}
	for _, s := range seqs {
		body += fmt.Sprintf("#EXTINF:2.0,\nseg/%d\n", s)
	}
	if ended {
		body += "#EXT-X-ENDLIST\n"
	}
	return body
}

func testWorker(t *testing.T, server *httptest.Server, sink io.Writer) *Worker {
	t.Helper()

	cfg := httpclient.DefaultConfig()
	cfg.Retries = 0
	cfg.RetryDelay = time.Millisecond
	agent := httpclient.New(cfg)
	t.Cleanup(agent.Close)

	w, err := NewWorker(agent, sink, WorkerConfig{
		PlaylistURL:        server.URL + "/playlist.m3u8",
		MinRefreshInterval: time.Millisecond,
		MaxRefreshInterval: 5 * time.Millisecond,
		MaxEmptyRefreshes:  5,
		MaxRefreshFailures: 2,
	})
	require.NoError(t, err)
	return w
}

func TestWorker_HappyPathToEndOfStream(t *testing.T) {
	origin := &liveOrigin{playlist: func(refresh int32) (int, string) {
		switch {
		case refresh == 1:
			return 200, playlistBody(false, 10, 11, 12)
		case refresh == 2:
			return 200, playlistBody(false, 11, 12, 13)
		default:
			return 200, playlistBody(true, 12, 13, 14)
		}
	}}
	server := httptest.NewServer(origin.handler())
	defer server.Close()

	var sink bytes.Buffer
	w := testWorker(t, server, &sink)

	err := w.Run(context.Background())
	require.NoError(t, err)

	// First tick emits the live edge (12), then one new segment per tick.
	assert.Equal(t, "[12][13][14]", sink.String())
}

func TestWorker_ChannelOffline(t *testing.T) {
	origin := &liveOrigin{playlist: func(refresh int32) (int, string) {
		if refresh == 1 {
			return 200, playlistBody(false, 5)
		}
		return 404, ""
	}}
	server := httptest.NewServer(origin.handler())
	defer server.Close()

	var sink bytes.Buffer
	w := testWorker(t, server, &sink)

	err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "[5]", sink.String())
}

func TestWorker_Stalled(t *testing.T) {
	origin := &liveOrigin{playlist: func(refresh int32) (int, string) {
		return 200, playlistBody(false, 7)
	}}
	server := httptest.NewServer(origin.handler())
	defer server.Close()

	var sink bytes.Buffer
	w := testWorker(t, server, &sink)

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrStreamStalled)
	assert.Equal(t, "[7]", sink.String())
}

func TestWorker_NetworkExhausted(t *testing.T) {
	origin := &liveOrigin{playlist: func(refresh int32) (int, string) {
		return 500, ""
	}}
	server := httptest.NewServer(origin.handler())
	defer server.Close()

	var sink bytes.Buffer
	w := testWorker(t, server, &sink)

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrNetworkExhausted)
}

func TestWorker_ParseErrorsCountTowardFailures(t *testing.T) {
	origin := &liveOrigin{playlist: func(refresh int32) (int, string) {
		return 200, "#EXTM3U\n#EXT-X-TARGETDURATION:not-a-number\n"
	}}
	server := httptest.NewServer(origin.handler())
	defer server.Close()

	var sink bytes.Buffer
	w := testWorker(t, server, &sink)

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrNetworkExhausted)
}

func TestWorker_DownstreamClosed(t *testing.T) {
	origin := &liveOrigin{playlist: func(refresh int32) (int, string) {
		return 200, playlistBody(false, int(refresh)+10)
	}}
	server := httptest.NewServer(origin.handler())
	defer server.Close()

	pr, pw := io.Pipe()
	pr.Close()

	w := testWorker(t, server, pw)
	err := w.Run(context.Background())
	require.NoError(t, err)
}

func TestWorker_ContextCancellation(t *testing.T) {
	origin := &liveOrigin{playlist: func(refresh int32) (int, string) {
		return 200, playlistBody(false, int(refresh)+10)
	}}
	server := httptest.NewServer(origin.handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var sink bytes.Buffer
	w := testWorker(t, server, &sink)

	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorker_InvalidPlaylistURL(t *testing.T) {
	agent := httpclient.NewWithDefaults()
	defer agent.Close()

	_, err := NewWorker(agent, io.Discard, WorkerConfig{PlaylistURL: "://bad"})
	assert.Error(t, err)
}

func TestWorker_Cadence(t *testing.T) {
	agent := httpclient.NewWithDefaults()
	defer agent.Close()

	w, err := NewWorker(agent, io.Discard, WorkerConfig{
		PlaylistURL: "https://e/playlist.m3u8",
	})
	require.NoError(t, err)

	t.Run("normal latency uses target duration", func(t *testing.T) {
		pl := mustParse(t, playlistBody(false, 1))
		assert.Equal(t, 2*time.Second, w.cadence(pl))
	})

	t.Run("clamped to maximum", func(t *testing.T) {
		pl := mustParse(t, "#EXTM3U\n#EXT-X-TARGETDURATION:30\n")
		assert.Equal(t, DefaultMaxRefreshInterval, w.cadence(pl))
	})

	t.Run("clamped to minimum", func(t *testing.T) {
		pl := mustParse(t, "#EXTM3U\n#EXT-X-TARGETDURATION:0\n")
		assert.Equal(t, DefaultMinRefreshInterval, w.cadence(pl))
	})
}
