package twitch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmylchreest/twitchpipe/internal/hls"
	"github.com/jmylchreest/twitchpipe/internal/httpclient"
)

// ChannelPlaceholder is the literal substituted with the channel name in
// proxy server URL templates.
const ChannelPlaceholder = "{channel}"

// Resolver turns a channel name into a media playlist URL.
type Resolver struct {
	// Client handles direct acquisition against Twitch.
	Client *Client

	// Agent fetches master playlists from proxy servers. Auth headers
	// are deliberately not attached to these requests.
	Agent *httpclient.Client

	// Servers is an ordered list of proxy URL templates containing
	// ChannelPlaceholder. May be empty.
	Servers []string

	// NeverProxy lists channels that must always use direct acquisition.
	NeverProxy []string

	// Quality is "best", "worst", or a literal tag like "720p60".
	Quality string

	// Codecs is the codec family preference order, e.g. av1,h265,h264.
	Codecs []string

	// LowLatency requests prefetch hints from the usher edge.
	LowLatency bool

	Logger *slog.Logger
}

// Resolve returns the media playlist URL for the channel at the chosen
// quality. Proxy servers are tried in order first (unless the channel is
// in the never-proxy list); direct acquisition is the fallback.
func (r *Resolver) Resolve(ctx context.Context, channel string) (string, error) {
	logger := r.logger().With(slog.String("channel", channel))

	if len(r.Servers) > 0 && !r.neverProxied(channel) {
		for _, server := range r.Servers {
			masterURL := strings.ReplaceAll(server, ChannelPlaceholder, url.PathEscape(channel))
			master, err := r.fetchMaster(ctx, masterURL, nil)
			if err != nil {
				logger.Warn("proxy server failed, trying next",
					slog.String("server", server),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.Info("using proxy playlist server", slog.String("server", server))
			return r.selectVariant(master)
		}
		logger.Info("all proxy servers failed, falling back to direct acquisition")
	}

	token, err := r.Client.StreamToken(ctx, channel)
	if err != nil {
		return "", err
	}

	usherURL := r.Client.MasterPlaylistURL(channel, token, r.LowLatency)
	master, err := r.fetchMaster(ctx, usherURL, r.Client.authHeaders())
	if err != nil {
		return "", err
	}
	return r.selectVariant(master)
}

// fetchMaster GETs and parses a master playlist. Relative variant URIs
// are resolved against the request URL during parsing.
func (r *Resolver) fetchMaster(ctx context.Context, rawURL string, headers http.Header) (*hls.MasterPlaylist, error) {
	status, body, err := r.Agent.GetText(ctx, rawURL, headers)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("master playlist returned status %d", status)
	}

	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid master playlist URL: %w", err)
	}

	return hls.ParseMasterPlaylist(body, base)
}

func (r *Resolver) selectVariant(master *hls.MasterPlaylist) (string, error) {
	variant, err := master.SelectVariant(r.Quality, r.Codecs)
	if err != nil {
		return "", err
	}
	r.logger().Info("selected variant",
		slog.String("quality", variant.Quality),
		slog.Int("bandwidth", variant.Bandwidth),
		slog.String("codecs", strings.Join(variant.Codecs, ",")),
	)
	return variant.URL, nil
}

func (r *Resolver) neverProxied(channel string) bool {
	for _, c := range r.NeverProxy {
		if strings.EqualFold(c, channel) {
			return true
		}
	}
	return false
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
