// Package twitch resolves a channel name to a media playlist URL of the
// requested quality, either through user-supplied proxy servers or
// directly against Twitch's GraphQL token endpoint and usher host.
package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/twitchpipe/internal/httpclient"
)

const (
	gqlURL          = "https://gql.twitch.tv/gql"
	usherURLFormat  = "https://usher.ttvnw.net/api/channel/hls/%s.m3u8"
	tokenPlayerType = "site"

	// DefaultClientID is the web player's public client id, used when the
	// user has not configured their own.
	DefaultClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"
)

// playbackTokenQuery is the GraphQL template query the web player issues
// for a stream access token.
const playbackTokenQuery = `query PlaybackAccessToken_Template(` +
	`$login: String!, $isLive: Boolean!, $vodID: ID!, $isVod: Boolean!, $playerType: String!) {` +
	`  streamPlaybackAccessToken(channelName: $login, params: {platform: "web", ` +
	`playerBackend: "mediaplayer", playerType: $playerType}) @include(if: $isLive) {` +
	`    value    signature    __typename  }` +
	`  videoPlaybackAccessToken(id: $vodID, params: {platform: "web", ` +
	`playerBackend: "mediaplayer", playerType: $playerType}) @include(if: $isVod) {` +
	`    value    signature    __typename  }}`

// AccessToken is the signed blob and signature returned by the token
// endpoint, passed through verbatim as usher query parameters.
type AccessToken struct {
	Value     string
	Signature string
}

// Client talks to Twitch's token endpoint and builds usher URLs.
type Client struct {
	agent     *httpclient.Client
	clientID  string
	authToken string
	sessionID string
	logger    *slog.Logger

	// Endpoint overrides for tests.
	gqlEndpoint string
	usherFormat string
}

// NewClient creates a Twitch API client on top of the HTTP agent.
// clientID falls back to the web player id; authToken is the user's
// OAuth token and may be empty.
func NewClient(agent *httpclient.Client, clientID, authToken string, logger *slog.Logger) *Client {
	if clientID == "" {
		clientID = DefaultClientID
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		agent:       agent,
		clientID:    clientID,
		authToken:   authToken,
		sessionID:   strings.ToLower(ulid.Make().String()),
		logger:      logger,
		gqlEndpoint: gqlURL,
		usherFormat: usherURLFormat,
	}
}

// SessionID is the per-run play session identifier, also attached to the
// run logger so usher requests can be correlated.
func (c *Client) SessionID() string {
	return c.sessionID
}

// authHeaders returns the Client-ID and OAuth headers for Twitch-auth-capable
// requests. These must never be sent to third-party proxy servers.
func (c *Client) authHeaders() http.Header {
	hdr := http.Header{}
	hdr.Set("Client-ID", c.clientID)
	if c.authToken != "" {
		hdr.Set("Authorization", "OAuth "+c.authToken)
	}
	return hdr
}

// StreamToken obtains a stream access token for the channel.
func (c *Client) StreamToken(ctx context.Context, channel string) (*AccessToken, error) {
	payload, err := json.Marshal(map[string]any{
		"operationName": "PlaybackAccessToken_Template",
		"query":         playbackTokenQuery,
		"variables": map[string]any{
			"isLive":     true,
			"login":      channel,
			"isVod":      false,
			"vodID":      "",
			"playerType": tokenPlayerType,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}

	status, body, err := c.agent.PostJSON(ctx, c.gqlEndpoint, payload, c.authHeaders())
	if err != nil {
		return nil, fmt.Errorf("requesting access token: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("access token endpoint returned status %d", status)
	}

	var resp struct {
		Data struct {
			StreamPlaybackAccessToken *struct {
				Value     string `json:"value"`
				Signature string `json:"signature"`
			} `json:"streamPlaybackAccessToken"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding access token response: %w", err)
	}
	tok := resp.Data.StreamPlaybackAccessToken
	if tok == nil || tok.Value == "" {
		return nil, fmt.Errorf("no access token for channel %q", channel)
	}

	c.logger.Debug("obtained stream access token", slog.String("channel", channel))
	return &AccessToken{Value: tok.Value, Signature: tok.Signature}, nil
}

// MasterPlaylistURL builds the usher request for the channel. fastBread
// asks the edge for the low-latency playlist with prefetch hints.
func (c *Client) MasterPlaylistURL(channel string, token *AccessToken, fastBread bool) string {
	q := url.Values{}
	q.Set("token", token.Value)
	q.Set("sig", token.Signature)
	q.Set("allow_source", "true")
	q.Set("allow_audio_only", "true")
	q.Set("playlist_include_framerate", "true")
	q.Set("player_backend", "mediaplayer")
	q.Set("fast_bread", strconv.FormatBool(fastBread))
	q.Set("p", strconv.Itoa(rand.IntN(10_000_000)))
	q.Set("play_session_id", c.sessionID)

	return fmt.Sprintf(c.usherFormat, url.PathEscape(channel)) + "?" + q.Encode()
}
