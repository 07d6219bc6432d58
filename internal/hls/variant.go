package hls

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// ErrQualityNotFound is returned when no variant matches the requested
// quality tag.
var ErrQualityNotFound = errors.New("quality not found in master playlist")

// Pseudo-qualities accepted in place of a literal tag.
const (
	QualityBest  = "best"
	QualityWorst = "worst"
)

// Variant is one rendition offered by a master playlist.
type Variant struct {
	// Quality is the user-facing tag, e.g. "720p60" or "audio_only".
	Quality string

	// URL is the absolute media playlist URL.
	URL string

	// Bandwidth is the advertised peak bitrate in bits per second.
	Bandwidth int

	// Codecs lists the RFC 6381 codec strings, e.g. "avc1.4D402A".
	Codecs []string
}

// MasterPlaylist is a parsed multivariant playlist in declaration order.
// Twitch lists variants highest quality first.
type MasterPlaylist struct {
	Variants []Variant
}

// ParseMasterPlaylist parses a multivariant playlist. Relative variant
// URIs are resolved against base. The quality tag for each variant is
// taken from the NAME of the VIDEO rendition group it references, which
// is where Twitch puts the human-readable tag.
func ParseMasterPlaylist(data []byte, base *url.URL) (*MasterPlaylist, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing master playlist: %w", err)
	}

	mv, ok := pl.(*playlist.Multivariant)
	if !ok {
		return nil, fmt.Errorf("expected multivariant playlist, got %T", pl)
	}

	groupNames := make(map[string]string)
	for _, r := range mv.Renditions {
		if r.Type == playlist.MultivariantRenditionTypeVideo && r.GroupID != "" {
			groupNames[r.GroupID] = r.Name
		}
	}

	master := &MasterPlaylist{}
	for _, v := range mv.Variants {
		u, err := resolveURL(base, v.URI)
		if err != nil {
			return nil, fmt.Errorf("invalid variant URI %q: %w", v.URI, err)
		}
		master.Variants = append(master.Variants, Variant{
			Quality:   variantQuality(v, groupNames),
			URL:       u,
			Bandwidth: v.Bandwidth,
			Codecs:    v.Codecs,
		})
	}
	return master, nil
}

// variantQuality derives the quality tag for a variant: the VIDEO
// rendition name, or the group id itself, or the resolution as a last
// resort.
func variantQuality(v *playlist.MultivariantVariant, groupNames map[string]string) string {
	if name, ok := groupNames[v.Video]; ok && name != "" {
		return normalizeQuality(name)
	}
	if v.Video != "" {
		return normalizeQuality(v.Video)
	}
	return v.Resolution
}

// normalizeQuality strips Twitch's source marker: the top rendition is
// named e.g. "1080p60 (source)" but users select it as "1080p60".
func normalizeQuality(name string) string {
	if idx := strings.IndexByte(name, ' '); idx > 0 {
		return name[:idx]
	}
	return name
}

// codecPrefixes maps a user-facing codec family name to the RFC 6381
// prefixes it covers.
var codecPrefixes = map[string][]string{
	"av1":  {"av01"},
	"h265": {"hvc1", "hev1"},
	"h264": {"avc1"},
}

// SelectVariant picks the media playlist URL for the requested quality.
// Quality is "best" (first variant), "worst" (last variant), or a
// literal tag such as "720p60". When several variants advertise the same
// quality with different codecs, prefs orders the codec families
// ("av1,h265,h264" style); the first family with a match wins. An empty
// prefs keeps playlist order.
func (m *MasterPlaylist) SelectVariant(quality string, prefs []string) (Variant, error) {
	if len(m.Variants) == 0 {
		return Variant{}, ErrQualityNotFound
	}

	switch quality {
	case QualityBest, "":
		return m.pickCodec(m.variantsFor(m.Variants[0].Quality), prefs), nil
	case QualityWorst:
		return m.pickCodec(m.variantsFor(m.Variants[len(m.Variants)-1].Quality), prefs), nil
	}

	candidates := m.variantsFor(quality)
	if len(candidates) == 0 {
		return Variant{}, fmt.Errorf("%w: %q", ErrQualityNotFound, quality)
	}
	return m.pickCodec(candidates, prefs), nil
}

// variantsFor returns all variants carrying the given quality tag, in
// declaration order.
func (m *MasterPlaylist) variantsFor(quality string) []Variant {
	var out []Variant
	for _, v := range m.Variants {
		if strings.EqualFold(v.Quality, quality) {
			out = append(out, v)
		}
	}
	return out
}

// pickCodec applies the codec preference order to a non-empty candidate
// list. Candidates that match an earlier family beat later ones; with no
// match (or no preferences) the first candidate stands.
func (m *MasterPlaylist) pickCodec(candidates []Variant, prefs []string) Variant {
	for _, pref := range prefs {
		prefixes, ok := codecPrefixes[strings.ToLower(strings.TrimSpace(pref))]
		if !ok {
			prefixes = []string{strings.ToLower(strings.TrimSpace(pref))}
		}
		for _, v := range candidates {
			if codecMatches(v.Codecs, prefixes) {
				return v
			}
		}
	}
	return candidates[0]
}

func codecMatches(codecs, prefixes []string) bool {
	for _, c := range codecs {
		lc := strings.ToLower(c)
		for _, p := range prefixes {
			if strings.HasPrefix(lc, p) {
				return true
			}
		}
	}
	return false
}
