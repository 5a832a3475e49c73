// Package playlist synthesizes HLS master and per-variant VOD playlists
// from a segment list (C4, §4.4).
package playlist

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rpaschoal/jithls/internal/domain"
)

// extinfMargin is added to every segment's real duration when writing
// EXTINF, guaranteeing the HLS requirement that EXTINF upper-bounds the
// actual produced duration (§4.4).
const extinfMargin = 0.05

// Master emits the top-level manifest: one #EXT-X-STREAM-INF per
// profile, sorted by descending height (§4.4).
func Master(profiles []domain.QualityProfile) string {
	sorted := make([]domain.QualityProfile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Height > sorted[j].Height })

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	for _, p := range sorted {
		bps := parseBitrate(p.VideoBitrate)
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,NAME=\"%s\"\n", bps, p.Width, p.Height, p.Name)
		fmt.Fprintf(&b, "%s/playlist.m3u8\n", p.Name)
	}

	return b.String()
}

// Variant emits the per-quality VOD manifest for an already-computed
// segment list (§4.4).
func Variant(segments []domain.Segment) string {
	var maxDuration float64
	for _, s := range segments {
		if d := s.Duration + extinfMargin; d > maxDuration {
			maxDuration = d
		}
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(maxDuration)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")

	for i, s := range segments {
		if i > 0 {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", s.Duration+extinfMargin)
		b.WriteString(s.FileName + "\n")
	}

	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// parseBitrate parses a human-readable bitrate string ("3M", "128k")
// into bits per second (§4.4).
func parseBitrate(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	mult := 1.0
	numeric := s
	switch {
	case strings.HasSuffix(s, "M") || strings.HasSuffix(s, "m"):
		mult = 1e6
		numeric = s[:len(s)-1]
	case strings.HasSuffix(s, "K") || strings.HasSuffix(s, "k"):
		mult = 1e3
		numeric = s[:len(s)-1]
	}

	v, err := strconv.ParseFloat(numeric, 64)
	if err != nil {
		return 0
	}
	return int(v * mult)
}
