// Package profile implements the quality preset catalog and the
// resolution-eligibility rule of spec.md §4.2 (C2).
package profile

import (
	"fmt"
	"math"

	"github.com/rpaschoal/jithls/internal/domain"
)

// catalog lists presets from highest to lowest quality. 360p is always
// eligible and always appended last by Eligible.
var catalog = []domain.QualityProfile{
	{Name: "1080p", Width: 1920, Height: 1080, VideoBitrate: "5M", AudioBitrate: "192k", MaxRate: "5.5M", BufSize: "11M"},
	{Name: "720p", Width: 1280, Height: 720, VideoBitrate: "3M", AudioBitrate: "128k", MaxRate: "3.3M", BufSize: "6.6M"},
	{Name: "480p", Width: 854, Height: 480, VideoBitrate: "1.5M", AudioBitrate: "128k", MaxRate: "1.65M", BufSize: "3.3M"},
	{Name: "360p", Width: 640, Height: 360, VideoBitrate: "800k", AudioBitrate: "96k", MaxRate: "880k", BufSize: "1.76M"},
}

const the360pName = "360p"

func find360p() domain.QualityProfile {
	for _, p := range catalog {
		if p.Name == the360pName {
			return p
		}
	}
	panic("profile: 360p preset missing from catalog")
}

// Eligible returns, highest-to-lowest, the presets whose dimensions fit
// the source (no upscaling), always appending 360p. If the source is
// itself smaller than 360p, a custom profile matching the source
// dimensions is prepended ahead of the still-appended 360p (§4.2).
func Eligible(width, height int) []domain.QualityProfile {
	var eligible []domain.QualityProfile

	for _, p := range catalog {
		if p.Name == the360pName {
			continue
		}
		if width >= p.Width && height >= p.Height {
			eligible = append(eligible, p)
		}
	}

	if width < find360p().Width || height < find360p().Height {
		eligible = append([]domain.QualityProfile{customProfile(width, height)}, eligible...)
	}

	eligible = append(eligible, find360p())
	return eligible
}

func customProfile(width, height int) domain.QualityProfile {
	// Scale bitrate proportionally to pixel count relative to 360p,
	// floored at a usable minimum for very small sources.
	ref := find360p()
	refPixels := ref.Width * ref.Height
	srcPixels := width * height
	ratio := float64(srcPixels) / float64(refPixels)
	bitrate := int(math.Max(200_000, 800_000*ratio))

	return domain.QualityProfile{
		Name:         "source",
		Width:        width,
		Height:       height,
		VideoBitrate: fmt.Sprintf("%dk", bitrate/1000),
		AudioBitrate: "96k",
		MaxRate:      fmt.Sprintf("%dk", (bitrate*11/10)/1000),
		BufSize:      fmt.Sprintf("%dk", (bitrate*22/10)/1000),
	}
}

// GOPSize computes the forced-keyframe interval in frames (§4.2).
func GOPSize(fps, segmentDuration float64) int {
	return int(math.Round(fps * segmentDuration))
}

// KeyframeExpr returns the forced-keyframe expression consumed by the
// encoder option builder (§4.2, §4.5).
func KeyframeExpr(segmentDuration float64) string {
	return fmt.Sprintf("expr:gte(t,n_forced*%g)", segmentDuration)
}
