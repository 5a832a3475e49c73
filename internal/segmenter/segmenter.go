// Package segmenter converts a keyframe timeline and a target segment
// length into an ordered list of accurate segments (C3, §4.3), with a
// uniform-bin fallback for when keyframe probing failed (§9).
package segmenter

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/rpaschoal/jithls/internal/domain"
)

const minSegmentDuration = 0.5

// Compute walks the keyframe timeline: at each step it finds the next
// keyframe at-or-after the cursor as the segment start, then picks
// whichever keyframe lands closest to cursor+target as the segment end
// — the nearest candidate on either side of the target, not simply the
// first one at or after it, since a GOP boundary just short of the
// target is usually a better cut point than one far past it. The final
// span runs to the media duration rather than a keyframe; if that span is
// shorter than 0.5s it is not emitted, and the previous segment's end
// keyframe stays the last boundary.
func Compute(keyframes []domain.Keyframe, target, duration float64) []domain.Segment {
	if len(keyframes) == 0 {
		return nil
	}

	var segments []domain.Segment
	t := 0.0
	segmentNumber := 0

	for {
		startIdx := firstAtOrAfter(keyframes, t)
		if startIdx == -1 {
			break
		}
		start := keyframes[startIdx]

		endTarget := t + target
		endIdx := nearestAtOrAfter(keyframes, startIdx, endTarget)

		var endTime float64
		isFinal := endIdx == -1 || keyframes[endIdx].Index == start.Index
		if isFinal {
			endTime = duration
		} else {
			endTime = keyframes[endIdx].PTS
		}

		dur := endTime - start.PTS
		if dur < minSegmentDuration {
			t = endTime
			if isFinal {
				break
			}
			continue
		}

		endKFIndex := start.Index
		if !isFinal {
			endKFIndex = keyframes[endIdx].Index
		}

		segments = append(segments, domain.Segment{
			SegmentNumber:      segmentNumber,
			StartTime:          start.PTS,
			EndTime:            endTime,
			Duration:           dur,
			StartKeyframeIndex: start.Index,
			EndKeyframeIndex:   endKFIndex,
			FileName:           fileName(segmentNumber),
		})

		t = endTime
		segmentNumber++

		if isFinal {
			break
		}
	}

	return segments
}

// Approximate builds uniform T-second bins when keyframe probing failed
// (§9 "Fallback to approximate segmentation"). Boundaries are not
// keyframe-aligned.
func Approximate(target, duration float64) []domain.Segment {
	if duration <= 0 || target <= 0 {
		return nil
	}

	var segments []domain.Segment
	n := 0
	for start := 0.0; start < duration; start += target {
		end := math.Min(start+target, duration)
		if end-start < minSegmentDuration && n > 0 {
			break
		}
		segments = append(segments, domain.Segment{
			SegmentNumber: n,
			StartTime:     start,
			EndTime:       end,
			Duration:      end - start,
			FileName:      fileName(n),
		})
		n++
	}
	return segments
}

// ValidateTiling checks the post-conditions of §4.3: segments must tile
// [0, duration) without a gap larger than 0.1s or an overlap larger than
// 0.01s. Mismatches are logged, never fatal (§4.3 "logged but not
// fatal").
func ValidateTiling(segments []domain.Segment, duration float64, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(segments) == 0 {
		return
	}

	if segments[0].StartTime > 0.1 {
		logger.Warn("segment tiling gap before first segment", slog.Float64("start", segments[0].StartTime))
	}

	for i := 1; i < len(segments); i++ {
		gap := segments[i].StartTime - segments[i-1].EndTime
		if gap > 0.1 {
			logger.Warn("segment tiling gap", slog.Int("index", i), slog.Float64("gap_seconds", gap))
		} else if gap < -0.01 {
			logger.Warn("segment tiling overlap", slog.Int("index", i), slog.Float64("overlap_seconds", -gap))
		}
	}

	if last := segments[len(segments)-1]; math.Abs(last.EndTime-duration) > 0.1 {
		logger.Warn("final segment does not reach media duration", slog.Float64("end", last.EndTime), slog.Float64("duration", duration))
	}
}

func firstAtOrAfter(keyframes []domain.Keyframe, t float64) int {
	for i, kf := range keyframes {
		if kf.PTS >= t {
			return i
		}
	}
	return -1
}

// nearestAtOrAfter scans the keyframes following startIdx and returns
// the index of whichever one lands closest to target: the last one
// strictly before it, or the first one at-or-after it. If no keyframe
// at-or-after target exists, the segment ending here is final and -1
// is returned regardless of any earlier candidate.
func nearestAtOrAfter(keyframes []domain.Keyframe, startIdx int, target float64) int {
	before := -1
	for i := startIdx + 1; i < len(keyframes); i++ {
		if keyframes[i].PTS < target {
			before = i
			continue
		}

		if before == -1 {
			return i
		}
		if target-keyframes[before].PTS <= keyframes[i].PTS-target {
			return before
		}
		return i
	}
	return -1
}

func fileName(segmentNumber int) string {
	return fmt.Sprintf("segment_%03d.ts", segmentNumber)
}
