// Package ffmpeg builds the external encoder argument vector for each
// backend (C5, §4.5): codec selection, rate control, GOP sizing, scaling,
// and the error-resilience/global-flag helpers the Transcoder Worker
// composes into a full command line (§4.6).
package ffmpeg

import (
	"fmt"

	"github.com/rpaschoal/jithls/internal/domain"
	"github.com/rpaschoal/jithls/internal/profile"
)

// Builder produces backend-specific argument fragments. Speed selects the
// "speed" profile (fast bilinear scaling, reduced lookahead, lower
// probesize) over the default "balanced" one (§4.5).
type Builder struct {
	Backend domain.Backend
	Speed   bool
}

// New returns a Builder for the given backend and speed/balanced mode.
func New(backend domain.Backend, speed bool) *Builder {
	return &Builder{Backend: backend, Speed: speed}
}

// VideoArgs returns the ordered video encoder argument vector: codec
// selector, preset, rate-control mode, bitrate/maxrate/bufsize, GOP size,
// forced keyframe expression, H.264 profile level, pixel format, and
// backend-specific quality flags (§4.5).
func (b *Builder) VideoArgs(q domain.QualityProfile, fps, segmentDuration float64) []string {
	gop := profile.GOPSize(fps, segmentDuration)
	kfExpr := profile.KeyframeExpr(segmentDuration)

	var args []string
	switch b.Backend {
	case domain.BackendNVENC:
		args = b.nvencVideoArgs(q, gop)
	case domain.BackendQSV:
		args = b.qsvVideoArgs(q, gop)
	default:
		args = b.cpuVideoArgs(q, gop)
	}

	args = append(args,
		"-b:v", q.VideoBitrate,
		"-maxrate", q.MaxRate,
		"-bufsize", q.BufSize,
		"-g", fmt.Sprintf("%d", gop),
		"-force_key_frames", kfExpr,
		"-pix_fmt", "yuv420p",
	)

	return args
}

// cpuVideoArgs selects libx264 (target bitrate, VBV-capped by the
// maxrate/bufsize VideoArgs appends) and x264's own lookahead knob (§4.5).
func (b *Builder) cpuVideoArgs(q domain.QualityProfile, gop int) []string {
	preset := "medium"
	if b.Speed {
		preset = "veryfast"
	}

	args := []string{
		"-c:v", "libx264",
		"-preset", preset,
		"-profile:v", "high",
		"-level", "4.1",
	}

	if b.Speed {
		args = append(args, "-x264-params", "rc-lookahead=10")
	} else {
		args = append(args, "-x264-params", fmt.Sprintf("rc-lookahead=%d", gop*2))
	}

	return args
}

// nvencVideoArgs targets NVIDIA's h264_nvenc, with adaptive quantization
// and a lookahead window sized for the balanced profile, dropped to a
// minimum in speed mode (§4.5).
func (b *Builder) nvencVideoArgs(q domain.QualityProfile, gop int) []string {
	preset := "p5"
	lookahead := "20"
	if b.Speed {
		preset = "p1"
		lookahead = "0"
	}

	return []string{
		"-c:v", "h264_nvenc",
		"-preset", preset,
		"-profile:v", "high",
		"-level", "4.1",
		"-rc", "vbr",
		"-spatial_aq", "1",
		"-temporal_aq", "1",
		"-rc-lookahead", lookahead,
		"-zerolatency", boolFlag(b.Speed),
	}
}

// qsvVideoArgs targets Intel's h264_qsv, with look-ahead rate control in
// balanced mode and low-power encoding for speed (§4.5).
func (b *Builder) qsvVideoArgs(q domain.QualityProfile, gop int) []string {
	preset := "medium"
	if b.Speed {
		preset = "veryfast"
	}

	args := []string{
		"-c:v", "h264_qsv",
		"-preset", preset,
		"-profile:v", "high",
		"-level", "4.1",
	}

	if b.Speed {
		args = append(args, "-low_power", "1")
	} else {
		args = append(args, "-look_ahead", "1", "-look_ahead_depth", "40")
	}

	return args
}

// AudioArgs returns the fixed AAC audio encoder arguments: source-specified
// bitrate, 48 kHz stereo (§4.5).
func AudioArgs(audioBitrate string) []string {
	return []string{
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-ar", "48000",
		"-ac", "2",
	}
}

// ScaleFilter returns the video filter graph: pass-through ("") if source
// dimensions already equal the target, otherwise a scale filter with
// high-quality resampling in balanced mode or fast bilinear in speed mode
// (§4.5).
func (b *Builder) ScaleFilter(srcWidth, srcHeight, dstWidth, dstHeight int) string {
	if srcWidth == dstWidth && srcHeight == dstHeight {
		return ""
	}

	algo := "lanczos"
	if b.Speed {
		algo = "fast_bilinear"
	}
	return fmt.Sprintf("scale=%d:%d:flags=%s", dstWidth, dstHeight, algo)
}

// ErrorResilienceArgs exposes the decoder/muxer error-tolerance flags as a
// standalone helper (§4.5).
func ErrorResilienceArgs() []string {
	return []string{
		"-err_detect", "ignore_err",
		"-fflags", "+genpts+igndts",
	}
}

// GlobalArgs exposes the quiet-logging and probe-size-reduction flags as a
// standalone helper; probe size is reduced further in speed mode (§4.5).
func (b *Builder) GlobalArgs() []string {
	args := []string{"-hide_banner", "-loglevel", "warning", "-nostats"}
	if b.Speed {
		args = append(args, "-probesize", "32k", "-analyzeduration", "0")
	}
	return args
}

// SingleSegmentKeyframeExpr is the forced-keyframe override used by the
// Transcoder Worker for one-off segment encoding: only the first frame
// needs to be forced (§4.6 step 2).
const SingleSegmentKeyframeExpr = "expr:eq(n,0)"

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
