// Package transcoder spawns the external encoder process for a single
// segment and reports success or a classified failure (C6, §4.6).
package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rpaschoal/jithls/internal/domain"
	"github.com/rpaschoal/jithls/internal/ffmpeg"
)

const defaultStderrCaptureBytes = 1024

// KeyframeProber is the narrow collaborator used for optional
// post-transcode validation: a fresh probe of the segment that was just
// produced.
type KeyframeProber interface {
	AnalyzeKeyframes(ctx context.Context, path string) ([]domain.Keyframe, error)
}

// Transcoder drives one external encoder invocation per segment.
type Transcoder struct {
	FFmpegPath         string
	StderrCaptureBytes int
	Processes          *domain.ProcessGroup
	Logger             *slog.Logger

	// Validate, when true, probes the produced segment for a leading
	// keyframe after a successful exit. Strict turns a validation
	// failure into an error instead of a logged warning (open question
	// #3: validation strictness).
	Validate bool
	Strict   bool
	Prober   KeyframeProber
}

// New returns a Transcoder with defaults applied.
func New(ffmpegPath string, processes *domain.ProcessGroup, logger *slog.Logger) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcoder{
		FFmpegPath:         ffmpegPath,
		StderrCaptureBytes: defaultStderrCaptureBytes,
		Processes:          processes,
		Logger:             logger,
	}
}

// Transcode encodes one segment per the structural template of §4.6 and
// returns whether the encoder exited cleanly.
func (t *Transcoder) Transcode(
	ctx context.Context,
	mediaPath string,
	segment domain.Segment,
	q domain.QualityProfile,
	analysis domain.MediaAnalysis,
	outputPath string,
	backend domain.Backend,
) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return false, fmt.Errorf("%w: create output dir: %v", domain.ErrTranscodeFailed, err)
	}

	args := t.buildArgs(mediaPath, segment, q, analysis, outputPath, backend)

	cmd := exec.CommandContext(ctx, t.FFmpegPath, args...)
	cmd.Stdin = nil
	tail := &tailBuffer{max: t.captureBytes()}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("%w: start encoder: %v", domain.ErrTranscodeFailed, err)
	}

	if t.Processes != nil && !t.Processes.Add(cmd) {
		_ = cmd.Process.Kill()
		return false, fmt.Errorf("%w: engine shutting down", domain.ErrShutdown)
	}

	waitErr := cmd.Wait()
	if t.Processes != nil {
		t.Processes.Remove(cmd)
	}

	if waitErr != nil {
		class := classifyFailure(tail.String())
		t.Logger.Error("encoder exited non-zero",
			slog.String("backend", string(backend)),
			slog.String("failure_class", string(class)),
			slog.String("stderr_tail", tail.String()),
		)
		return false, fmt.Errorf("%w: backend %s: %s", domain.ErrTranscodeFailed, backend, class)
	}

	if t.Validate && t.Prober != nil {
		if err := t.validateOutput(ctx, outputPath); err != nil {
			if t.Strict {
				return false, fmt.Errorf("%w: validation: %v", domain.ErrTranscodeFailed, err)
			}
			t.Logger.Warn("segment validation failed, accepting non-strictly",
				slog.String("output", outputPath), slog.String("error", err.Error()))
		}
	}

	return true, nil
}

func (t *Transcoder) validateOutput(ctx context.Context, outputPath string) error {
	keyframes, err := t.Prober.AnalyzeKeyframes(ctx, outputPath)
	if err != nil {
		return err
	}
	if len(keyframes) == 0 {
		return fmt.Errorf("no keyframe found at segment start")
	}
	if keyframes[0].PTS > 0.2 {
		return fmt.Errorf("first keyframe not at segment start: pts=%.3f", keyframes[0].PTS)
	}
	return nil
}

// buildArgs composes the full argument vector per the structural template
// in §4.6 step 2.
func (t *Transcoder) buildArgs(
	mediaPath string,
	segment domain.Segment,
	q domain.QualityProfile,
	analysis domain.MediaAnalysis,
	outputPath string,
	backend domain.Backend,
) []string {
	builder := ffmpeg.New(backend, false)

	var args []string
	args = append(args, builder.GlobalArgs()...)
	args = append(args, ffmpeg.ErrorResilienceArgs()...)

	args = append(args,
		"-ss", fmt.Sprintf("%.6f", segment.StartTime),
		"-i", mediaPath,
		"-t", fmt.Sprintf("%.6f", segment.Duration),
	)

	hasAudio := analysis.HasAudio
	if !hasAudio {
		args = append(args, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=48000")
	}

	args = append(args, "-map", "0:v:0")
	if hasAudio {
		args = append(args, "-map", "0:a:0")
	} else {
		args = append(args, "-map", "1:a:0")
	}

	if filter := builder.ScaleFilter(analysis.Width, analysis.Height, q.Width, q.Height); filter != "" {
		args = append(args, "-vf", filter)
	}

	videoArgs := builder.VideoArgs(q, analysis.FPS, segment.Duration)
	videoArgs = overrideForcedKeyframeExpr(videoArgs)
	args = append(args, videoArgs...)

	args = append(args, ffmpeg.AudioArgs(q.AudioBitrate)...)

	args = append(args,
		"-avoid_negative_ts", "make_zero",
		"-start_at_zero",
		"-output_ts_offset", "0",
		"-mpegts_flags", "+resend_headers+initial_discontinuity",
		"-muxpreload", "0",
		"-muxdelay", "0",
		"-f", "mpegts", outputPath,
	)

	return args
}

// overrideForcedKeyframeExpr replaces the per-GOP forced-keyframe
// expression with a single first-frame force: a whole segment is already
// one GOP, so only the leading frame needs forcing (§4.6 step 2).
func overrideForcedKeyframeExpr(args []string) []string {
	for i, a := range args {
		if a == "-force_key_frames" && i+1 < len(args) {
			args[i+1] = ffmpeg.SingleSegmentKeyframeExpr
			break
		}
	}
	return args
}

func (t *Transcoder) captureBytes() int {
	if t.StderrCaptureBytes <= 0 {
		return defaultStderrCaptureBytes
	}
	return t.StderrCaptureBytes
}

// classifyFailure inspects captured stderr for known backend
// initialization failure signatures (§4.6 step 5).
func classifyFailure(stderr string) domain.FailureClass {
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "no such device"),
		strings.Contains(lower, "cannot load libcuda"),
		strings.Contains(lower, "no capable devices found"),
		strings.Contains(lower, "device creation failed"):
		return domain.FailureNoDevice
	case strings.Contains(lower, "driver does not support"),
		strings.Contains(lower, "driver version"),
		strings.Contains(lower, "incompatible driver"):
		return domain.FailureDriverIssue
	case strings.Contains(lower, "initializeencoder failed"),
		strings.Contains(lower, "encoder initialization failed"),
		strings.Contains(lower, "error initializing"):
		return domain.FailureEncoderInitFail
	default:
		return domain.FailureUnknown
	}
}

// tailBuffer retains only the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if t.max > 0 && len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
