// Package probe extracts media analysis and keyframe timelines from a
// source file via an external probing tool (C1, §4.1).
package probe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rpaschoal/jithls/internal/domain"
)

const (
	defaultFPS            = 24
	defaultWidth          = 1280
	defaultHeight         = 720
	defaultSegmentSeconds = 6.0

	keyframeTimeout   = 60 * time.Second
	keyframeOutputCap = 10 << 20 // 10 MiB
)

// Prober wraps ffprobe invocations. FFprobePath defaults to "ffprobe" and
// may be overridden to an absolute path via configuration (§6).
type Prober struct {
	FFprobePath     string
	SegmentDuration float64
	Logger          *slog.Logger
}

// New returns a Prober with defaults applied.
func New(ffprobePath string, segmentDuration float64, logger *slog.Logger) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if segmentDuration == 0 {
		segmentDuration = defaultSegmentSeconds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{FFprobePath: ffprobePath, SegmentDuration: segmentDuration, Logger: logger}
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

// Analyze extracts duration, codecs, resolution, and fps, synthesizing
// defaults for any field the probe could not determine (§4.1).
func (p *Prober) Analyze(ctx context.Context, path string) (domain.MediaAnalysis, error) {
	cmd := exec.CommandContext(ctx, p.FFprobePath,
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-of", "json",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return domain.MediaAnalysis{}, fmt.Errorf("%w: ffprobe streams: %v", domain.ErrProbeFailed, err)
	}

	var ff ffprobeOutput
	if err := json.Unmarshal(out, &ff); err != nil {
		return domain.MediaAnalysis{}, fmt.Errorf("%w: parse ffprobe output: %v", domain.ErrProbeFailed, err)
	}

	analysis := domain.MediaAnalysis{
		FPS:             defaultFPS,
		Width:           defaultWidth,
		Height:          defaultHeight,
		SegmentDuration: p.SegmentDuration,
	}

	if dur, parseErr := strconv.ParseFloat(ff.Format.Duration, 64); parseErr == nil {
		analysis.Duration = dur
	}

	haveVideo := false
	for _, s := range ff.Streams {
		switch s.CodecType {
		case "video":
			if haveVideo {
				continue
			}
			haveVideo = true
			analysis.VideoCodec = s.CodecName
			if s.Width > 0 {
				analysis.Width = s.Width
			}
			if s.Height > 0 {
				analysis.Height = s.Height
			}
			if fps := parseFrameRate(s.RFrameRate); fps > 0 {
				analysis.FPS = fps
			}
		case "audio":
			if analysis.HasAudio {
				continue
			}
			analysis.HasAudio = true
			analysis.AudioCodec = s.CodecName
		}
	}

	analysis.NeedsVideoTranscode = analysis.VideoCodec != "h264"
	analysis.NeedsAudioTranscode = !analysis.HasAudio || analysis.AudioCodec != "aac"

	return analysis, nil
}

// AnalyzeKeyframes requests the per-packet flag stream for the first
// video stream and retains only packets flagged as key, sorted by pts
// (§4.1). Fails with ErrProbeFailed if no keyframe is returned.
func (p *Prober) AnalyzeKeyframes(ctx context.Context, path string) ([]domain.Keyframe, error) {
	ctx, cancel := context.WithTimeout(ctx, keyframeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "packet=pts_time,flags",
		"-of", "csv=p=0",
		path,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", domain.ErrProbeFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffprobe: %v", domain.ErrProbeFailed, err)
	}

	var keyframes []domain.Keyframe
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), keyframeOutputCap)

	index := 0
	for scanner.Scan() {
		line := scanner.Text()

		parts := strings.Split(line, ",")
		if len(parts) < 2 || !strings.Contains(parts[1], "K") {
			continue
		}
		pts, parseErr := strconv.ParseFloat(parts[0], 64)
		if parseErr != nil {
			continue
		}
		keyframes = append(keyframes, domain.Keyframe{Index: index, PTS: pts})
		index++
	}

	if waitErr := cmd.Wait(); waitErr != nil {
		return nil, fmt.Errorf("%w: ffprobe exited: %v", domain.ErrProbeFailed, waitErr)
	}

	if len(keyframes) == 0 {
		return nil, fmt.Errorf("%w: no keyframes found in %s", domain.ErrProbeFailed, path)
	}

	return keyframes, nil
}

// ValidateKeyframeStructure warns (non-fatal) about a keyframe timeline
// that will make for poor seek behavior (§4.1). It never returns an
// error; callers proceed with segmentation regardless.
func (p *Prober) ValidateKeyframeStructure(keyframes []domain.Keyframe, duration float64) {
	if len(keyframes) == 0 {
		return
	}

	if keyframes[0].PTS > 0.1 {
		p.Logger.Warn("keyframe timeline does not start near zero", slog.Float64("first_pts", keyframes[0].PTS))
	}

	if duration > 0 {
		density := float64(len(keyframes)) / (duration / 60.0)
		if density < 2 {
			p.Logger.Warn("low keyframe density", slog.Float64("keyframes_per_minute", density))
		}
	}

	if len(keyframes) > 1 {
		span := keyframes[len(keyframes)-1].PTS - keyframes[0].PTS
		avgGOP := span / float64(len(keyframes)-1)
		if avgGOP > 10 {
			p.Logger.Warn("average GOP exceeds 10s", slog.Float64("avg_gop_seconds", avgGOP))
		}
	}
}

func parseFrameRate(s string) float64 {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}
