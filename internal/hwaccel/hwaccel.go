// Package hwaccel detects which of the encoder backends spec.md §4.6
// names (CPU, NVIDIA, Intel) are actually usable on the host, by parsing
// ffmpeg's own `-encoders` output (grounded on the same
// detection technique as a hardware-accelerated transcoding plugin
// surveyed alongside this module's teacher).
package hwaccel

import (
	"bufio"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/rpaschoal/jithls/internal/domain"
)

const detectTimeout = 5 * time.Second

// Available reports, in priority order (NVIDIA, Intel, CPU), which
// backends this host can actually drive (§4.6 Auto fallback chain). CPU
// is always included since libx264 never requires hardware support.
func Available(ctx context.Context, ffmpegPath string) []domain.Backend {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	encoders, err := encoderSet(ctx, ffmpegPath)
	if err != nil {
		return []domain.Backend{domain.BackendCPU}
	}

	var backends []domain.Backend
	if encoders["h264_nvenc"] {
		backends = append(backends, domain.BackendNVENC)
	}
	if encoders["h264_qsv"] {
		backends = append(backends, domain.BackendQSV)
	}
	backends = append(backends, domain.BackendCPU)
	return backends
}

func encoderSet(ctx context.Context, ffmpegPath string) (map[string]bool, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	result := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "h264_nvenc") {
			result["h264_nvenc"] = true
		}
		if strings.Contains(line, "h264_qsv") {
			result["h264_qsv"] = true
		}
	}
	return result, nil
}
