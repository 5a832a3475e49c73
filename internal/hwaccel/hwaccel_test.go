package hwaccel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rpaschoal/jithls/internal/domain"
)

func TestAvailable_ParsesFakeFFmpegEncoderList(t *testing.T) {
	tmp := t.TempDir()
	script := filepath.Join(tmp, "ffmpeg")
	if err := os.WriteFile(script, []byte(fakeEncodersScript), 0755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}

	backends := Available(context.Background(), script)

	want := []domain.Backend{domain.BackendNVENC, domain.BackendCPU}
	if len(backends) != len(want) {
		t.Fatalf("expected %v, got %v", want, backends)
	}
	for i := range want {
		if backends[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, backends)
		}
	}
}

func TestAvailable_FallsBackToCPUOnly(t *testing.T) {
	backends := Available(context.Background(), "/nonexistent/ffmpeg-binary")
	if len(backends) != 1 || backends[0] != domain.BackendCPU {
		t.Fatalf("expected CPU-only fallback, got %v", backends)
	}
}

const fakeEncodersScript = `#!/bin/sh
cat <<'EOF'
------
V..... h264_nvenc NVENC H.264 encoder
V..... libx264 libx264 H.264 encoder
EOF
exit 0
`
