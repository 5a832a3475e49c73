package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rpaschoal/jithls/internal/domain"
)

func kf(pts ...float64) []domain.Keyframe {
	out := make([]domain.Keyframe, len(pts))
	for i, p := range pts {
		out[i] = domain.Keyframe{Index: i, PTS: p}
	}
	return out
}

type stubCatalog struct {
	media map[string]domain.SourceMedia
}

func (s *stubCatalog) FindMedia(ctx context.Context, mediaID string) (domain.SourceMedia, error) {
	m, ok := s.media[mediaID]
	if !ok {
		return domain.SourceMedia{}, fmt.Errorf("no such media: %s", mediaID)
	}
	return m, nil
}

type stubProber struct {
	analysis    domain.MediaAnalysis
	keyframes   []domain.Keyframe
	keyframeErr error
}

func (s *stubProber) Analyze(ctx context.Context, path string) (domain.MediaAnalysis, error) {
	return s.analysis, nil
}

func (s *stubProber) AnalyzeKeyframes(ctx context.Context, path string) ([]domain.Keyframe, error) {
	return s.keyframes, s.keyframeErr
}

func (s *stubProber) ValidateKeyframeStructure(keyframes []domain.Keyframe, duration float64) {}

type stubTranscoder struct {
	mu        sync.Mutex
	calls     []domain.Backend
	succeedOn map[domain.Backend]bool
	succeed   bool
}

func (s *stubTranscoder) Transcode(ctx context.Context, mediaPath string, segment domain.Segment, q domain.QualityProfile, analysis domain.MediaAnalysis, outputPath string, backend domain.Backend) (bool, error) {
	s.mu.Lock()
	s.calls = append(s.calls, backend)
	s.mu.Unlock()

	ok := s.succeed
	if v, set := s.succeedOn[backend]; set {
		ok = v
	}
	if !ok {
		return false, fmt.Errorf("simulated failure for backend %s", backend)
	}
	if err := os.WriteFile(outputPath, []byte("segment-bytes"), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

func (s *stubTranscoder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestEngine(t *testing.T, tr *stubTranscoder, kfErr error, opts func(*Options)) (*Engine, string) {
	t.Helper()
	root := t.TempDir()

	catalog := &stubCatalog{media: map[string]domain.SourceMedia{
		"movie-1": {FilePath: filepath.Join(root, "source.mkv"), Width: 640, Height: 360, Duration: 20},
	}}
	if err := os.WriteFile(catalog.media["movie-1"].FilePath, []byte("fake media"), 0o644); err != nil {
		t.Fatalf("write fake source: %v", err)
	}

	prober := &stubProber{
		analysis: domain.MediaAnalysis{
			Duration: 20, VideoCodec: "h264", AudioCodec: "aac", HasAudio: true,
			Width: 640, Height: 360, FPS: 24,
		},
		keyframes:   kf(0, 6, 12, 18),
		keyframeErr: kfErr,
	}

	o := Options{
		Catalog:               catalog,
		Prober:                prober,
		Transcoder:            tr,
		Processes:             domain.NewProcessGroup(),
		Root:                  root,
		SegmentDuration:       6,
		Encoder:               domain.BackendCPU,
		PrefetchEnabled:       false,
		PrefetchCount:         2,
		MaxConcurrentPrefetch: 2,
		LoadSampleInterval:    time.Hour, // sample host load once per engine, then reuse it
	}
	if opts != nil {
		opts(&o)
	}

	return New(o), root
}

func TestInitializeStreaming_WritesPlaylistsAndCachesMetadata(t *testing.T) {
	tr := &stubTranscoder{succeed: true}
	e, root := newTestEngine(t, tr, nil, nil)

	masterPath, err := e.InitializeStreaming(context.Background(), "movie-1")
	if err != nil {
		t.Fatalf("InitializeStreaming: %v", err)
	}

	data, err := os.ReadFile(masterPath)
	if err != nil {
		t.Fatalf("read master playlist: %v", err)
	}
	if !contains(string(data), "#EXTM3U") {
		t.Fatalf("expected master playlist content, got %q", data)
	}

	variantPath := filepath.Join(root, "movie-1", "360p", "playlist.m3u8")
	if _, err := os.Stat(variantPath); err != nil {
		t.Fatalf("expected variant playlist to exist: %v", err)
	}

	m, ok := e.Metadata("movie-1")
	if !ok {
		t.Fatalf("expected metadata to be cached")
	}
	if m.TotalSegments != 4 {
		t.Fatalf("expected 4 segments from the keyframe plan, got %d", m.TotalSegments)
	}
	if m.Plan.Kind != domain.PlanAccurate {
		t.Fatalf("expected accurate plan, got %v", m.Plan.Kind)
	}
}

func TestInitializeStreaming_FallsBackToApproximateOnKeyframeFailure(t *testing.T) {
	tr := &stubTranscoder{succeed: true}
	e, _ := newTestEngine(t, tr, fmt.Errorf("probe failed"), nil)

	if _, err := e.InitializeStreaming(context.Background(), "movie-1"); err != nil {
		t.Fatalf("InitializeStreaming: %v", err)
	}

	m, _ := e.Metadata("movie-1")
	if m.Plan.Kind != domain.PlanApproximate {
		t.Fatalf("expected approximate plan fallback, got %v", m.Plan.Kind)
	}
}

func TestInitializeStreaming_UnknownMediaReturnsNotFound(t *testing.T) {
	tr := &stubTranscoder{succeed: true}
	e, _ := newTestEngine(t, tr, nil, nil)

	_, err := e.InitializeStreaming(context.Background(), "no-such-media")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetSegment_CacheHitSkipsTranscoding(t *testing.T) {
	tr := &stubTranscoder{succeed: true}
	e, root := newTestEngine(t, tr, nil, nil)

	if _, err := e.InitializeStreaming(context.Background(), "movie-1"); err != nil {
		t.Fatalf("InitializeStreaming: %v", err)
	}

	existing := filepath.Join(root, "movie-1", "360p", "segment_000.ts")
	if err := os.WriteFile(existing, []byte("already-cached"), 0o644); err != nil {
		t.Fatalf("seed cache file: %v", err)
	}

	path, err := e.GetSegment(context.Background(), "movie-1", "360p", "segment_000.ts")
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	if path != existing {
		t.Fatalf("expected cached path %q, got %q", existing, path)
	}
	if tr.callCount() != 0 {
		t.Fatalf("expected no transcode calls on cache hit, got %d", tr.callCount())
	}
}

func TestGetSegment_TranscodesOnMissAndMemoizesBackend(t *testing.T) {
	tr := &stubTranscoder{succeed: true}
	e, _ := newTestEngine(t, tr, nil, nil)

	path, err := e.GetSegment(context.Background(), "movie-1", "360p", "segment_001.ts")
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("expected segment file to be written: %v", statErr)
	}
	if tr.callCount() != 1 {
		t.Fatalf("expected exactly one transcode call, got %d", tr.callCount())
	}
	if got := e.Stats().MemoizedBackend; got != domain.BackendCPU {
		t.Fatalf("expected memoized backend cpu, got %v", got)
	}
}

func TestGetSegment_AutoModeFallsBackThroughBackendChain(t *testing.T) {
	tr := &stubTranscoder{succeedOn: map[domain.Backend]bool{
		domain.BackendNVENC: false,
		domain.BackendQSV:   false,
		domain.BackendCPU:   true,
	}}
	e, _ := newTestEngine(t, tr, nil, func(o *Options) {
		o.Encoder = domain.BackendAuto
		o.DetectBackends = func(ctx context.Context, ffmpegPath string) []domain.Backend {
			return []domain.Backend{domain.BackendNVENC, domain.BackendQSV, domain.BackendCPU}
		}
	})

	_, err := e.GetSegment(context.Background(), "movie-1", "360p", "segment_000.ts")
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	if tr.callCount() != 3 {
		t.Fatalf("expected 3 backend attempts (nvenc, qsv, cpu), got %d", tr.callCount())
	}
	if got := e.Stats().MemoizedBackend; got != domain.BackendCPU {
		t.Fatalf("expected cpu to be memoized after eventual success, got %v", got)
	}

	// A second, distinct segment should go straight to the memoized
	// backend without re-attempting nvenc/qsv.
	_, err = e.GetSegment(context.Background(), "movie-1", "360p", "segment_001.ts")
	if err != nil {
		t.Fatalf("GetSegment (second call): %v", err)
	}
	if tr.callCount() != 4 {
		t.Fatalf("expected memoized backend to skip straight to one more call, got %d total", tr.callCount())
	}
}

func TestGetSegment_AllBackendsFailingReturnsTranscodeError(t *testing.T) {
	tr := &stubTranscoder{succeed: false}
	e, _ := newTestEngine(t, tr, nil, nil)

	_, err := e.GetSegment(context.Background(), "movie-1", "360p", "segment_000.ts")
	if !errors.Is(err, domain.ErrTranscodeFailed) {
		t.Fatalf("expected ErrTranscodeFailed, got %v", err)
	}
}

func TestGetSegment_InvalidSegmentNameRejected(t *testing.T) {
	tr := &stubTranscoder{succeed: true}
	e, _ := newTestEngine(t, tr, nil, nil)

	_, err := e.GetSegment(context.Background(), "movie-1", "360p", "not-a-segment.ts")
	if !errors.Is(err, domain.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for malformed name, got %v", err)
	}
}

func TestGetSegment_OutOfRangeSegmentRejected(t *testing.T) {
	tr := &stubTranscoder{succeed: true}
	e, _ := newTestEngine(t, tr, nil, nil)

	_, err := e.GetSegment(context.Background(), "movie-1", "360p", "segment_999.ts")
	if !errors.Is(err, domain.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for out-of-range segment, got %v", err)
	}
}

func TestGetSegment_UnknownQualityRejected(t *testing.T) {
	tr := &stubTranscoder{succeed: true}
	e, _ := newTestEngine(t, tr, nil, nil)

	_, err := e.GetSegment(context.Background(), "movie-1", "4320p", "segment_000.ts")
	if !errors.Is(err, domain.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for unknown quality, got %v", err)
	}
}

func TestGetSegment_FiresPrefetchForFollowingSegments(t *testing.T) {
	tr := &stubTranscoder{succeed: true}
	e, root := newTestEngine(t, tr, nil, func(o *Options) {
		o.PrefetchEnabled = true
		o.PrefetchCount = 2
		o.MaxConcurrentPrefetch = 2
	})

	if _, err := e.GetSegment(context.Background(), "movie-1", "360p", "segment_000.ts"); err != nil {
		t.Fatalf("GetSegment: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err1 := os.Stat(filepath.Join(root, "movie-1", "360p", "segment_001.ts"))
		_, err2 := os.Stat(filepath.Join(root, "movie-1", "360p", "segment_002.ts"))
		if err1 == nil && err2 == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for prefetched segments")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShutdown_RefusesNewInitialization(t *testing.T) {
	tr := &stubTranscoder{succeed: true}
	e, _ := newTestEngine(t, tr, nil, nil)

	e.Shutdown()

	_, err := e.InitializeStreaming(context.Background(), "movie-1")
	if !errors.Is(err, domain.ErrShutdown) {
		t.Fatalf("expected ErrShutdown after shutdown, got %v", err)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
