// Package engine is the Streaming Engine orchestrator (C9, §4.9): it
// wires the Probe, Segmenter, Profile Catalog, Playlist Synthesizer,
// Transcoder Worker, Job Tracker, and Metadata Cache into the two public
// operations the HTTP adapter calls, plus the prefetch and shutdown
// policies.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rpaschoal/jithls/internal/domain"
	"github.com/rpaschoal/jithls/internal/hwaccel"
	"github.com/rpaschoal/jithls/internal/jobtracker"
	"github.com/rpaschoal/jithls/internal/metacache"
	"github.com/rpaschoal/jithls/internal/playlist"
	"github.com/rpaschoal/jithls/internal/profile"
	"github.com/rpaschoal/jithls/internal/segmenter"
)

var segmentNameRE = regexp.MustCompile(`^segment_\d{3,}\.ts$`)

// Prober is the narrow collaborator the engine probes media through.
// *probe.Prober satisfies this.
type Prober interface {
	Analyze(ctx context.Context, path string) (domain.MediaAnalysis, error)
	AnalyzeKeyframes(ctx context.Context, path string) ([]domain.Keyframe, error)
	ValidateKeyframeStructure(keyframes []domain.Keyframe, duration float64)
}

// Transcoder is the narrow collaborator the engine spawns encoders
// through. *transcoder.Transcoder satisfies this.
type Transcoder interface {
	Transcode(ctx context.Context, mediaPath string, segment domain.Segment, q domain.QualityProfile, analysis domain.MediaAnalysis, outputPath string, backend domain.Backend) (bool, error)
}

// BackendDetector reports the ordered list of usable backends on this
// host. hwaccel.Available satisfies this.
type BackendDetector func(ctx context.Context, ffmpegPath string) []domain.Backend

// Options configures a new Engine.
type Options struct {
	Catalog        domain.MediaCatalog
	Prober         Prober
	Transcoder     Transcoder
	Processes      *domain.ProcessGroup
	Logger         *slog.Logger
	DetectBackends BackendDetector

	Root                  string
	SegmentDuration       float64
	Encoder               domain.Backend // BackendAuto, or a forced choice
	FFmpegPath            string
	PrefetchEnabled       bool
	PrefetchCount         int
	MaxConcurrentPrefetch int
	PrefetchLoadCeiling   float64
	LoadSampleInterval    time.Duration
}

// Engine is the stateful orchestrator described above. Safe for
// concurrent use.
type Engine struct {
	catalog    domain.MediaCatalog
	prober     Prober
	transcoder Transcoder
	processes  *domain.ProcessGroup
	logger     *slog.Logger
	detect     BackendDetector

	root            string
	segmentDuration float64
	encoderMode     domain.Backend
	ffmpegPath      string

	prefetchEnabled       bool
	prefetchCount         int
	maxConcurrentPrefetch int
	prefetchLoadCeiling   float64

	cache       *metacache.Cache
	jobs        *jobtracker.Tracker
	prefetchSem *semaphore.Weighted
	load        *loadSampler

	mu              sync.Mutex
	memoizedBackend domain.Backend
	shuttingDown    bool
}

// New wires an Engine from opts, applying defaults for anything left
// zero-valued.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DetectBackends == nil {
		opts.DetectBackends = hwaccel.Available
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = 6
	}
	if opts.MaxConcurrentPrefetch <= 0 {
		opts.MaxConcurrentPrefetch = 1
	}
	if opts.PrefetchLoadCeiling <= 0 {
		opts.PrefetchLoadCeiling = 0.9
	}
	if opts.LoadSampleInterval <= 0 {
		opts.LoadSampleInterval = 2 * time.Second
	}
	if opts.Encoder == "" {
		opts.Encoder = domain.BackendAuto
	}

	return &Engine{
		catalog:               opts.Catalog,
		prober:                opts.Prober,
		transcoder:            opts.Transcoder,
		processes:             opts.Processes,
		logger:                opts.Logger,
		detect:                opts.DetectBackends,
		root:                  opts.Root,
		segmentDuration:       opts.SegmentDuration,
		encoderMode:           opts.Encoder,
		ffmpegPath:            opts.FFmpegPath,
		prefetchEnabled:       opts.PrefetchEnabled,
		prefetchCount:         opts.PrefetchCount,
		maxConcurrentPrefetch: opts.MaxConcurrentPrefetch,
		prefetchLoadCeiling:   opts.PrefetchLoadCeiling,
		cache:                 metacache.New(),
		jobs:                  jobtracker.New(),
		prefetchSem:           semaphore.NewWeighted(int64(opts.MaxConcurrentPrefetch)),
		load:                  newLoadSampler(opts.LoadSampleInterval),
	}
}

// InitializeStreaming returns the master playlist path for mediaId,
// probing, segmenting, and writing playlists on first access (§4.9.1).
// Concurrent callers for the same mediaId serialize on metacache's
// per-key single-flight group; callers for distinct mediaIds never block
// each other.
func (e *Engine) InitializeStreaming(ctx context.Context, mediaID string) (string, error) {
	m, err := e.cache.InitOnce(mediaID, func() (domain.MediaMetadata, error) {
		return e.initialize(ctx, mediaID)
	})
	if err != nil {
		return "", err
	}
	return m.MasterPlaylistPath, nil
}

func (e *Engine) initialize(ctx context.Context, mediaID string) (domain.MediaMetadata, error) {
	e.mu.Lock()
	down := e.shuttingDown
	e.mu.Unlock()
	if down {
		return domain.MediaMetadata{}, domain.ErrShutdown
	}

	src, err := e.catalog.FindMedia(ctx, mediaID)
	if err != nil {
		return domain.MediaMetadata{}, fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	if _, statErr := os.Stat(src.FilePath); statErr != nil {
		return domain.MediaMetadata{}, fmt.Errorf("%w: source file missing: %v", domain.ErrNotFound, statErr)
	}

	analysis, err := e.prober.Analyze(ctx, src.FilePath)
	if err != nil {
		return domain.MediaMetadata{}, err
	}

	var plan domain.SegmentPlan
	keyframes, kfErr := e.prober.AnalyzeKeyframes(ctx, src.FilePath)
	if kfErr != nil {
		e.logger.Warn("keyframe probe failed, falling back to approximate segmentation",
			slog.String("media_id", mediaID), slog.String("error", kfErr.Error()))
		plan = domain.SegmentPlan{Kind: domain.PlanApproximate, Segments: segmenter.Approximate(e.segmentDuration, analysis.Duration)}
	} else {
		e.prober.ValidateKeyframeStructure(keyframes, analysis.Duration)
		segs := segmenter.Compute(keyframes, e.segmentDuration, analysis.Duration)
		segmenter.ValidateTiling(segs, analysis.Duration, e.logger)
		plan = domain.SegmentPlan{Kind: domain.PlanAccurate, Segments: segs}
	}

	profiles := profile.Eligible(analysis.Width, analysis.Height)
	mediaRoot := filepath.Join(e.root, mediaID)

	if err := os.MkdirAll(mediaRoot, 0o755); err != nil {
		return domain.MediaMetadata{}, fmt.Errorf("%w: %v", domain.ErrPlaylistWrite, err)
	}
	for _, p := range profiles {
		if err := os.MkdirAll(filepath.Join(mediaRoot, p.Name), 0o755); err != nil {
			_ = os.RemoveAll(mediaRoot)
			return domain.MediaMetadata{}, fmt.Errorf("%w: %v", domain.ErrPlaylistWrite, err)
		}
	}

	masterPath := filepath.Join(mediaRoot, "master.m3u8")
	if err := os.WriteFile(masterPath, []byte(playlist.Master(profiles)), 0o644); err != nil {
		_ = os.RemoveAll(mediaRoot)
		return domain.MediaMetadata{}, fmt.Errorf("%w: %v", domain.ErrPlaylistWrite, err)
	}
	for _, p := range profiles {
		variantPath := filepath.Join(mediaRoot, p.Name, "playlist.m3u8")
		if err := os.WriteFile(variantPath, []byte(playlist.Variant(plan.Segments)), 0o644); err != nil {
			_ = os.RemoveAll(mediaRoot)
			return domain.MediaMetadata{}, fmt.Errorf("%w: %v", domain.ErrPlaylistWrite, err)
		}
	}

	return domain.MediaMetadata{
		MediaID:            mediaID,
		MediaPath:          src.FilePath,
		Duration:           analysis.Duration,
		SegmentDuration:    e.segmentDuration,
		TotalSegments:      len(plan.Segments),
		AvailableProfiles:  profiles,
		Analysis:           analysis,
		Keyframes:          keyframes,
		Plan:               plan,
		MasterPlaylistPath: masterPath,
	}, nil
}

// GetSegment resolves one segment file, transcoding it just-in-time if
// it isn't already cached on disk, then fires prefetch for the segments
// that follow (§4.9.2).
func (e *Engine) GetSegment(ctx context.Context, mediaID, quality, segmentFileName string) (string, error) {
	if _, err := e.InitializeStreaming(ctx, mediaID); err != nil {
		return "", err
	}

	m, ok := e.cache.Get(mediaID)
	if !ok {
		return "", fmt.Errorf("%w: metadata vanished for %s", domain.ErrNotFound, mediaID)
	}

	if !segmentNameRE.MatchString(segmentFileName) {
		return "", fmt.Errorf("%w: invalid segment name %q", domain.ErrBadRequest, segmentFileName)
	}
	segNum, err := parseSegmentNumber(segmentFileName)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	if segNum < 0 || segNum >= m.TotalSegments {
		return "", fmt.Errorf("%w: segment number %d out of range [0, %d)", domain.ErrBadRequest, segNum, m.TotalSegments)
	}

	q, err := findProfile(m, quality)
	if err != nil {
		return "", err
	}

	segPath := filepath.Join(e.root, mediaID, quality, segmentFileName)
	key := domain.Key{MediaID: mediaID, Quality: quality, SegmentNumber: segNum}

	if _, statErr := os.Stat(segPath); statErr == nil {
		e.firePrefetch(mediaID, quality, segNum, m)
		return segPath, nil
	}

	if _, inFlight := e.jobs.Get(key); inFlight {
		path, awaitErr := e.jobs.Await(key)
		if awaitErr == jobtracker.ErrNoSuchJob {
			// The job finished between Get and Await; its output, if any,
			// is already on disk.
			if _, statErr := os.Stat(segPath); statErr == nil {
				path, awaitErr = segPath, nil
			}
		}
		if awaitErr != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrTranscodeFailed, awaitErr)
		}
		e.firePrefetch(mediaID, quality, segNum, m)
		return path, nil
	}

	path, runErr := e.jobs.Run(key, false, func() (string, error) {
		return e.performJIT(ctx, m, q, segNum, segPath)
	})
	if runErr != nil {
		return "", runErr
	}
	e.firePrefetch(mediaID, quality, segNum, m)
	return path, nil
}

// VariantPlaylistPath returns the on-disk path of the per-quality VOD
// playlist for mediaId, initializing streaming for it first if needed.
func (e *Engine) VariantPlaylistPath(ctx context.Context, mediaID, quality string) (string, error) {
	if _, err := e.InitializeStreaming(ctx, mediaID); err != nil {
		return "", err
	}

	m, ok := e.cache.Get(mediaID)
	if !ok {
		return "", fmt.Errorf("%w: metadata vanished for %s", domain.ErrNotFound, mediaID)
	}
	if _, err := findProfile(m, quality); err != nil {
		return "", err
	}

	return filepath.Join(e.root, mediaID, quality, "playlist.m3u8"), nil
}

func (e *Engine) performJIT(ctx context.Context, m domain.MediaMetadata, q domain.QualityProfile, segNum int, outputPath string) (string, error) {
	if segNum >= len(m.Plan.Segments) {
		return "", fmt.Errorf("%w: no segment plan entry for %d", domain.ErrBadRequest, segNum)
	}
	seg := m.Plan.Segments[segNum]

	var lastErr error
	for _, backend := range e.backendCandidates(ctx) {
		ok, err := e.transcoder.Transcode(ctx, m.MediaPath, seg, q, m.Analysis, outputPath, backend)
		if ok {
			e.memoizeBackend(backend)
			return outputPath, nil
		}
		lastErr = err
		e.logger.Warn("backend attempt failed, trying next",
			slog.String("backend", string(backend)), slog.String("error", errString(err)))
	}

	if lastErr == nil {
		lastErr = domain.ErrTranscodeFailed
	}
	return "", fmt.Errorf("%w: all backends exhausted: %v", domain.ErrTranscodeFailed, lastErr)
}

// backendCandidates returns the ordered list of backends to attempt:
// the already-memoized choice if one exists, else the operator's forced
// choice, else the auto-detected fallback chain (§4.6).
func (e *Engine) backendCandidates(ctx context.Context) []domain.Backend {
	e.mu.Lock()
	memo := e.memoizedBackend
	e.mu.Unlock()
	if memo != "" {
		return []domain.Backend{memo}
	}

	if e.encoderMode != domain.BackendAuto {
		return []domain.Backend{e.encoderMode}
	}

	return e.detect(ctx, e.ffmpegPath)
}

func (e *Engine) memoizeBackend(b domain.Backend) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.memoizedBackend == "" {
		e.memoizedBackend = b
	}
}

// firePrefetch launches, fire-and-forget, up to prefetchCount background
// transcodes for the segments following currentSegment, admission
// controlled by the prefetch semaphore and current host load (§4.9.3,
// §11.1). It never blocks the caller.
func (e *Engine) firePrefetch(mediaID, quality string, currentSegment int, m domain.MediaMetadata) {
	if !e.prefetchEnabled {
		return
	}

	q, err := findProfile(m, quality)
	if err != nil {
		return
	}

	for i := 1; i <= e.prefetchCount; i++ {
		n := currentSegment + i
		if n >= m.TotalSegments {
			break
		}

		key := domain.Key{MediaID: mediaID, Quality: quality, SegmentNumber: n}
		fileName := m.Plan.Segments[n].FileName
		segPath := filepath.Join(e.root, mediaID, quality, fileName)

		if _, statErr := os.Stat(segPath); statErr == nil {
			continue
		}
		if _, inFlight := e.jobs.Get(key); inFlight {
			continue
		}
		if !e.tryAcquirePrefetchSlot() {
			continue
		}

		go func(n int, segPath string) {
			defer e.prefetchSem.Release(1)
			_, err := e.jobs.Run(key, true, func() (string, error) {
				return e.performJIT(context.Background(), m, q, n, segPath)
			})
			if err != nil {
				e.logger.Warn("prefetch job failed",
					slog.String("media_id", mediaID), slog.String("quality", quality),
					slog.Int("segment", n), slog.String("error", err.Error()))
			}
		}(n, segPath)
	}
}

// tryAcquirePrefetchSlot refuses admission once host CPU load exceeds the
// configured ceiling, in addition to the hard maxConcurrentPrefetch cap
// enforced by the semaphore (§11.1).
func (e *Engine) tryAcquirePrefetchSlot() bool {
	if e.load.Load() > e.prefetchLoadCeiling {
		return false
	}
	return e.prefetchSem.TryAcquire(1)
}

// Shutdown refuses new initializations, clears job-tracking state, and
// forcefully terminates every tracked encoder process (§4.9.4).
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.shuttingDown = true
	e.mu.Unlock()

	e.jobs.Clear()
	e.processes.Shutdown()
}

// EvictMedia removes a single mediaId's cached metadata (operator
// endpoint, DELETE /hls/{mediaId}/cache). It does not remove on-disk
// files; a subsequent InitializeStreaming rewrites the playlists, and
// already-transcoded segment files are kept and served as cache hits.
func (e *Engine) EvictMedia(mediaID string) {
	e.cache.Delete(mediaID)
}

// EvictAll clears every cached entry (DELETE /hls/cache).
func (e *Engine) EvictAll() {
	e.cache.DeleteAll()
}

// Stats is the diagnostic snapshot for GET /hls/stats.
type Stats struct {
	CachedMedia     int
	JobStats        jobtracker.Stats
	HostLoadPercent float64
	MemoizedBackend domain.Backend
}

// Stats reports a diagnostic snapshot of engine state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	memo := e.memoizedBackend
	e.mu.Unlock()

	return Stats{
		CachedMedia:     len(e.cache.GetAll()),
		JobStats:        e.jobs.Stats(),
		HostLoadPercent: e.load.Load() * 100,
		MemoizedBackend: memo,
	}
}

// Metadata returns the cached metadata for mediaId, if any, for
// GET /hls/{mediaId}/metadata.
func (e *Engine) Metadata(mediaID string) (domain.MediaMetadata, bool) {
	return e.cache.Get(mediaID)
}

// AllMetadata returns every cached entry, for GET /hls/metadata.
func (e *Engine) AllMetadata() []domain.MediaMetadata {
	return e.cache.GetAll()
}

func findProfile(m domain.MediaMetadata, quality string) (domain.QualityProfile, error) {
	for _, p := range m.AvailableProfiles {
		if p.Name == quality {
			return p, nil
		}
	}
	return domain.QualityProfile{}, fmt.Errorf("%w: unknown quality %q", domain.ErrBadRequest, quality)
}

func parseSegmentNumber(name string) (int, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "segment_"), ".ts")
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse segment number from %q: %w", name, err)
	}
	return n, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
