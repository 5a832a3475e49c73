package jobtracker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rpaschoal/jithls/internal/domain"
)

func TestRun_CoalescesConcurrentCallsForSameKey(t *testing.T) {
	tr := New()
	key := domain.Key{MediaID: "m1", Quality: "720p", SegmentNumber: 3}

	var executions int32
	release := make(chan struct{})
	fn := func() (string, error) {
		atomic.AddInt32(&executions, 1)
		<-release
		return "/cache/m1/720p/segment_003.ts", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = tr.Run(key, false, fn)
		}(i)
	}

	// Give goroutines a moment to pile up behind the single-flight group.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&executions); got != 1 {
		t.Fatalf("expected exactly one execution, got %d", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: unexpected error %v", i, err)
		}
		if results[i] != "/cache/m1/720p/segment_003.ts" {
			t.Fatalf("call %d: unexpected result %q", i, results[i])
		}
	}

	if _, ok := tr.Get(key); ok {
		t.Fatalf("expected key to be deregistered after completion")
	}
}

func TestGet_ReflectsRegisteredJobWhileRunning(t *testing.T) {
	tr := New()
	key := domain.Key{MediaID: "m2", Quality: "1080p", SegmentNumber: 0}

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = tr.Run(key, true, func() (string, error) {
			close(started)
			<-release
			return "path", nil
		})
	}()

	<-started
	job, ok := tr.Get(key)
	if !ok {
		t.Fatalf("expected job to be registered while running")
	}
	if !job.IsPrefetch {
		t.Fatalf("expected prefetch flag to be preserved")
	}
	close(release)
}

func TestAwait_ReturnsResultOfInFlightJob(t *testing.T) {
	tr := New()
	key := domain.Key{MediaID: "m3", Quality: "480p", SegmentNumber: 2}

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = tr.Run(key, false, func() (string, error) {
			close(started)
			<-release
			return "segment.ts", fmt.Errorf("boom")
		})
	}()

	<-started
	done := make(chan struct{})
	var path string
	var err error
	go func() {
		path, err = tr.Await(key)
		close(done)
	}()

	close(release)
	<-done

	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected propagated error, got %v", err)
	}
	if path != "segment.ts" {
		t.Fatalf("expected propagated path, got %q", path)
	}
}

func TestAwait_NoSuchJobWhenAlreadyComplete(t *testing.T) {
	tr := New()
	key := domain.Key{MediaID: "m4", Quality: "360p", SegmentNumber: 0}
	if _, err := tr.Await(key); err != ErrNoSuchJob {
		t.Fatalf("expected ErrNoSuchJob, got %v", err)
	}
}

func TestPrefetchCountAndStats(t *testing.T) {
	tr := New()
	release := make(chan struct{})

	keys := []domain.Key{
		{MediaID: "m5", Quality: "720p", SegmentNumber: 0},
		{MediaID: "m5", Quality: "720p", SegmentNumber: 1},
		{MediaID: "m5", Quality: "720p", SegmentNumber: 2},
	}
	isPrefetch := []bool{false, true, true}

	var wg sync.WaitGroup
	for i, k := range keys {
		wg.Add(1)
		go func(k domain.Key, prefetch bool) {
			defer wg.Done()
			_, _ = tr.Run(k, prefetch, func() (string, error) {
				<-release
				return "", nil
			})
		}(k, isPrefetch[i])
	}

	waitForActive(t, tr, 3)

	if got := tr.PrefetchCount(); got != 2 {
		t.Fatalf("expected 2 prefetch jobs, got %d", got)
	}

	stats := tr.Stats()
	if stats.Active != 3 || stats.PrefetchActive != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.Durations) != 3 {
		t.Fatalf("expected a duration entry per active job")
	}

	close(release)
	wg.Wait()
}

func TestClear_RemovesAllTrackingState(t *testing.T) {
	tr := New()
	release := make(chan struct{})

	go func() {
		_, _ = tr.Run(domain.Key{MediaID: "m6", Quality: "720p", SegmentNumber: 0}, false, func() (string, error) {
			<-release
			return "", nil
		})
	}()

	waitForActive(t, tr, 1)
	tr.Clear()

	stats := tr.Stats()
	if stats.Active != 0 {
		t.Fatalf("expected tracker to be cleared, got %+v", stats)
	}
	close(release)
}

func waitForActive(t *testing.T, tr *Tracker, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tr.Stats().Active >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d active jobs", n)
}
