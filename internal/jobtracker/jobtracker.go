// Package jobtracker coalesces concurrent transcode requests for the same
// (mediaId, quality, segmentNumber) key and exposes introspection for
// diagnostics and shutdown (C7, §4.7).
package jobtracker

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rpaschoal/jithls/internal/domain"
)

type call struct {
	job  domain.TranscodingJob
	done chan struct{}
	path string
	err  error
}

// Tracker implements the §4.7 state machine (absent → registered →
// absent) for each key. The single-flight group guarantees at most one
// concurrent execution of the underlying work per key regardless of how
// many goroutines race to start it; the side map backs introspection
// (Get/PrefetchCount/Stats) and Await.
type Tracker struct {
	group singleflight.Group

	mu    sync.Mutex
	calls map[domain.Key]*call
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{calls: make(map[domain.Key]*call)}
}

// Get reports the in-flight job for key, if any.
func (t *Tracker) Get(key domain.Key) (domain.TranscodingJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[key]
	if !ok {
		return domain.TranscodingJob{}, false
	}
	return c.job, true
}

// Await blocks until the job currently registered for key completes and
// returns its result. The caller must have just observed presence via
// Get; if the job has already completed by the time Await is called,
// ErrNoSuchJob is returned — the caller should re-check the filesystem
// cache rather than treat it as a failure.
func (t *Tracker) Await(key domain.Key) (string, error) {
	t.mu.Lock()
	c, ok := t.calls[key]
	t.mu.Unlock()
	if !ok {
		return "", ErrNoSuchJob
	}
	<-c.done
	return c.path, c.err
}

// ErrNoSuchJob is returned by Await when the key is no longer registered.
var ErrNoSuchJob = fmt.Errorf("jobtracker: no in-flight job for key")

// Run registers a job for key, executes fn through the single-flight
// group so concurrent Run calls for the same key share one execution, and
// deregisters the key in every exit path (success, failure, panic) before
// returning. isPrefetch marks the job for PrefetchCount/Stats purposes and
// must not affect coalescing.
func (t *Tracker) Run(key domain.Key, isPrefetch bool, fn func() (string, error)) (path string, err error) {
	c := &call{
		job: domain.TranscodingJob{
			MediaID:       key.MediaID,
			Quality:       key.Quality,
			SegmentNumber: key.SegmentNumber,
			StartTime:     time.Now(),
			IsPrefetch:    isPrefetch,
		},
		done: make(chan struct{}),
	}

	t.mu.Lock()
	t.calls[key] = c
	t.mu.Unlock()

	defer func() {
		c.path, c.err = path, err
		close(c.done)

		t.mu.Lock()
		delete(t.calls, key)
		t.mu.Unlock()
	}()

	path, err, _ = t.group.Do(skey(key), fn)
	return path, err
}

// PrefetchCount reports how many currently-registered jobs are prefetch
// jobs, for admission-control decisions (§4.9.3).
func (t *Tracker) PrefetchCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, c := range t.calls {
		if c.job.IsPrefetch {
			n++
		}
	}
	return n
}

// Stats is the diagnostic snapshot returned by Stats().
type Stats struct {
	Active         int
	PrefetchActive int
	Durations      map[domain.Key]time.Duration
}

// Stats reports the current set of in-flight jobs and how long each has
// been running.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{Durations: make(map[domain.Key]time.Duration, len(t.calls))}
	now := time.Now()
	for k, c := range t.calls {
		s.Active++
		if c.job.IsPrefetch {
			s.PrefetchActive++
		}
		s.Durations[k] = now.Sub(c.job.StartTime)
	}
	return s
}

// Clear removes all tracking state. Used only on shutdown; it does not by
// itself stop the goroutines executing in-flight fn calls — that is the
// job of domain.ProcessGroup.Shutdown killing the underlying processes.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = make(map[domain.Key]*call)
}

func skey(key domain.Key) string {
	return fmt.Sprintf("%s\x00%s\x00%d", key.MediaID, key.Quality, key.SegmentNumber)
}
