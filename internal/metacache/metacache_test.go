package metacache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rpaschoal/jithls/internal/domain"
)

func TestSetGetHasDelete(t *testing.T) {
	c := New()
	if c.Has("m1") {
		t.Fatalf("expected empty cache to not have m1")
	}

	c.Set(domain.MediaMetadata{MediaID: "m1", Duration: 120})
	if !c.Has("m1") {
		t.Fatalf("expected m1 to be present after Set")
	}
	got, ok := c.Get("m1")
	if !ok || got.Duration != 120 {
		t.Fatalf("unexpected Get result: %+v, %v", got, ok)
	}

	c.Delete("m1")
	if c.Has("m1") {
		t.Fatalf("expected m1 to be gone after Delete")
	}
}

func TestGetAllAndDeleteAll(t *testing.T) {
	c := New()
	c.Set(domain.MediaMetadata{MediaID: "a"})
	c.Set(domain.MediaMetadata{MediaID: "b"})

	all := c.GetAll()
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}

	c.DeleteAll()
	if len(c.GetAll()) != 0 {
		t.Fatalf("expected empty cache after DeleteAll")
	}
}

func TestInitOnce_SerializesConcurrentInitForSameMediaID(t *testing.T) {
	c := New()
	var calls int32

	var wg sync.WaitGroup
	results := make([]domain.MediaMetadata, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.InitOnce("movie-1", func() (domain.MediaMetadata, error) {
				atomic.AddInt32(&calls, 1)
				return domain.MediaMetadata{MediaID: "movie-1", Duration: 42}, nil
			})
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one init call, got %d", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: unexpected error %v", i, err)
		}
		if results[i].Duration != 42 {
			t.Fatalf("call %d: unexpected result %+v", i, results[i])
		}
	}
}

func TestInitOnce_IndependentMediaIDsDoNotBlockEachOther(t *testing.T) {
	c := New()
	release := make(chan struct{})

	done := make(chan struct{})
	go func() {
		_, _ = c.InitOnce("slow", func() (domain.MediaMetadata, error) {
			<-release
			return domain.MediaMetadata{MediaID: "slow"}, nil
		})
		close(done)
	}()

	m, err := c.InitOnce("fast", func() (domain.MediaMetadata, error) {
		return domain.MediaMetadata{MediaID: "fast"}, nil
	})
	if err != nil || m.MediaID != "fast" {
		t.Fatalf("expected independent mediaId to proceed without blocking, got %+v, %v", m, err)
	}

	close(release)
	<-done
}

func TestInitOnce_PropagatesErrorWithoutCachingIt(t *testing.T) {
	c := New()
	_, err := c.InitOnce("bad", func() (domain.MediaMetadata, error) {
		return domain.MediaMetadata{}, fmt.Errorf("probe failed")
	})
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
	if c.Has("bad") {
		t.Fatalf("a failed init must not populate the cache")
	}
}
