package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSafetyTimerAlwaysFetches(t *testing.T) {
	var fetches int64
	s := NewScheduler(Options{
		Fetch: func(context.Context) error {
			atomic.AddInt64(&fetches, 1)
			return nil
		},
		PushConnected:    func() bool { return true },
		SafetyInterval:   20 * time.Millisecond,
		FallbackInterval: time.Hour,
	})
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	time.Sleep(110 * time.Millisecond)
	if got := atomic.LoadInt64(&fetches); got < 3 {
		t.Fatalf("expected safety timer fetches despite healthy push, got %d", got)
	}
}

func TestFallbackTimerOnlyWhilePushDown(t *testing.T) {
	var fetches int64
	var connected atomic.Bool
	s := NewScheduler(Options{
		Fetch: func(context.Context) error {
			atomic.AddInt64(&fetches, 1)
			return nil
		},
		PushConnected:    connected.Load,
		SafetyInterval:   time.Hour,
		FallbackInterval: 15 * time.Millisecond,
	})
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	time.Sleep(80 * time.Millisecond)
	down := atomic.LoadInt64(&fetches)
	if down < 2 {
		t.Fatalf("expected fallback fetches while push is down, got %d", down)
	}

	connected.Store(true)
	time.Sleep(80 * time.Millisecond)
	after := atomic.LoadInt64(&fetches)
	if after > down+1 {
		t.Fatalf("expected fallback timer to pause once push connected, got %d extra", after-down)
	}
}

func TestOverlappingFetchesCollapse(t *testing.T) {
	var inFlight, maxInFlight int64
	var mu sync.Mutex
	fetch := func(context.Context) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(40 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}
	s := NewScheduler(Options{Fetch: fetch, SafetyInterval: time.Hour, FallbackInterval: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.FetchNow(context.Background())
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Fatalf("expected overlapping fetches to collapse to one, got %d in flight", maxInFlight)
	}
}

func TestSnapshotRecordsLastError(t *testing.T) {
	wantErr := errors.New("remote unavailable")
	s := NewScheduler(Options{
		Fetch:            func(context.Context) error { return wantErr },
		SafetyInterval:   time.Hour,
		FallbackInterval: time.Hour,
	})
	if err := s.FetchNow(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("expected fetch error surfaced, got %v", err)
	}
	snap := s.Snapshot()
	if snap.Fetches != 1 {
		t.Fatalf("expected 1 fetch recorded, got %d", snap.Fetches)
	}
	if snap.LastError != wantErr.Error() {
		t.Fatalf("expected last error recorded, got %q", snap.LastError)
	}
	if snap.Running {
		t.Fatalf("expected not running before Start")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewScheduler(Options{
		Fetch:            func(context.Context) error { return nil },
		SafetyInterval:   time.Hour,
		FallbackInterval: time.Hour,
	})
	s.Start(context.Background())
	s.Stop()
	s.Stop()
	s.Start(context.Background())
	s.Stop()
}
