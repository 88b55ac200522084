// Package reconcile refetches the authoritative board snapshot on a
// fixed cadence, speeding up while the push channel is not confirmed
// connected.
package reconcile

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Fetcher pulls the authoritative snapshot and applies it locally.
type Fetcher func(ctx context.Context) error

// PushHealth reports whether the push channel is confirmed connected.
type PushHealth func() bool

type Options struct {
	Fetch Fetcher
	// PushConnected gates the fallback timer. Nil means never
	// connected, so the fallback timer always runs.
	PushConnected    PushHealth
	SafetyInterval   time.Duration
	FallbackInterval time.Duration
	Logger           *log.Logger
}

func normalizeOptions(opts Options) Options {
	if opts.SafetyInterval <= 0 {
		opts.SafetyInterval = 15 * time.Second
	}
	if opts.FallbackInterval <= 0 {
		opts.FallbackInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return opts
}

// Scheduler runs two timers against one fetch function. The safety
// timer always fires; the fallback timer fires only while the push
// channel is down. Overlapping firings collapse into one in-flight
// fetch via singleflight.
type Scheduler struct {
	opts  Options
	group singleflight.Group

	mu          sync.Mutex
	running     bool
	stop        chan struct{}
	wg          sync.WaitGroup
	fetches     int64
	lastFetchAt time.Time
	lastErr     error
}

func NewScheduler(opts Options) *Scheduler {
	return &Scheduler{opts: normalizeOptions(opts)}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	s.wg.Add(2)
	go s.loop(ctx, stop, s.opts.SafetyInterval, false)
	go s.loop(ctx, stop, s.opts.FallbackInterval, true)
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, stop chan struct{}, interval time.Duration, fallback bool) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if fallback && s.pushConnected() {
				continue
			}
			s.FetchNow(ctx)
		}
	}
}

func (s *Scheduler) pushConnected() bool {
	if s.opts.PushConnected == nil {
		return false
	}
	return s.opts.PushConnected()
}

// FetchNow performs one guarded fetch. Concurrent callers share the
// in-flight fetch instead of stacking requests.
func (s *Scheduler) FetchNow(ctx context.Context) error {
	_, err, _ := s.group.Do("board", func() (any, error) {
		err := s.opts.Fetch(ctx)
		s.mu.Lock()
		s.fetches++
		s.lastFetchAt = time.Now().UTC()
		s.lastErr = err
		s.mu.Unlock()
		if err != nil {
			s.opts.Logger.Printf("reconcile: fetch failed: %v", err)
		}
		return nil, err
	})
	return err
}

// SchedulerSnapshot reports scheduler health for diagnostics.
type SchedulerSnapshot struct {
	Running     bool      `json:"running"`
	Fetches     int64     `json:"fetches"`
	LastFetchAt time.Time `json:"last_fetch_at"`
	LastError   string    `json:"last_error,omitempty"`
}

func (s *Scheduler) Snapshot() SchedulerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := SchedulerSnapshot{
		Running:     s.running,
		Fetches:     s.fetches,
		LastFetchAt: s.lastFetchAt,
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}
