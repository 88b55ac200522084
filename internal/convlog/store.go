package convlog

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"agentboard/internal/model"
)

// RemoteLog is the append path to the remote log store.
type RemoteLog interface {
	AppendLog(ctx context.Context, conversationID string, rows []model.Message) error
}

// CacheWriter is the synchronous local-cache path. It is the
// availability backstop: if the remote push path never reconnects,
// history still survives reloads.
type CacheWriter interface {
	WriteConversations(ctx context.Context, project string, convs []model.Conversation) error
}

type StoreSnapshot struct {
	LastCacheWriteAt *time.Time `json:"last_cache_write_at,omitempty"`
	LastFlushAt      *time.Time `json:"last_flush_at,omitempty"`
	LastErrorAt      *time.Time `json:"last_error_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	FlushedMessages  int64      `json:"flushed_messages"`
	PendingFlushes   int        `json:"pending_flushes"`
}

// Store is the dual-write layer over a Log: every mutation snapshots
// the whole conversation set into the local cache synchronously (best
// effort) and arms a debounced flush of unflushed persisted messages to
// the remote log. The per-conversation watermark only advances on a
// successful remote write, so failed batches are retried on the next
// flush rather than silently lost.
type Store struct {
	log      *Log
	cache    CacheWriter
	remote   RemoteLog
	project  string
	debounce time.Duration
	logger   *log.Logger

	mu         sync.Mutex
	watermarks map[string]float64
	timer      *time.Timer
	snapshot   StoreSnapshot
}

func NewStore(logSet *Log, cache CacheWriter, remote RemoteLog, project string, debounce time.Duration, logger *log.Logger) *Store {
	if logSet == nil {
		logSet = NewLog(nil)
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Store{
		log:        logSet,
		cache:      cache,
		remote:     remote,
		project:    strings.TrimSpace(project),
		debounce:   debounce,
		logger:     logger,
		watermarks: map[string]float64{},
	}
}

func (s *Store) Log() *Log {
	return s.log
}

// AppendUser records a persisted user turn.
func (s *Store) AppendUser(ctx context.Context, key model.ConversationKey, content string) model.Message {
	msg := s.log.AppendNext(key, model.AuthorUser, content)
	s.afterChange(ctx)
	return msg
}

// AppendAgent records a persisted agent turn.
func (s *Store) AppendAgent(ctx context.Context, key model.ConversationKey, author, content string) model.Message {
	msg := s.log.AppendNext(key, author, content)
	s.afterChange(ctx)
	return msg
}

// AppendWithID records a turn whose id the remote store already
// assigned, keeping client and remote numbering identical. Duplicate
// ids are a no-op.
func (s *Store) AppendWithID(ctx context.Context, key model.ConversationKey, msg model.Message) bool {
	added := s.log.Append(key, msg)
	if added {
		s.afterChange(ctx)
	}
	return added
}

// AppendEphemeral records a system progress line. Ephemeral ids are
// fractional and never reach the remote log, but the local cache still
// sees them.
func (s *Store) AppendEphemeral(ctx context.Context, key model.ConversationKey, content string) model.Message {
	msg := s.log.AppendEphemeral(key, content)
	s.afterChange(ctx)
	return msg
}

func (s *Store) Upsert(ctx context.Context, key model.ConversationKey, id float64, author, content string) {
	s.log.Upsert(key, id, author, content)
	s.afterChange(ctx)
}

func (s *Store) AppendDelta(ctx context.Context, key model.ConversationKey, id float64, delta string) bool {
	landed := s.log.AppendDelta(key, id, delta)
	if landed {
		s.afterChange(ctx)
	}
	return landed
}

// afterChange runs the synchronous cache write and arms the debounced
// remote flush. Cache failures are recorded, never propagated: the
// optimistic in-memory state is already authoritative locally.
func (s *Store) afterChange(ctx context.Context) {
	if s.cache != nil {
		if err := s.cache.WriteConversations(ctx, s.project, s.log.Snapshot()); err != nil {
			s.recordError(err)
			if s.logger != nil {
				s.logger.Printf("convlog: cache write failed project=%s err=%v", s.project, err)
			}
		} else {
			s.mu.Lock()
			now := time.Now().UTC()
			s.snapshot.LastCacheWriteAt = &now
			s.mu.Unlock()
		}
	}
	s.armFlush()
}

func (s *Store) armFlush() {
	if s.remote == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.snapshot.PendingFlushes++
	s.timer = time.AfterFunc(s.debounce, func() {
		s.FlushNow(context.Background())
	})
}

// FlushNow pushes every conversation's persisted messages above its
// watermark to the remote log. Empty batches are skipped so quiet
// conversations cost no network calls. Exposed for shutdown and tests.
func (s *Store) FlushNow(ctx context.Context) {
	if s.remote == nil {
		return
	}
	s.mu.Lock()
	s.snapshot.PendingFlushes = 0
	s.mu.Unlock()

	for _, key := range s.log.Keys() {
		id := key.String()
		s.mu.Lock()
		watermark := s.watermarks[id]
		s.mu.Unlock()

		batch := s.log.PendingAfter(key, watermark)
		if len(batch) == 0 {
			continue
		}
		if err := s.remote.AppendLog(ctx, id, batch); err != nil {
			s.recordError(err)
			if s.logger != nil {
				s.logger.Printf("convlog: remote flush failed conversation=%s count=%d err=%v", id, len(batch), err)
			}
			continue
		}
		maxID := batch[len(batch)-1].ID
		s.mu.Lock()
		if maxID > s.watermarks[id] {
			s.watermarks[id] = maxID
		}
		now := time.Now().UTC()
		s.snapshot.LastFlushAt = &now
		s.snapshot.FlushedMessages += int64(len(batch))
		s.snapshot.LastError = ""
		s.mu.Unlock()
	}
}

// Watermark reports the highest sequence known durably written for a
// conversation.
func (s *Store) Watermark(key model.ConversationKey) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[key.String()]
}

// SetWatermark seeds a watermark, used when replaying remote history on
// startup so already-persisted rows are not re-sent.
func (s *Store) SetWatermark(key model.ConversationKey, watermark float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if watermark > s.watermarks[key.String()] {
		s.watermarks[key.String()] = watermark
	}
}

func (s *Store) Snapshot() StoreSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snapshot
	out.LastCacheWriteAt = cloneTime(s.snapshot.LastCacheWriteAt)
	out.LastFlushAt = cloneTime(s.snapshot.LastFlushAt)
	out.LastErrorAt = cloneTime(s.snapshot.LastErrorAt)
	return out
}

// Close stops any armed flush timer and performs a final synchronous
// flush so shutdown does not strand unflushed turns.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.FlushNow(ctx)
}

func (s *Store) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.snapshot.LastErrorAt = &now
	s.snapshot.LastError = strings.TrimSpace(err.Error())
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}
