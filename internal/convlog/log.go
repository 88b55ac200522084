package convlog

import (
	"sort"
	"strings"
	"sync"
	"time"

	"agentboard/internal/model"
)

// Log holds the in-memory conversation set. It is append-only except
// for Upsert (streaming placeholder replacement) and AppendDelta
// (incremental streaming). Message ids are the sole ordering authority;
// arrival order is not trusted because the push channel and poll-based
// refresh can deliver out of order.
type Log struct {
	mu    sync.Mutex
	alloc *Allocator
	convs map[string]*model.Conversation
}

func NewLog(alloc *Allocator) *Log {
	if alloc == nil {
		alloc = NewAllocator()
	}
	return &Log{
		alloc: alloc,
		convs: map[string]*model.Conversation{},
	}
}

func (l *Log) Allocator() *Allocator {
	return l.alloc
}

func (l *Log) conversation(key model.ConversationKey) *model.Conversation {
	id := key.String()
	conv, ok := l.convs[id]
	if !ok {
		conv = &model.Conversation{Key: key}
		l.convs[id] = conv
	}
	return conv
}

// Append adds a message with an externally assigned id. Appending an id
// that already exists in the conversation is a silent no-op, which makes
// the operation idempotent under replay or duplicate delivery. Returns
// whether the message was actually added.
func (l *Log) Append(key model.ConversationKey, msg model.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	conv := l.conversation(key)
	for i := range conv.Messages {
		if conv.Messages[i].ID == msg.ID {
			return false
		}
	}
	l.alloc.Observe(key, msg.ID)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	conv.Messages = append(conv.Messages, msg)
	sortMessages(conv.Messages)
	return true
}

// AppendNext assigns the next integer sequence and appends. Used for
// persisted user/agent turns.
func (l *Log) AppendNext(key model.ConversationKey, author, content string) model.Message {
	msg := model.Message{
		ID:        l.alloc.NextID(key),
		Author:    author,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	l.Append(key, msg)
	return msg
}

// AppendEphemeral records a system/progress line on a fractional id.
// Ephemeral messages render in order but are never persisted remotely.
func (l *Log) AppendEphemeral(key model.ConversationKey, content string) model.Message {
	msg := model.Message{
		ID:        l.alloc.EphemeralID(key),
		Author:    model.AuthorSystem,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	l.Append(key, msg)
	return msg
}

// Upsert replaces the content of the message with the given id, or
// appends a new message if the id is unknown. Used to stream partial
// output into a placeholder created before the first chunk arrives.
func (l *Log) Upsert(key model.ConversationKey, id float64, author, content string) {
	l.mu.Lock()
	conv := l.conversation(key)
	for i := range conv.Messages {
		if conv.Messages[i].ID == id {
			conv.Messages[i].Content = content
			l.mu.Unlock()
			return
		}
	}
	l.mu.Unlock()
	l.Append(key, model.Message{ID: id, Author: author, Content: content, CreatedAt: time.Now().UTC()})
}

// AppendDelta concatenates text onto the message with the given id. A
// missing id drops the delta silently: late-arriving chunks for a
// torn-down stream are expected, not errors. Returns whether the delta
// landed.
func (l *Log) AppendDelta(key model.ConversationKey, id float64, delta string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	conv, ok := l.convs[key.String()]
	if !ok {
		return false
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID == id {
			conv.Messages[i].Content += delta
			return true
		}
	}
	return false
}

// Messages returns a copy of one conversation's messages in id order.
func (l *Log) Messages(key model.ConversationKey) []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	conv, ok := l.convs[key.String()]
	if !ok {
		return nil
	}
	out := make([]model.Message, len(conv.Messages))
	copy(out, conv.Messages)
	return out
}

// Snapshot deep-copies the entire conversation set, ordered by
// conversation key for stable serialization.
func (l *Log) Snapshot() []model.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Conversation, 0, len(l.convs))
	for _, conv := range l.convs {
		messages := make([]model.Message, len(conv.Messages))
		copy(messages, conv.Messages)
		out = append(out, model.Conversation{Key: conv.Key, Messages: messages})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Role != out[j].Key.Role {
			return out[i].Key.Role < out[j].Key.Role
		}
		return out[i].Key.Instance < out[j].Key.Instance
	})
	return out
}

// Restore loads a previously cached conversation set, replacing the
// current contents and folding the restored ids into the allocator.
func (l *Log) Restore(convs []model.Conversation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.convs = map[string]*model.Conversation{}
	for _, conv := range convs {
		messages := make([]model.Message, len(conv.Messages))
		copy(messages, conv.Messages)
		sortMessages(messages)
		l.convs[conv.Key.String()] = &model.Conversation{Key: conv.Key, Messages: messages}
		for _, msg := range messages {
			l.alloc.Observe(conv.Key, msg.ID)
		}
	}
}

// PendingAfter returns the persisted (integer-id) messages of one
// conversation whose id exceeds the watermark, in id order.
func (l *Log) PendingAfter(key model.ConversationKey, watermark float64) []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	conv, ok := l.convs[key.String()]
	if !ok {
		return nil
	}
	out := make([]model.Message, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		if !model.IsPersistedID(msg.ID) {
			continue
		}
		if msg.ID <= watermark {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Keys lists the known conversation keys.
func (l *Log) Keys() []model.ConversationKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.ConversationKey, 0, len(l.convs))
	for _, conv := range l.convs {
		out = append(out, conv.Key)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return strings.Compare(string(out[i].Role), string(out[j].Role)) < 0
		}
		return out[i].Instance < out[j].Instance
	})
	return out
}

func sortMessages(messages []model.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ID < messages[j].ID
	})
}
