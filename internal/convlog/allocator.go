package convlog

import (
	"math"
	"sync"

	"agentboard/internal/model"
)

type sequenceState struct {
	counter       int64
	lastEphemeral float64
}

// Allocator issues ordered message identifiers per conversation.
// Persisted turns get strictly increasing positive integers; ephemeral
// system lines get fractional ids strictly between the last integer and
// the next one, so they interleave in ordering without ever colliding
// with a future persisted sequence.
type Allocator struct {
	mu     sync.Mutex
	states map[string]*sequenceState
}

func NewAllocator() *Allocator {
	return &Allocator{states: map[string]*sequenceState{}}
}

func (a *Allocator) state(key model.ConversationKey) *sequenceState {
	id := key.String()
	st, ok := a.states[id]
	if !ok {
		st = &sequenceState{}
		a.states[id] = st
	}
	return st
}

// NextID advances the integer counter and returns it.
func (a *Allocator) NextID(key model.ConversationKey) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.state(key)
	st.counter++
	return float64(st.counter)
}

// Observe folds an externally assigned id into the counter. Integer ids
// advance the counter to max(counter, id); fractional ids never do —
// advancing on a fractional id would make every subsequent NextID
// fractional and break the remote store's integer-sequence constraint.
func (a *Allocator) Observe(key model.ConversationKey, id float64) {
	if !model.IsPersistedID(id) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.state(key)
	if v := int64(id); v > st.counter {
		st.counter = v
	}
}

// EphemeralID returns a fractional id above the last known integer
// sequence. Successive calls between two persisted turns step by 0.01
// and bisect toward the next integer if that ever runs out of room.
func (a *Allocator) EphemeralID(key model.ConversationKey) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.state(key)
	base := float64(st.counter)
	next := st.lastEphemeral + 0.01
	if st.lastEphemeral < base {
		next = base + 0.01
	}
	if next >= base+1 {
		next = (st.lastEphemeral + base + 1) / 2
	}
	// Guard against float exhaustion: never emit the integer itself.
	if next >= base+1 || next == math.Trunc(next) {
		next = math.Nextafter(base+1, base)
	}
	st.lastEphemeral = next
	return next
}

// Counter reports the current integer watermark for a conversation.
func (a *Allocator) Counter(key model.ConversationKey) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state(key).counter
}
