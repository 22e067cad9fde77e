// Package store is the single source of truth for conversation messages
// across threads. It is optimized for O(1) point lookups and updates by
// message id plus thread-scoped ordered iteration, and supports streaming
// (incremental) mutation of a message's content.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foundrly/agentstream/internal/domain"
)

// UpdateKind describes what a store notification refers to.
type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateThread  UpdateKind = "thread"
)

// Update is published to subscribers after a mutation commits.
type Update struct {
	Kind      UpdateKind
	MessageID string
	ThreadID  string
}

// Stats summarizes the store for the UI layer.
type Stats struct {
	Threads           int `json:"threads"`
	TotalMessages     int `json:"total_messages"`
	StreamingMessages int `json:"streaming_messages"`
}

// Store holds all messages indexed by id, with per-thread ordered id lists.
// The id map and the thread lists are always mutated together under one
// lock, so no dangling ids or orphaned messages can exist.
type Store struct {
	log *slog.Logger

	mu            sync.RWMutex
	messages      map[string]*domain.Message
	threads       map[string][]string
	currentThread string

	subMu  sync.Mutex
	subs   map[int]chan Update
	nextID int
}

// New creates an empty store.
func New(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:      log,
		messages: make(map[string]*domain.Message),
		threads:  make(map[string][]string),
		subs:     make(map[int]chan Update),
	}
}

// CreateThread registers a new empty thread and returns its id.
func (s *Store) CreateThread() string {
	id := uuid.New().String()
	s.mu.Lock()
	s.threads[id] = []string{}
	if s.currentThread == "" {
		s.currentThread = id
	}
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateThread, ThreadID: id})
	return id
}

// SetCurrentThread moves the current-thread pointer. Error if unknown.
func (s *Store) SetCurrentThread(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	s.currentThread = threadID
	return nil
}

// CurrentThread returns the current thread id, empty if none.
func (s *Store) CurrentThread() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentThread
}

// Message returns a copy of the message with the given id, or nil.
func (s *Store) Message(id string) *domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messages[id].Clone()
}

// AppendMessage adds a message to a thread, assigning an id if absent.
// Message ids are globally unique: appending an id that already exists in a
// different thread is an error; re-appending to the same thread is a no-op.
func (s *Store) AppendMessage(threadID string, msg *domain.Message) (string, error) {
	s.mu.Lock()

	if _, ok := s.threads[threadID]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("thread %s not found", threadID)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if existing, ok := s.messages[msg.ID]; ok {
		s.mu.Unlock()
		if existing.ThreadID != threadID {
			return "", fmt.Errorf("message %s already exists in thread %s", msg.ID, existing.ThreadID)
		}
		return msg.ID, nil
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.ThreadID = threadID
	s.messages[msg.ID] = msg.Clone()
	s.threads[threadID] = append(s.threads[threadID], msg.ID)
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateMessage, MessageID: msg.ID, ThreadID: threadID})
	return msg.ID, nil
}

// MessageUpdate carries the partial fields UpdateMessage merges. Nil fields
// are left untouched. Content is a raw replacement: streaming appends must
// be pre-merged by the caller.
type MessageUpdate struct {
	Content     *string
	IsStreaming *bool
	Metadata    *domain.MessageMetadata
	ToolCalls   []domain.ToolCall
}

// UpdateMessage merges partial fields into the stored message. Unknown id is
// a non-fatal no-op.
func (s *Store) UpdateMessage(id string, upd MessageUpdate) {
	s.mu.Lock()
	msg, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if upd.Content != nil {
		msg.Content = *upd.Content
	}
	if upd.IsStreaming != nil {
		msg.IsStreaming = *upd.IsStreaming
	}
	if upd.Metadata != nil {
		msg.Metadata = *upd.Metadata
	}
	if upd.ToolCalls != nil {
		msg.ToolCalls = upd.ToolCalls
	}
	threadID := msg.ThreadID
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateMessage, MessageID: id, ThreadID: threadID})
}

// MessagesByThread returns the thread's messages in conversation order. The
// slice is derived from the id list and the id map, never maintained
// separately.
func (s *Store) MessagesByThread(threadID string) []*domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.threads[threadID]
	out := make([]*domain.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			out = append(out, msg.Clone())
		}
	}
	return out
}

// ThreadIDs returns all thread ids.
func (s *Store) ThreadIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.threads))
	for id := range s.threads {
		out = append(out, id)
	}
	return out
}

// ClearThread removes the thread's message ids and their records. Other
// threads are untouched.
func (s *Store) ClearThread(threadID string) {
	s.mu.Lock()
	for _, id := range s.threads[threadID] {
		delete(s.messages, id)
	}
	delete(s.threads, threadID)
	if s.currentThread == threadID {
		s.currentThread = ""
	}
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateThread, ThreadID: threadID})
}

// CompactThread trims a thread to the messages worth keeping: the last
// preserveLastN by arrival order union everything still streaming,
// deduplicated and re-sorted by timestamp. The snapshot, filter, and swap
// happen in one critical section, so a message appended concurrently can
// never fall between a stale snapshot and the swap and be lost. Returns how
// many messages were dropped.
func (s *Store) CompactThread(threadID string, preserveLastN int) int {
	s.mu.Lock()
	ids, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return 0
	}

	type kept struct {
		id string
		ts time.Time
		// arrival index breaks timestamp ties deterministically
		idx int
	}
	seen := make(map[string]struct{})
	var keep []kept
	add := func(idx int) {
		id := ids[idx]
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		var ts time.Time
		if msg, ok := s.messages[id]; ok {
			ts = msg.Timestamp
		}
		keep = append(keep, kept{id: id, ts: ts, idx: idx})
	}

	start := len(ids) - preserveLastN
	if start < 0 {
		start = 0
	}
	for i := start; i < len(ids); i++ {
		add(i)
	}
	for i, id := range ids {
		if msg, ok := s.messages[id]; ok && msg.IsStreaming {
			add(i)
		}
	}

	sort.Slice(keep, func(i, j int) bool {
		if keep[i].ts.Equal(keep[j].ts) {
			return keep[i].idx < keep[j].idx
		}
		return keep[i].ts.Before(keep[j].ts)
	})

	dropped := 0
	for _, id := range ids {
		if _, preserved := seen[id]; !preserved {
			delete(s.messages, id)
			dropped++
		}
	}
	newIDs := make([]string, len(keep))
	for i, k := range keep {
		newIDs[i] = k.id
	}
	s.threads[threadID] = newIDs
	s.mu.Unlock()

	if dropped > 0 {
		s.publish(Update{Kind: UpdateThread, ThreadID: threadID})
	}
	return dropped
}

// Stats returns aggregate counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Threads: len(s.threads), TotalMessages: len(s.messages)}
	for _, msg := range s.messages {
		if msg.IsStreaming {
			st.StreamingMessages++
		}
	}
	return st
}

// ApplyBatch routes each event in the batch to the matching store mutation,
// in batch order. Batches for one message arrive in transport order, so a
// message's content is never corrupted by interleaved writes.
func (s *Store) ApplyBatch(batch domain.EventBatch) {
	var updates []Update

	s.mu.Lock()
	// Message ids terminated within this batch: critical events are
	// ordered ahead of content deltas at flush, so a late chunk for a
	// terminated message must not resurrect its streaming flag.
	terminated := make(map[string]bool)

	for _, ev := range batch.Events {
		if upd, ok := s.applyEventLocked(ev, terminated); ok {
			updates = append(updates, upd)
		}
	}
	s.mu.Unlock()

	for _, upd := range updates {
		s.publish(upd)
	}
}

func (s *Store) applyEventLocked(ev *domain.StreamEvent, terminated map[string]bool) (Update, bool) {
	switch ev.Kind {
	case domain.EventMessageChunk, domain.EventReasoningChunk:
		msg, ok := s.messages[ev.MessageID]
		if !ok {
			msg = s.createStreamingMessageLocked(ev)
			if msg == nil {
				return Update{}, false
			}
		}
		if ev.Kind == domain.EventMessageChunk {
			msg.Content += ev.Delta.Text
		} else {
			msg.Metadata.Reasoning += ev.Delta.Text
		}
		if ev.Delta.FinishReason != "" {
			msg.Metadata.FinishReason = ev.Delta.FinishReason
		}
		if terminated[msg.ID] {
			msg.IsStreaming = false
		}
		return Update{Kind: UpdateMessage, MessageID: msg.ID, ThreadID: msg.ThreadID}, true

	case domain.EventToolCall:
		msg, ok := s.messages[ev.MessageID]
		if !ok {
			msg = s.createStreamingMessageLocked(ev)
			if msg == nil {
				return Update{}, false
			}
		}
		if existing := msg.ToolCallByID(ev.ToolCall.ID); existing != nil {
			existing.Name = ev.ToolCall.Name
			existing.Args = ev.ToolCall.Args
		} else {
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID:   ev.ToolCall.ID,
				Name: ev.ToolCall.Name,
				Args: ev.ToolCall.Args,
			})
		}
		return Update{Kind: UpdateMessage, MessageID: msg.ID, ThreadID: msg.ThreadID}, true

	case domain.EventToolCallResult:
		msg, ok := s.messages[ev.MessageID]
		if !ok {
			return Update{}, false
		}
		tc := msg.ToolCallByID(ev.ToolResult.ToolCallID)
		if tc == nil {
			s.log.Warn("tool result for unknown tool call",
				slog.String("message_id", ev.MessageID),
				slog.String("tool_call_id", ev.ToolResult.ToolCallID))
			return Update{}, false
		}
		tc.Result = ev.ToolResult.Result
		tc.Error = ev.ToolResult.Error
		return Update{Kind: UpdateMessage, MessageID: msg.ID, ThreadID: msg.ThreadID}, true

	case domain.EventDone, domain.EventInterrupt, domain.EventError:
		terminated[ev.MessageID] = true
		msg, ok := s.messages[ev.MessageID]
		if !ok {
			return Update{}, false
		}
		msg.IsStreaming = false
		if ev.Kind == domain.EventError && ev.Err != nil && msg.Metadata.FinishReason == "" {
			msg.Metadata.FinishReason = "error"
			if msg.Content == "" {
				msg.Content = ev.Err.Message
			}
		}
		return Update{Kind: UpdateMessage, MessageID: msg.ID, ThreadID: msg.ThreadID}, true

	case domain.EventPlanCreated, domain.EventPlanAccepted, domain.EventPlanRejected:
		// Plan lifecycle is surfaced through subscriptions only; the plan
		// itself is rendered by the UI layer from the event payload.
		return Update{Kind: UpdateThread, ThreadID: ev.ThreadID}, true
	}

	return Update{}, false
}

// createStreamingMessageLocked creates the message targeted by the first
// chunk of a new streaming response. Role defaults to assistant.
func (s *Store) createStreamingMessageLocked(ev *domain.StreamEvent) *domain.Message {
	threadID := ev.ThreadID
	if threadID == "" {
		threadID = s.currentThread
	}
	if _, ok := s.threads[threadID]; !ok {
		s.log.Warn("event for unknown thread dropped",
			slog.String("message_id", ev.MessageID),
			slog.String("thread_id", ev.ThreadID))
		return nil
	}

	role := ev.Role
	if role == "" {
		role = domain.RoleAssistant
	}
	msg := &domain.Message{
		ID:          ev.MessageID,
		ThreadID:    threadID,
		Role:        role,
		IsStreaming: true,
		Timestamp:   ev.Received,
		Metadata:    domain.MessageMetadata{Agent: ev.Agent},
	}
	s.messages[msg.ID] = msg
	s.threads[threadID] = append(s.threads[threadID], msg.ID)
	return msg
}

// Subscribe registers an observer. Updates are delivered best-effort: a
// subscriber that falls behind misses intermediate notifications rather
// than blocking the pipeline. The returned func unsubscribes.
func (s *Store) Subscribe() (<-chan Update, func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan Update, 64)
	s.subs[id] = ch
	s.subMu.Unlock()

	unsub := func() {
		s.subMu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
		s.subMu.Unlock()
	}
	return ch, unsub
}

func (s *Store) publish(upd Update) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- upd:
		default:
		}
	}
}
