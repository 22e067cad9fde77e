// Package session drives a logical chat or research turn: it opens the
// transport, routes frames through the parser and batcher into the message
// store, and exposes the connection state machine to the UI layer.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foundrly/agentstream/internal/archive"
	"github.com/foundrly/agentstream/internal/batcher"
	"github.com/foundrly/agentstream/internal/domain"
	"github.com/foundrly/agentstream/internal/parser"
	"github.com/foundrly/agentstream/internal/store"
	"github.com/foundrly/agentstream/internal/transport"
)

// State is the session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateError      State = "error"
)

// Dialect selects the frame format the transport delivers.
type Dialect string

const (
	DialectSSE    Dialect = "sse"
	DialectSocket Dialect = "websocket"
)

// Config wires a session's collaborators.
type Config struct {
	Reader   transport.Reader
	Dialect  Dialect
	Store    *store.Store
	Archiver archive.Archiver
	Batcher  batcher.Config
	Logger   *slog.Logger
}

// Options tunes one Start call.
type Options struct {
	// ThreadID targets an existing thread; empty uses the store's current
	// thread, creating one if none exists.
	ThreadID string
	// Extra is passed through to the agent service unmodified.
	Extra map[string]any
}

// Session runs one stream at a time. Start is rejected while a stream is
// already connecting or streaming; Stop cancels silently.
type Session struct {
	id       string
	reader   transport.Reader
	dialect  Dialect
	parser   *parser.Parser
	store    *store.Store
	archiver archive.Archiver
	batchCfg batcher.Config
	log      *slog.Logger

	mu      sync.Mutex
	state   State
	lastErr string
	conn    domain.ConnectionState
	cancel  context.CancelFunc
	batch   *batcher.Batcher
	// gen guards against a finished pump of a previous turn mutating
	// state after a newer Start or Stop.
	gen uint64
}

// New creates an idle session.
func New(cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	dialect := cfg.Dialect
	if dialect == "" {
		dialect = DialectSSE
	}
	archiver := cfg.Archiver
	if archiver == nil {
		archiver = archive.Noop{}
	}
	return &Session{
		id:       uuid.New().String(),
		reader:   cfg.Reader,
		dialect:  dialect,
		parser:   parser.New(log),
		store:    cfg.Store,
		archiver: archiver,
		batchCfg: cfg.Batcher,
		log:      log,
		state:    StateIdle,
	}
}

// ID returns the session's stable identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state and, in the error state, the
// human-readable message carried for the UI layer.
func (s *Session) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.lastErr
}

// Connection returns the transport health snapshot.
func (s *Session) Connection() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Start begins a new turn for the given query. It is rejected while a turn
// is already in flight: no implicit queuing of concurrent streams.
func (s *Session) Start(query string, opts Options) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateStreaming {
		s.mu.Unlock()
		return domain.ErrProtocol("session busy: a stream is already active")
	}

	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.lastErr = ""
	s.conn = domain.ConnectionState{}

	ctx, cancel := context.WithCancel(context.Background())
	// An errored turn may still hold its transport open; release it before
	// the new one starts.
	prevCancel := s.cancel
	s.cancel = cancel

	threadID := opts.ThreadID
	s.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}

	if threadID == "" {
		threadID = s.store.CurrentThread()
		if threadID == "" {
			threadID = s.store.CreateThread()
		}
	}

	// Record the user's turn before anything streams back.
	if _, err := s.store.AppendMessage(threadID, &domain.Message{
		Role:    domain.RoleUser,
		Content: query,
	}); err != nil {
		cancel()
		s.transition(gen, StateIdle, "")
		return err
	}

	b := batcher.New(s.batchCfg, s.makeSink(ctx, threadID), s.log)
	s.mu.Lock()
	s.batch = b
	s.mu.Unlock()

	req := &transport.Request{
		Query:     query,
		SessionID: s.id,
		ThreadID:  threadID,
		Options:   opts.Extra,
	}

	go s.run(ctx, gen, req, b)
	return nil
}

// Stop cancels the in-flight turn, if any. The transport is closed eagerly,
// pending batched events are discarded, and the session returns to idle
// without surfacing an error. Stopping an errored session also releases its
// transport, which an error-state turn may still hold open.
func (s *Session) Stop() {
	s.mu.Lock()
	s.gen++
	cancel := s.cancel
	b := s.batch
	s.cancel = nil
	s.batch = nil
	wasActive := s.state == StateConnecting || s.state == StateStreaming
	if wasActive {
		s.state = StateIdle
		s.lastErr = ""
	}
	s.conn.Connected = false
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if b != nil {
		b.Cancel()
	}
	if wasActive {
		s.log.Info("stream stopped by user", slog.String("session_id", s.id))
	}
}

// run opens the transport and pumps frames until the stream ends.
func (s *Session) run(ctx context.Context, gen uint64, req *transport.Request, b *batcher.Batcher) {
	frames, err := s.reader.Open(ctx, req)
	if err != nil {
		if domain.IsCancellation(err) || ctx.Err() != nil {
			return
		}
		s.settle(gen, err)
		return
	}

	s.setConnected(gen)

	sawError := ""
	for frame := range frames {
		if ctx.Err() != nil {
			// Stopped: a frame already in flight when the user cancelled
			// must not reach the store.
			return
		}
		if frame.Err != nil {
			// Dropped, not done: retain whatever arrived first.
			b.Flush()
			s.finalizeThread(req.ThreadID)
			s.settle(gen, frame.Err)
			return
		}

		s.heartbeat(gen)

		var ev *domain.StreamEvent
		if s.dialect == DialectSocket {
			ev = s.parser.ParseSocket(frame.Data)
		} else {
			ev = s.parser.ParseSSE(frame.Data)
		}
		if ev == nil {
			continue
		}
		if ev.ThreadID == "" {
			ev.ThreadID = req.ThreadID
		}
		if ev.Kind == domain.EventError && ev.Err != nil {
			sawError = ev.Err.Message
		}
		b.Add(ev)

		if ev.Kind == domain.EventError && sawError != "" {
			// Surface the error state as soon as the event lands, not at
			// transport close; keep draining so trailing frames settle.
			s.transition(gen, StateError, sawError)
		}
	}

	if ctx.Err() != nil {
		// User cancellation: the Stop path already reset state.
		return
	}

	// Normal close: deliver what is buffered and settle the thread.
	b.Flush()
	s.finalizeThread(req.ThreadID)

	if sawError != "" {
		s.transition(gen, StateError, sawError)
		return
	}
	s.transition(gen, StateIdle, "")
}

// settle routes a stream failure by category: recoverable errors return the
// session to idle, fatal ones surface the error state.
func (s *Session) settle(gen uint64, err error) {
	var serr *domain.StreamError
	if errors.As(err, &serr) && !serr.Fatal() {
		s.log.Warn("stream ended with recoverable error",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()))
		s.transition(gen, StateIdle, "")
		return
	}
	s.log.Error("stream failed",
		slog.String("session_id", s.id),
		slog.String("error", err.Error()))
	s.transition(gen, StateError, err.Error())
}

// makeSink builds the batcher sink: apply the batch to the store, then
// archive any message finalized by this batch, fire-and-forget.
func (s *Session) makeSink(ctx context.Context, threadID string) func(domain.EventBatch) {
	return func(batch domain.EventBatch) {
		s.store.ApplyBatch(batch)

		for _, ev := range batch.Events {
			if !ev.Terminal() || ev.MessageID == "" {
				continue
			}
			msg := s.store.Message(ev.MessageID)
			if msg == nil || msg.IsStreaming {
				continue
			}
			go func(m *domain.Message) {
				if err := s.archiver.SaveMessage(context.WithoutCancel(ctx), m); err != nil {
					s.log.Warn("archive failed",
						slog.String("message_id", m.ID),
						slog.String("error", err.Error()))
				}
			}(msg)
		}
	}
}

// finalizeThread marks any message still streaming in the thread as settled.
// Called when the stream ends without a terminal event for every message.
func (s *Session) finalizeThread(threadID string) {
	streaming := false
	for _, msg := range s.store.MessagesByThread(threadID) {
		if msg.IsStreaming {
			streaming = true
			s.store.UpdateMessage(msg.ID, store.MessageUpdate{IsStreaming: ptr(false)})
		}
	}
	if streaming {
		s.log.Debug("settled in-flight messages", slog.String("thread_id", threadID))
	}
}

func (s *Session) transition(gen uint64, state State, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.state = state
	s.lastErr = errMsg
	s.conn.Connected = false
	if errMsg != "" {
		s.conn.Error = errMsg
	}
}

func (s *Session) setConnected(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.state = StateStreaming
	s.conn = domain.ConnectionState{Connected: true, LastHeartbeat: time.Now()}
}

func (s *Session) heartbeat(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.conn.LastHeartbeat = time.Now()
}

func ptr[T any](v T) *T { return &v }
