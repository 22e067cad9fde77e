package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/foundrly/agentstream/internal/batcher"
	"github.com/foundrly/agentstream/internal/domain"
	"github.com/foundrly/agentstream/internal/store"
	"github.com/foundrly/agentstream/internal/transport"
)

// sseServer streams the given blocks and closes. Each block is flushed
// separately so it arrives as its own network read.
func sseServer(blocks []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, block := range blocks {
			w.Write([]byte(block + "\n\n"))
			flusher.Flush()
		}
	}))
}

func newTestSession(srv *httptest.Server, st *store.Store) *Session {
	return New(Config{
		Reader:  transport.NewSSEReader(srv.URL),
		Dialect: DialectSSE,
		Store:   st,
		Batcher: batcher.Config{BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, _ := s.State()
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never reached %v, stuck at %v", want, got)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStreamingTurn(t *testing.T) {
	// A 26-chunk response, one letter per chunk, then done.
	blocks := make([]string, 0, 27)
	for c := 'a'; c <= 'z'; c++ {
		blocks = append(blocks,
			fmt.Sprintf("event: message_chunk\ndata: {\"id\":\"m1\",\"content\":\"%c\"}", c))
	}
	blocks = append(blocks, "event: done\ndata: {\"id\":\"m1\"}")

	srv := sseServer(blocks)
	defer srv.Close()

	st := store.New(nil)
	s := newTestSession(srv, st)

	if err := s.Start("spell the alphabet", Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, StateIdle)

	tid := st.CurrentThread()
	msgs := st.MessagesByThread(tid)
	if len(msgs) != 2 {
		t.Fatalf("thread has %d messages, want user turn + response", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[0].Content != "spell the alphabet" {
		t.Errorf("user turn = %+v", msgs[0])
	}
	resp := msgs[1]
	if resp.Content != "abcdefghijklmnopqrstuvwxyz" {
		t.Errorf("response content = %q", resp.Content)
	}
	if resp.IsStreaming {
		t.Error("response still flagged streaming after done")
	}
	if resp.Role != domain.RoleAssistant {
		t.Errorf("response role = %v", resp.Role)
	}
}

func TestToolCallTurn(t *testing.T) {
	srv := sseServer([]string{
		`event: tool_call
data: {"id":"m1","tool_calls":[{"id":"tc1","name":"web_search","args":{"query":"go"}}]}`,
		`event: tool_call_result
data: {"id":"m1","tool_call_id":"tc1","result":"go is a language"}`,
		"event: message_chunk\ndata: {\"id\":\"m1\",\"content\":\"Go is a language.\"}",
		"event: done\ndata: {\"id\":\"m1\"}",
	})
	defer srv.Close()

	st := store.New(nil)
	s := newTestSession(srv, st)

	if err := s.Start("what is go", Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, StateIdle)

	msg := st.Message("m1")
	if msg == nil {
		t.Fatal("response message missing")
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", msg.ToolCalls)
	}
	tc := msg.ToolCalls[0]
	if tc.Name != "web_search" || tc.Result != "go is a language" {
		t.Errorf("tool call = %+v", tc)
	}
	if msg.Content != "Go is a language." {
		t.Errorf("Content = %q", msg.Content)
	}
}

func TestErrorEventMovesToErrorState(t *testing.T) {
	srv := sseServer([]string{
		"event: message_chunk\ndata: {\"id\":\"m1\",\"content\":\"partial\"}",
		"event: error\ndata: {\"id\":\"m1\",\"code\":\"upstream\",\"message\":\"model overloaded\"}",
	})
	defer srv.Close()

	st := store.New(nil)
	s := newTestSession(srv, st)

	if err := s.Start("q", Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, StateError)

	_, errMsg := s.State()
	if errMsg != "model overloaded" {
		t.Errorf("error message = %q", errMsg)
	}

	// Partial content is retained, not discarded.
	msg := st.Message("m1")
	if msg == nil || msg.Content != "partial" {
		t.Errorf("partial message = %+v", msg)
	}
	if msg != nil && msg.IsStreaming {
		t.Error("errored message still flagged streaming")
	}
}

func TestStreamDropRetainsPartialContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("event: message_chunk\ndata: {\"id\":\"m1\",\"content\":\"half\"}\n\n"))
		flusher.Flush()
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	st := store.New(nil)
	s := newTestSession(srv, st)

	if err := s.Start("q", Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, StateError)

	msg := st.Message("m1")
	if msg == nil || msg.Content != "half" {
		t.Errorf("partial message = %+v", msg)
	}
	if msg != nil && msg.IsStreaming {
		t.Error("dropped stream left message flagged streaming")
	}
}

func TestStopIsSilent(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("event: message_chunk\ndata: {\"id\":\"m1\",\"content\":\"a\"}\n\n"))
		flusher.Flush()
		once.Do(func() { close(started) })
		<-r.Context().Done()
	}))
	defer srv.Close()

	st := store.New(nil)
	s := newTestSession(srv, st)

	if err := s.Start("q", Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	s.Stop()

	state, errMsg := s.State()
	if state != StateIdle {
		t.Errorf("state after Stop = %v, want idle", state)
	}
	if errMsg != "" {
		t.Errorf("Stop surfaced error %q", errMsg)
	}

	// The pump goroutine must not flip the state afterwards.
	time.Sleep(50 * time.Millisecond)
	state, errMsg = s.State()
	if state != StateIdle || errMsg != "" {
		t.Errorf("state drifted to %v (%q) after Stop", state, errMsg)
	}
}

func TestStartRejectedWhileStreaming(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("event: message_chunk\ndata: {\"id\":\"m1\",\"content\":\"a\"}\n\n"))
		flusher.Flush()
		once.Do(func() { close(started) })
		<-r.Context().Done()
	}))
	defer srv.Close()

	st := store.New(nil)
	s := newTestSession(srv, st)

	if err := s.Start("first", Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	waitForState(t, s, StateStreaming)

	if err := s.Start("second", Options{}); err == nil {
		t.Error("expected second Start to be rejected")
	}
	s.Stop()

	// After Stop a new turn is accepted again.
	if err := s.Start("third", Options{}); err != nil {
		t.Errorf("Start after Stop: %v", err)
	}
	s.Stop()
}

func TestErrorEventSurfacesBeforeStreamClose(t *testing.T) {
	// The server emits the error event and then keeps the connection open.
	// The session must surface the error state on the event itself, not
	// wait for the transport to close.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("event: message_chunk\ndata: {\"id\":\"m1\",\"content\":\"partial\"}\n\n"))
		flusher.Flush()
		w.Write([]byte("event: error\ndata: {\"id\":\"m1\",\"code\":\"upstream\",\"message\":\"model overloaded\"}\n\n"))
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	st := store.New(nil)
	s := newTestSession(srv, st)

	if err := s.Start("q", Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, StateError)

	_, errMsg := s.State()
	if errMsg != "model overloaded" {
		t.Errorf("error message = %q", errMsg)
	}

	// Stop from the error state still releases the held connection.
	s.Stop()
}

// scriptedReader hands the session a frame channel the test feeds directly.
type scriptedReader struct {
	openErr error
	frames  chan transport.Frame
}

func (r *scriptedReader) Open(ctx context.Context, req *transport.Request) (<-chan transport.Frame, error) {
	if r.openErr != nil {
		return nil, r.openErr
	}
	return r.frames, nil
}

func TestRecoverableOpenErrorReturnsToIdle(t *testing.T) {
	st := store.New(nil)
	s := New(Config{
		Reader:  &scriptedReader{openErr: domain.ErrOverload("agent shedding load")},
		Store:   st,
		Batcher: batcher.Config{BaseDelay: 5 * time.Millisecond},
	})

	if err := s.Start("q", Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, StateIdle)

	if _, errMsg := s.State(); errMsg != "" {
		t.Errorf("recoverable failure surfaced error %q", errMsg)
	}
}

func TestFramesAfterStopDiscarded(t *testing.T) {
	frames := make(chan transport.Frame, 4)
	st := store.New(nil)
	s := New(Config{
		Reader: &scriptedReader{frames: frames},
		Store:  st,
		// Long debounce so nothing flushes before Stop.
		Batcher: batcher.Config{BaseDelay: time.Hour, MaxDelay: time.Hour},
	})

	if err := s.Start("q", Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, StateStreaming)

	frames <- transport.Frame{Data: []byte("event: message_chunk\ndata: {\"id\":\"m1\",\"content\":\"a\"}")}
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	// Frames already in flight when the user stopped must not reach the
	// store through a fresh flush.
	frames <- transport.Frame{Data: []byte("event: message_chunk\ndata: {\"id\":\"m1\",\"content\":\"b\"}")}
	frames <- transport.Frame{Data: []byte("event: done\ndata: {\"id\":\"m1\"}")}
	close(frames)
	time.Sleep(50 * time.Millisecond)

	if msg := st.Message("m1"); msg != nil {
		t.Errorf("stopped stream wrote message %+v", msg)
	}
	state, errMsg := s.State()
	if state != StateIdle || errMsg != "" {
		t.Errorf("state after Stop = %v (%q)", state, errMsg)
	}
}

func TestConnectFailureMovesToErrorState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent offline", http.StatusBadGateway)
	}))
	defer srv.Close()

	st := store.New(nil)
	s := newTestSession(srv, st)

	if err := s.Start("q", Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, StateError)

	conn := s.Connection()
	if conn.Connected {
		t.Error("connection flagged connected after failure")
	}
	if conn.Error == "" {
		t.Error("connection state missing error detail")
	}
}

func TestStartTargetsExistingThread(t *testing.T) {
	srv := sseServer([]string{"event: done\ndata: {\"id\":\"m1\"}"})
	defer srv.Close()

	st := store.New(nil)
	t1 := st.CreateThread()
	t2 := st.CreateThread()

	s := newTestSession(srv, st)
	if err := s.Start("q", Options{ThreadID: t2}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, StateIdle)

	if got := len(st.MessagesByThread(t2)); got != 1 {
		t.Errorf("target thread has %d messages, want 1", got)
	}
	if got := len(st.MessagesByThread(t1)); got != 0 {
		t.Errorf("other thread has %d messages, want 0", got)
	}
}

// recordingArchiver captures finalized messages.
type recordingArchiver struct {
	mu   sync.Mutex
	msgs []*domain.Message
}

func (a *recordingArchiver) SaveMessage(ctx context.Context, msg *domain.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
	return nil
}

func (a *recordingArchiver) Close() error { return nil }

func (a *recordingArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

func TestFinalizedMessageArchived(t *testing.T) {
	srv := sseServer([]string{
		"event: message_chunk\ndata: {\"id\":\"m1\",\"content\":\"hi\"}",
		"event: done\ndata: {\"id\":\"m1\"}",
	})
	defer srv.Close()

	st := store.New(nil)
	arch := &recordingArchiver{}
	s := New(Config{
		Reader:   transport.NewSSEReader(srv.URL),
		Store:    st,
		Archiver: arch,
		Batcher:  batcher.Config{BaseDelay: 5 * time.Millisecond},
	})

	if err := s.Start("q", Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, StateIdle)

	deadline := time.Now().Add(2 * time.Second)
	for arch.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("finalized message never archived")
		}
		time.Sleep(time.Millisecond)
	}

	arch.mu.Lock()
	defer arch.mu.Unlock()
	if arch.msgs[0].ID != "m1" || arch.msgs[0].Content != "hi" {
		t.Errorf("archived = %+v", arch.msgs[0])
	}
}

func TestManagerLifecycle(t *testing.T) {
	srv := sseServer([]string{"event: done\ndata: {\"id\":\"m1\"}"})
	defer srv.Close()

	st := store.New(nil)
	m := NewManager(Config{
		Reader:  transport.NewSSEReader(srv.URL),
		Store:   st,
		Batcher: batcher.Config{BaseDelay: 5 * time.Millisecond},
	})

	s, err := m.Open("q", Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if m.Get(s.ID()) != s {
		t.Error("Get did not return the opened session")
	}
	if m.Get("ghost") != nil {
		t.Error("Get returned a session for unknown id")
	}

	if err := m.Stop(s.ID()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.Get(s.ID()) != nil {
		t.Error("stopped session still registered")
	}
	if err := m.Stop(s.ID()); err == nil {
		t.Error("expected error stopping unknown session")
	}
}

func TestManagerStopAll(t *testing.T) {
	started := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("event: message_chunk\ndata: {\"id\":\"m1\",\"content\":\"a\"}\n\n"))
		flusher.Flush()
		started <- struct{}{}
		<-r.Context().Done()
	}))
	defer srv.Close()

	st := store.New(nil)
	m := NewManager(Config{
		Reader:  transport.NewSSEReader(srv.URL),
		Store:   st,
		Batcher: batcher.Config{BaseDelay: 5 * time.Millisecond},
	})

	var sessions []*Session
	for i := 0; i < 2; i++ {
		s, err := m.Open(fmt.Sprintf("q%d", i), Options{ThreadID: st.CreateThread()})
		if err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
		sessions = append(sessions, s)
		<-started
	}

	m.StopAll()
	for _, s := range sessions {
		if state, _ := s.State(); state != StateIdle {
			t.Errorf("session %s state = %v after StopAll", s.ID(), state)
		}
		if m.Get(s.ID()) != nil {
			t.Errorf("session %s still registered", s.ID())
		}
	}
}
