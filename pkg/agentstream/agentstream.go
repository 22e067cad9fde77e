// Package agentstream provides the public API for embedding the streaming
// pipeline. This is the stable surface for external consumers.
package agentstream

import (
	"github.com/foundrly/agentstream/internal/batcher"
	"github.com/foundrly/agentstream/internal/domain"
	"github.com/foundrly/agentstream/internal/session"
	"github.com/foundrly/agentstream/internal/store"
	"github.com/foundrly/agentstream/internal/transport"
)

// Session runs one chat or research turn at a time.
// See internal/session.Session for full documentation.
type Session = session.Session

// Manager tracks live sessions.
type Manager = session.Manager

// SessionConfig wires a session's collaborators.
type SessionConfig = session.Config

// Options tunes one Start call.
type Options = session.Options

// Store is the normalized message store.
type Store = store.Store

// Message is one conversation turn.
type Message = domain.Message

// StreamEvent is one decoded protocol unit.
type StreamEvent = domain.StreamEvent

// BatcherConfig tunes the adaptive batcher.
type BatcherConfig = batcher.Config

// Request is the outbound payload sent at stream start.
type Request = transport.Request

// Constructors

var (
	NewSession = session.New
	NewManager = session.NewManager
	NewStore   = store.New

	NewSSEReader = transport.NewSSEReader
	NewWSReader  = transport.NewWSReader
)

// Session lifecycle states.
const (
	StateIdle       = session.StateIdle
	StateConnecting = session.StateConnecting
	StateStreaming  = session.StateStreaming
	StateError      = session.StateError
)
