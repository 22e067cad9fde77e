// Package transport opens the network channel to the remote agent service
// and yields raw protocol frames. Two channel types are supported: a
// unidirectional chunked HTTP stream carrying server-sent events, and a
// bidirectional WebSocket. Both expose the same frame-sequence abstraction
// to the frame parser.
package transport

import (
	"context"
	"time"
)

// DefaultConnectTimeout bounds connection establishment when no explicit
// timeout is configured.
const DefaultConnectTimeout = 30 * time.Second

// Frame is one raw unit read from the channel: a complete SSE block or one
// socket message. A frame with Err set is terminal; no frames follow it.
// User-initiated cancellation never produces an error frame.
type Frame struct {
	Data []byte
	Err  error
}

// Request is the outbound payload sent once at stream start: the POST body
// for SSE, or the first socket message for WebSocket.
type Request struct {
	Query     string         `json:"query"`
	SessionID string         `json:"session_id"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// CredentialSource supplies the bearer credential attached to the outbound
// request. Supplied by the authentication collaborator; a nil source sends
// no credential.
type CredentialSource func(ctx context.Context) (string, error)

// Reader opens a channel to the agent service. The returned frame sequence
// ends when the stream completes, the connection drops, or ctx is cancelled.
// Cancelling ctx closes the underlying connection eagerly and is not
// reported as an error.
type Reader interface {
	Open(ctx context.Context, req *Request) (<-chan Frame, error)
}
