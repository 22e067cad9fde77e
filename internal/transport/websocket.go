package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foundrly/agentstream/internal/domain"
)

// WSOption configures the WebSocket reader.
type WSOption func(*WSReader)

// WithWSDialer sets a custom dialer.
func WithWSDialer(dialer *websocket.Dialer) WSOption {
	return func(r *WSReader) {
		r.dialer = dialer
	}
}

// WithWSConnectTimeout bounds the WebSocket handshake.
func WithWSConnectTimeout(d time.Duration) WSOption {
	return func(r *WSReader) {
		r.connectTimeout = d
	}
}

// WithWSCredentials sets the bearer credential source.
func WithWSCredentials(src CredentialSource) WSOption {
	return func(r *WSReader) {
		r.credentials = src
	}
}

// WSReader streams JSON messages from a WebSocket connection. The request
// payload is sent as the first socket message after the handshake.
type WSReader struct {
	endpoint       string
	dialer         *websocket.Dialer
	connectTimeout time.Duration
	credentials    CredentialSource
}

var _ Reader = (*WSReader)(nil)

// NewWSReader creates a reader for the given WebSocket URL.
func NewWSReader(endpoint string, opts ...WSOption) *WSReader {
	r := &WSReader{
		endpoint:       endpoint,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dialer == nil {
		r.dialer = &websocket.Dialer{HandshakeTimeout: r.connectTimeout}
	}
	return r
}

// Open dials the socket, sends the request payload, and starts the
// message-read loop.
func (r *WSReader) Open(ctx context.Context, req *Request) (<-chan Frame, error) {
	header := http.Header{}
	if r.credentials != nil {
		token, err := r.credentials(ctx)
		if err != nil {
			return nil, domain.ErrTransport("resolve credentials", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := r.dialer.DialContext(ctx, r.endpoint, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if ctx.Err() != nil {
			return nil, domain.ErrCancelled("stream open aborted")
		}
		return nil, domain.ErrTransport("dial", err)
	}

	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, domain.ErrTransport("send request", err)
	}

	out := make(chan Frame)
	go r.readLoop(ctx, conn, out)
	return out, nil
}

func (r *WSReader) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- Frame) {
	defer close(out)
	defer conn.Close()

	// Close the socket eagerly on cancellation so the blocking read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				// User cancellation: silent close.
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			out <- Frame{Err: domain.ErrTransport("socket read", err)}
			return
		}
		select {
		case out <- Frame{Data: data}:
		case <-ctx.Done():
			return
		}
	}
}
