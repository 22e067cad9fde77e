package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/foundrly/agentstream/internal/domain"
)

// readChunkSize is the unit of network reads. Frames split across reads are
// reassembled in the carry-over buffer.
const readChunkSize = 4 * 1024

// SSEOption configures the SSE reader.
type SSEOption func(*SSEReader)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) SSEOption {
	return func(r *SSEReader) {
		r.httpClient = client
	}
}

// WithConnectTimeout bounds connection establishment (time to response
// headers, not total stream duration).
func WithConnectTimeout(d time.Duration) SSEOption {
	return func(r *SSEReader) {
		r.connectTimeout = d
	}
}

// WithCredentials sets the bearer credential source.
func WithCredentials(src CredentialSource) SSEOption {
	return func(r *SSEReader) {
		r.credentials = src
	}
}

// SSEReader streams blank-line-delimited SSE blocks from a chunked HTTP
// response. It owns the carry-over buffer for frames split across reads.
type SSEReader struct {
	endpoint       string
	httpClient     *http.Client
	connectTimeout time.Duration
	credentials    CredentialSource
}

var _ Reader = (*SSEReader)(nil)

// NewSSEReader creates a reader for the given SSE endpoint.
func NewSSEReader(endpoint string, opts ...SSEOption) *SSEReader {
	r := &SSEReader{
		endpoint:       endpoint,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: r.connectTimeout,
			},
		}
	}
	return r
}

// Open POSTs the request payload and starts the frame-read loop.
func (r *SSEReader) Open(ctx context.Context, req *Request) (<-chan Frame, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, domain.ErrTransport("marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.ErrTransport("create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	if r.credentials != nil {
		token, err := r.credentials(ctx)
		if err != nil {
			return nil, domain.ErrTransport("resolve credentials", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrCancelled("stream open aborted")
		}
		return nil, domain.ErrTransport("connect", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, domain.ErrTransport(
			fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody)), nil)
	}

	out := make(chan Frame)
	go r.readLoop(ctx, resp.Body, out)
	return out, nil
}

// readLoop accumulates network chunks and emits one frame per complete
// blank-line-terminated block. A frame is only complete at the delimiter.
func (r *SSEReader) readLoop(ctx context.Context, body io.ReadCloser, out chan<- Frame) {
	defer close(out)
	defer body.Close()

	// Close the body eagerly on cancellation so the blocking Read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-done:
		}
	}()

	var carry []byte
	chunk := make([]byte, readChunkSize)

	for {
		n, err := body.Read(chunk)
		if n > 0 {
			carry = append(carry, chunk[:n]...)
			for {
				block, rest, found := splitBlock(carry)
				if !found {
					break
				}
				carry = rest
				if len(bytes.TrimSpace(block)) == 0 {
					continue
				}
				select {
				case out <- Frame{Data: block}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				// Normal close or user cancellation: no error frame.
				return
			}
			out <- Frame{Err: domain.ErrTransport("stream read", err)}
			return
		}
	}
}

// splitBlock splits buf at the first SSE frame delimiter (blank line),
// accepting both \n\n and \r\n\r\n.
func splitBlock(buf []byte) (block, rest []byte, found bool) {
	idxLF := bytes.Index(buf, []byte("\n\n"))
	idxCRLF := bytes.Index(buf, []byte("\r\n\r\n"))

	switch {
	case idxCRLF >= 0 && (idxLF < 0 || idxCRLF < idxLF):
		return buf[:idxCRLF], buf[idxCRLF+4:], true
	case idxLF >= 0:
		return buf[:idxLF], buf[idxLF+2:], true
	default:
		return nil, buf, false
	}
}
