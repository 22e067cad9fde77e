// Package archive defines the persistence collaborator that receives
// finalized messages. The session invokes it fire-and-forget once a
// message stops streaming; reads stay with the remote data service.
package archive

import (
	"context"

	"github.com/foundrly/agentstream/internal/domain"
)

// Archiver persists finalized (non-streaming) messages.
type Archiver interface {
	SaveMessage(ctx context.Context, msg *domain.Message) error
	Close() error
}

// Noop discards everything. Used when no archive is configured.
type Noop struct{}

func (Noop) SaveMessage(context.Context, *domain.Message) error { return nil }
func (Noop) Close() error                                       { return nil }
