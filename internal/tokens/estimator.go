// Package tokens approximates the token footprint of stored messages. The
// estimate feeds the memory reclaimer's pressure heuristic and the stats
// surface; it does not need to match any provider's exact accounting.
package tokens

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/foundrly/agentstream/internal/domain"
)

// tokensPerMessage is the fixed per-message overhead chat models charge on
// top of the content tokens.
const tokensPerMessage = 4

// Estimator counts approximate tokens using the cl100k_base encoding.
type Estimator struct {
	mu    sync.Mutex
	codec tokenizer.Codec
}

// NewEstimator creates an estimator.
func NewEstimator() (*Estimator, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer encoding: %w", err)
	}
	return &Estimator{codec: codec}, nil
}

// CountText returns the token count of a text fragment. Falls back to a
// bytes/4 heuristic if encoding fails.
func (e *Estimator) CountText(text string) int {
	e.mu.Lock()
	ids, _, err := e.codec.Encode(text)
	e.mu.Unlock()
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}

// CountMessage returns the approximate footprint of one message, including
// reasoning traces and tool call payloads.
func (e *Estimator) CountMessage(msg *domain.Message) int {
	if msg == nil {
		return 0
	}
	total := tokensPerMessage + e.CountText(msg.Content)
	if msg.Metadata.Reasoning != "" {
		total += e.CountText(msg.Metadata.Reasoning)
	}
	for _, tc := range msg.ToolCalls {
		total += e.CountText(tc.Name)
		total += e.CountText(tc.Result)
		for k, v := range tc.Args {
			total += e.CountText(k)
			total += e.CountText(fmt.Sprint(v))
		}
	}
	return total
}

// CountThread sums the footprints of a thread's messages.
func (e *Estimator) CountThread(msgs []*domain.Message) int {
	total := 0
	for _, msg := range msgs {
		total += e.CountMessage(msg)
	}
	return total
}
