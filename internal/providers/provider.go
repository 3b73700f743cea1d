// Package providers defines the uniform backend invocation contract and
// its concrete adapters.
//
// Every LLM backend, regardless of vendor, implements the same Invoke
// surface so the router never special-cases a vendor. Failures are typed:
// timeouts, rate limits, and upstream errors are distinguished so the
// router can fail over without retrying with backoff.
package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/bigdegenenergy/spendroute/pkg/models"
)

// Params carries the request parameters common to all backends.
type Params struct {
	MaxTokens           int
	Temperature         float64
	SystemMessage       string
	ConversationHistory []models.ChatMessage
}

// Completion is the uniform result of a backend call.
type Completion struct {
	Content      string `json:"content"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	FinishReason string `json:"finish_reason"`
}

// Invoker is the contract every concrete backend implements.
type Invoker interface {
	// ID returns the provider id this invoker serves.
	ID() string
	// Invoke dispatches the prompt and returns a completion or a typed
	// failure. Implementations must honor ctx cancellation and deadlines.
	Invoke(ctx context.Context, prompt string, p Params) (*Completion, error)
}

// Sentinel failures the router's failover loop handles locally.
var (
	// ErrTimeout marks an attempt that exceeded its per-attempt deadline.
	// Treated identically to a backend error for failover purposes.
	ErrTimeout = errors.New("provider timeout")

	// ErrRateLimited marks an upstream 429. Triggers immediate failover,
	// not retry-with-backoff, to preserve latency.
	ErrRateLimited = errors.New("provider rate limited")
)

// Error is a non-2xx upstream failure.
type Error struct {
	ProviderID string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: upstream status %d: %s", e.ProviderID, e.StatusCode, e.Message)
}

// Retryable reports whether err should trigger failover to the next
// candidate rather than being surfaced immediately.
func Retryable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited) {
		return true
	}
	var pe *Error
	return errors.As(err, &pe)
}
