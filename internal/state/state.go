// ABOUTME: Repository interface and key constants for durable session state.
// ABOUTME: Defines the string key/value contract shared by the sqlite and in-memory backends.

package state

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("not found")

// Durable keys for session continuity artifacts. Values are strings; the
// message list and workflow state are stored as JSON.
const (
	KeyParticipantID    = "participant_id"
	KeyConversationID   = "conversation_id"
	KeyMessages         = "messages"
	KeyWorkflowState    = "workflow_state"
	KeySessionTimestamp = "session_timestamp"
)

// Repository is the durable local store for session state. Implementations
// must be safe for concurrent use. Writers across processes are
// last-writer-wins; KeySessionTimestamp lets a reader detect that another
// writer has been active.
type Repository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ContinuityKeys are the keys revoked when a session is explicitly reset.
// The participant id survives a reset only when re-minted by the caller.
var ContinuityKeys = []string{
	KeyConversationID,
	KeyMessages,
	KeyWorkflowState,
}

// ClearContinuity removes all continuity artifacts from the repository.
// The first delete error is returned, but all keys are attempted.
func ClearContinuity(ctx context.Context, r Repository) error {
	var first error
	for _, key := range ContinuityKeys {
		if err := r.Delete(ctx, key); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// HasContinuity reports whether any continuity artifact is present.
func HasContinuity(ctx context.Context, r Repository) bool {
	for _, key := range ContinuityKeys {
		if v, err := r.Get(ctx, key); err == nil && v != "" {
			return true
		}
	}
	return false
}
