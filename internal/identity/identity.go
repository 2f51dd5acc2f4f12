// ABOUTME: Participant identity resolution for session start and recovery.
// ABOUTME: Adopts authenticated ids, restores stored sessions, or mints fresh identifiers.

package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/flowchat/internal/state"
)

// Identity is the resolved participant for a session.
type Identity struct {
	ParticipantID string
	// Restored is true when a previous session's continuity artifacts were
	// found and should be rehydrated instead of starting fresh.
	Restored bool
}

// Resolver establishes a stable participant identifier at session start.
type Resolver struct {
	repo   state.Repository
	logger *slog.Logger
}

// NewResolver creates a Resolver backed by the given repository.
func NewResolver(repo state.Repository, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		repo:   repo,
		logger: logger.With("component", "identity"),
	}
}

// Resolve establishes the participant identity for this session.
//
// If authenticatedID is non-empty it is adopted and persisted. Otherwise a
// previously stored identifier is restored when continuity artifacts
// (messages, workflow state, or a conversation id) co-exist with it. Failing
// both, a fresh unguessable identifier is minted and stale continuity
// artifacts are purged. The identifier and a session timestamp are always
// written to the repository.
func (r *Resolver) Resolve(ctx context.Context, authenticatedID string) (Identity, error) {
	if authenticatedID != "" {
		if err := r.persist(ctx, authenticatedID); err != nil {
			return Identity{}, err
		}
		r.logger.Debug("adopted authenticated identity", "participant_id", authenticatedID)
		return Identity{ParticipantID: authenticatedID}, nil
	}

	stored, err := r.repo.Get(ctx, state.KeyParticipantID)
	if err != nil && err != state.ErrNotFound {
		return Identity{}, fmt.Errorf("reading stored participant id: %w", err)
	}

	// Stability heuristic inherited from the previous implementation: any id
	// longer than 5 bytes is treated as stable. This misclassifies long
	// random ids too; intended semantics are unclear, so it is preserved
	// rather than tightened.
	if len(stored) > 5 && state.HasContinuity(ctx, r.repo) {
		if err := r.persist(ctx, stored); err != nil {
			return Identity{}, err
		}
		r.logger.Info("restored previous session", "participant_id", stored)
		return Identity{ParticipantID: stored, Restored: true}, nil
	}

	minted := Mint()
	if err := state.ClearContinuity(ctx, r.repo); err != nil {
		r.logger.Warn("failed to purge stale continuity artifacts", "error", err)
	}
	if err := r.persist(ctx, minted); err != nil {
		return Identity{}, err
	}
	r.logger.Debug("minted fresh identity", "participant_id", minted)
	return Identity{ParticipantID: minted}, nil
}

// persist writes the identifier and session timestamp to durable storage.
func (r *Resolver) persist(ctx context.Context, id string) error {
	if err := r.repo.Set(ctx, state.KeyParticipantID, id); err != nil {
		return fmt.Errorf("persisting participant id: %w", err)
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	if err := r.repo.Set(ctx, state.KeySessionTimestamp, ts); err != nil {
		return fmt.Errorf("persisting session timestamp: %w", err)
	}
	return nil
}

// Mint returns a fresh unguessable participant identifier.
func Mint() string {
	return uuid.New().String()
}
