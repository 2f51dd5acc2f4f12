// ABOUTME: Tests for the live session store.
// ABOUTME: Covers upsert ordering, monotonic conversation id, reset, and recovery.

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/flowchat/internal/state"
	"github.com/2389/flowchat/internal/workflow"
)

func newTestStore(t *testing.T) (*Store, *state.MemoryRepository) {
	t.Helper()
	repo := state.NewMemoryRepository()
	tracker := workflow.NewTracker(repo, nil)
	return NewStore("user-1", tracker, repo, nil), repo
}

func TestPutMessage_PreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	store.PutMessage(ctx, Message{ID: "a", Role: RoleUser, Content: "first"})
	store.PutMessage(ctx, Message{ID: "b", Role: RoleAssistant, Content: "second"})
	store.PutMessage(ctx, Message{ID: "a", Role: RoleUser, Content: "first, edited"})

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "first, edited", msgs[0].Content)
	assert.Equal(t, "b", msgs[1].ID)
}

func TestAppendContent_CreatesThenAppends(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	store.AppendContent(ctx, "m1", RoleAssistant, "Hel")
	store.AppendContent(ctx, "m1", RoleAssistant, "lo")

	msgs := store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.False(t, msgs[0].Timestamp.IsZero())
}

func TestSetConversationID_Monotonic(t *testing.T) {
	ctx := context.Background()
	store, repo := newTestStore(t)

	store.SetConversationID(ctx, "conv-x")
	assert.Equal(t, "conv-x", store.ConversationID())

	// An empty write from a slow duplicate call must never clear it
	store.SetConversationID(ctx, "")
	assert.Equal(t, "conv-x", store.ConversationID())

	// A later non-empty write wins
	store.SetConversationID(ctx, "conv-y")
	assert.Equal(t, "conv-y", store.ConversationID())

	persisted, err := repo.Get(ctx, state.KeyConversationID)
	require.NoError(t, err)
	assert.Equal(t, "conv-y", persisted)
}

func TestClearConversationID(t *testing.T) {
	ctx := context.Background()
	store, repo := newTestStore(t)

	store.SetConversationID(ctx, "conv-x")
	store.ClearConversationID(ctx)

	assert.Empty(t, store.ConversationID())
	_, err := repo.Get(ctx, state.KeyConversationID)
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestResetForNewConversation(t *testing.T) {
	ctx := context.Background()
	repo := state.NewMemoryRepository()
	tracker := workflow.NewTracker(repo, nil)
	store := NewStore("user-1", tracker, repo, nil)

	store.PutMessage(ctx, Message{ID: "a", Role: RoleUser, Content: "hi"})
	store.SetConversationID(ctx, "conv-1")
	tracker.NodeStarted(ctx, workflow.NodeEvent{NodeID: "n1", At: time.Now()})

	store.ResetForNewConversation(ctx)

	assert.Empty(t, store.Messages())
	assert.Empty(t, store.ConversationID())
	assert.NotEqual(t, "user-1", store.ParticipantID(), "reset mints a new identity")
	assert.False(t, tracker.Snapshot().IsWorkflow)
	assert.False(t, state.HasContinuity(ctx, repo), "continuity keys are revoked")

	// The new identity is persisted
	id, err := repo.Get(ctx, state.KeyParticipantID)
	require.NoError(t, err)
	assert.Equal(t, store.ParticipantID(), id)
}

func TestSubscribe_NotifiedOnMutation(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	var got []Snapshot
	cancel := store.Subscribe(func(s Snapshot) { got = append(got, s) })

	store.PutMessage(ctx, Message{ID: "a", Role: RoleUser, Content: "hi"})
	require.NotEmpty(t, got)
	assert.Len(t, got[len(got)-1].Messages, 1)

	cancel()
	before := len(got)
	store.PutMessage(ctx, Message{ID: "b", Role: RoleUser, Content: "again"})
	assert.Equal(t, before, len(got), "cancelled subscriber must not be notified")
}

func TestRestoreFromRepository(t *testing.T) {
	// Reload mid-workflow: transcript and workflow state recover from the
	// durable store with no network call involved.
	ctx := context.Background()
	repo := state.NewMemoryRepository()

	first := NewStore("user-1", workflow.NewTracker(repo, nil), repo, nil)
	first.SetConversationID(ctx, "abc")
	first.PutMessage(ctx, Message{ID: "m1", Role: RoleUser, Content: "run the report"})
	first.AppendContent(ctx, "m2", RoleAssistant, "Working on it")

	firstTracker := workflow.NewTracker(repo, nil)
	firstTracker.NodeStarted(ctx, workflow.NodeEvent{NodeID: "n1", At: time.Now()})
	firstTracker.NodeFinished(ctx, workflow.NodeEvent{NodeID: "n1", At: time.Now()})
	firstTracker.NodeStarted(ctx, workflow.NodeEvent{NodeID: "n2", At: time.Now()})

	// Fresh process
	tracker := workflow.NewTracker(repo, nil)
	found, err := tracker.RestoreFromRepository(ctx)
	require.NoError(t, err)
	require.True(t, found)

	store := NewStore("user-1", tracker, repo, nil)
	ok, err := store.RestoreFromRepository(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "abc", store.ConversationID())
	assert.Len(t, store.Messages(), 2)

	snap := store.Snapshot()
	assert.Equal(t, 1, snap.Workflow.CompletedNodes)
	assert.Equal(t, 2, snap.Workflow.TotalNodes)
}
