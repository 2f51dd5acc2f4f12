// ABOUTME: Tests for workflow progress tracking.
// ABOUTME: Covers idempotent upserts, progress math, the totalNodes maximum, and recovery.

package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/flowchat/internal/state"
)

func TestTracker_NodeLifecycle(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(nil, nil)

	assert.False(t, tracker.Snapshot().IsWorkflow)

	tracker.NodeStarted(ctx, NodeEvent{NodeID: "n1", Title: "Retrieve", Type: "retrieval", At: time.Now()})

	snap := tracker.Snapshot()
	assert.True(t, snap.IsWorkflow)
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, StatusRunning, snap.Nodes[0].Status)
	assert.NotNil(t, snap.Nodes[0].StartedAt)
	assert.Equal(t, "n1", snap.CurrentNodeID)
	assert.Equal(t, 0, snap.CompletedNodes)

	tracker.NodeFinished(ctx, NodeEvent{NodeID: "n1", At: time.Now()})

	snap = tracker.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Nodes[0].Status)
	assert.NotNil(t, snap.Nodes[0].FinishedAt)
	assert.Equal(t, 1, snap.CompletedNodes)
	assert.Equal(t, 1, snap.TotalNodes)
}

func TestTracker_IdempotentFinish(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(nil, nil)

	at := time.Now()
	tracker.NodeStarted(ctx, NodeEvent{NodeID: "n1", At: at})
	tracker.NodeFinished(ctx, NodeEvent{NodeID: "n1", At: at})
	once := tracker.Snapshot()

	tracker.NodeFinished(ctx, NodeEvent{NodeID: "n1", At: at.Add(time.Second)})
	twice := tracker.Snapshot()

	assert.Equal(t, once, twice, "applying the same finish twice must not change state")
}

func TestTracker_UnknownNodeCreatedAtDeclaredStatus(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(nil, nil)

	// A finish for a node never started creates it directly as completed
	tracker.NodeFinished(ctx, NodeEvent{NodeID: "ghost", At: time.Now()})

	snap := tracker.Snapshot()
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, StatusCompleted, snap.Nodes[0].Status)
	assert.Equal(t, 1, snap.CompletedNodes)
}

func TestTracker_FailedNode(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(nil, nil)

	tracker.NodeStarted(ctx, NodeEvent{NodeID: "n1", At: time.Now()})
	tracker.NodeFinished(ctx, NodeEvent{NodeID: "n1", At: time.Now(), Error: "model unavailable"})

	snap := tracker.Snapshot()
	assert.Equal(t, StatusFailed, snap.Nodes[0].Status)
	assert.Equal(t, "model unavailable", snap.Nodes[0].Error)
	assert.Equal(t, 0, snap.CompletedNodes, "failed nodes do not count as completed")
}

func TestTracker_ProgressMath(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(nil, nil)

	assert.Equal(t, 0.0, tracker.Snapshot().Progress())

	tracker.NodeStarted(ctx, NodeEvent{NodeID: "n1", At: time.Now()})
	tracker.NodeStarted(ctx, NodeEvent{NodeID: "n2", At: time.Now()})
	tracker.NodeFinished(ctx, NodeEvent{NodeID: "n1", At: time.Now()})

	snap := tracker.Snapshot()
	completed := 0
	for _, n := range snap.Nodes {
		if n.Status == StatusCompleted {
			completed++
		}
	}
	assert.Equal(t, completed, snap.CompletedNodes)
	assert.InDelta(t, 0.5, snap.Progress(), 1e-9)
}

func TestTracker_TotalNodesNeverDecreases(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(nil, nil)

	tracker.NodeStarted(ctx, NodeEvent{NodeID: "n1", At: time.Now()})
	tracker.NodeStarted(ctx, NodeEvent{NodeID: "n2", At: time.Now()})
	tracker.NodeStarted(ctx, NodeEvent{NodeID: "n3", At: time.Now()})
	assert.Equal(t, 3, tracker.Snapshot().TotalNodes)

	// Restoring a smaller snapshot keeps the larger observed node count
	// semantics within the restored state itself
	tracker.Restore(State{IsWorkflow: true, Nodes: []Node{{ID: "a", Status: StatusRunning}}, TotalNodes: 5})
	assert.Equal(t, 5, tracker.Snapshot().TotalNodes)

	tracker.NodeStarted(ctx, NodeEvent{NodeID: "b", At: time.Now()})
	assert.Equal(t, 5, tracker.Snapshot().TotalNodes, "fewer live nodes must not shrink the maximum")
}

func TestTracker_MirrorAndRecover(t *testing.T) {
	ctx := context.Background()
	repo := state.NewMemoryRepository()

	tracker := NewTracker(repo, nil)
	tracker.NodeStarted(ctx, NodeEvent{NodeID: "n1", At: time.Now()})
	tracker.NodeFinished(ctx, NodeEvent{NodeID: "n1", At: time.Now()})
	tracker.NodeStarted(ctx, NodeEvent{NodeID: "n2", At: time.Now()})

	// A reload recovers mid-workflow from the mirror alone
	recovered := NewTracker(repo, nil)
	found, err := recovered.RestoreFromRepository(ctx)
	require.NoError(t, err)
	require.True(t, found)

	snap := recovered.Snapshot()
	assert.True(t, snap.IsWorkflow)
	assert.Equal(t, 1, snap.CompletedNodes)
	assert.Equal(t, 2, snap.TotalNodes)
	assert.Equal(t, StatusRunning, snap.Nodes[1].Status)
}

func TestTracker_Reset(t *testing.T) {
	ctx := context.Background()
	repo := state.NewMemoryRepository()

	tracker := NewTracker(repo, nil)
	tracker.NodeStarted(ctx, NodeEvent{NodeID: "n1", At: time.Now()})
	tracker.Reset(ctx)

	snap := tracker.Snapshot()
	assert.False(t, snap.IsWorkflow)
	assert.Empty(t, snap.Nodes)
	assert.Equal(t, 0, snap.TotalNodes)

	_, err := repo.Get(ctx, state.KeyWorkflowState)
	assert.ErrorIs(t, err, state.ErrNotFound, "reset must clear the mirror")
}

func TestTracker_InProgress(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(nil, nil)

	assert.False(t, tracker.InProgress())
	tracker.NodeStarted(ctx, NodeEvent{NodeID: "n1", At: time.Now()})
	assert.True(t, tracker.InProgress())
}
