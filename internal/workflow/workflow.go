// ABOUTME: Workflow progress tracking from node lifecycle events.
// ABOUTME: Maintains per-node state, aggregate progress, and a durable mirror for recovery.

package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/flowchat/internal/state"
)

// Status is the lifecycle state of a workflow node.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Node is one stage of a remote workflow.
type Node struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Type       string     `json:"type"`
	Status     Status     `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// State is the aggregate workflow view for a session.
type State struct {
	// IsWorkflow latches true on the first node event and never reverts; a
	// session that never sees one is plain chat.
	IsWorkflow    bool   `json:"is_workflow"`
	Nodes         []Node `json:"nodes"`
	CurrentNodeID string `json:"current_node_id,omitempty"`
	// TotalNodes is the running maximum of nodes ever observed. It never
	// decreases within a session.
	TotalNodes     int `json:"total_nodes"`
	CompletedNodes int `json:"completed_nodes"`
}

// Progress returns completed/max(total, 1) in [0, 1].
func (s State) Progress() float64 {
	total := s.TotalNodes
	if total < 1 {
		total = 1
	}
	return float64(s.CompletedNodes) / float64(total)
}

// Tracker maintains workflow state from decoded node events. Transitions are
// idempotent upserts keyed by node id. After every transition the full state
// is mirrored to the repository so a reload can recover mid-workflow.
type Tracker struct {
	mu     sync.Mutex
	state  State
	index  map[string]int // node id -> position in state.Nodes
	repo   state.Repository
	logger *slog.Logger
}

// NewTracker creates a Tracker mirroring into the given repository.
// A nil repository disables mirroring.
func NewTracker(repo state.Repository, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		index:  make(map[string]int),
		repo:   repo,
		logger: logger.With("component", "workflow"),
	}
}

// NodeEvent carries the fields of a node_started or node_finished event
// that the tracker cares about.
type NodeEvent struct {
	NodeID string
	Title  string
	Type   string
	At     time.Time
	Error  string
}

// NodeStarted applies a node_started event: the node (created if unknown)
// moves to running and records its start time.
func (t *Tracker) NodeStarted(ctx context.Context, ev NodeEvent) {
	t.mu.Lock()
	node := t.upsertLocked(ev)
	node.Status = StatusRunning
	if node.StartedAt == nil {
		at := ev.At
		node.StartedAt = &at
	}
	t.state.CurrentNodeID = ev.NodeID
	t.recomputeLocked()
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.mirror(ctx, snap)
}

// NodeFinished applies a node_finished event: the node (created if unknown)
// moves to completed, or failed when the event carries error text, and
// records its end time.
func (t *Tracker) NodeFinished(ctx context.Context, ev NodeEvent) {
	t.mu.Lock()
	node := t.upsertLocked(ev)
	if ev.Error != "" {
		node.Status = StatusFailed
		node.Error = ev.Error
	} else {
		node.Status = StatusCompleted
	}
	if node.FinishedAt == nil {
		at := ev.At
		node.FinishedAt = &at
	}
	t.recomputeLocked()
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.mirror(ctx, snap)
}

// upsertLocked returns the node for ev.NodeID, creating it if unknown.
// Must be called with mu held.
func (t *Tracker) upsertLocked(ev NodeEvent) *Node {
	t.state.IsWorkflow = true

	if i, ok := t.index[ev.NodeID]; ok {
		node := &t.state.Nodes[i]
		if ev.Title != "" {
			node.Title = ev.Title
		}
		if ev.Type != "" {
			node.Type = ev.Type
		}
		return node
	}

	t.state.Nodes = append(t.state.Nodes, Node{
		ID:     ev.NodeID,
		Title:  ev.Title,
		Type:   ev.Type,
		Status: StatusWaiting,
	})
	i := len(t.state.Nodes) - 1
	t.index[ev.NodeID] = i
	return &t.state.Nodes[i]
}

// recomputeLocked refreshes the derived counters. Must be called with mu held.
func (t *Tracker) recomputeLocked() {
	completed := 0
	for _, n := range t.state.Nodes {
		if n.Status == StatusCompleted {
			completed++
		}
	}
	t.state.CompletedNodes = completed
	if len(t.state.Nodes) > t.state.TotalNodes {
		t.state.TotalNodes = len(t.state.Nodes)
	}
}

// snapshotLocked returns a deep copy of the state. Must be called with mu held.
func (t *Tracker) snapshotLocked() State {
	snap := t.state
	snap.Nodes = make([]Node, len(t.state.Nodes))
	copy(snap.Nodes, t.state.Nodes)
	return snap
}

// Snapshot returns a copy of the current workflow state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// InProgress reports whether a workflow with nodes is currently underway.
// The delivery layer uses this to pick the long response timeout.
func (t *Tracker) InProgress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.IsWorkflow && len(t.state.Nodes) > 0
}

// Restore replaces the tracker state with a previously mirrored snapshot.
// TotalNodes keeps its running-maximum guarantee relative to the restored value.
func (t *Tracker) Restore(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = s
	t.index = make(map[string]int, len(s.Nodes))
	for i, n := range s.Nodes {
		t.index[n.ID] = i
	}
	t.recomputeLocked()
}

// Reset clears all workflow state for a new conversation.
func (t *Tracker) Reset(ctx context.Context) {
	t.mu.Lock()
	t.state = State{}
	t.index = make(map[string]int)
	t.mu.Unlock()

	if t.repo != nil {
		if err := t.repo.Delete(ctx, state.KeyWorkflowState); err != nil {
			t.logger.Warn("failed to clear mirrored workflow state", "error", err)
		}
	}
}

// mirror writes the snapshot to the repository. Failures are logged and
// swallowed; persistence must never block event processing.
func (t *Tracker) mirror(ctx context.Context, snap State) {
	if t.repo == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.logger.Error("failed to serialize workflow state", "error", err)
		return
	}
	if err := t.repo.Set(ctx, state.KeyWorkflowState, string(data)); err != nil {
		t.logger.Warn("failed to mirror workflow state", "error", err)
	}
}

// RestoreFromRepository loads the mirrored state, if any, into the tracker.
// Returns true when a snapshot was found.
func (t *Tracker) RestoreFromRepository(ctx context.Context) (bool, error) {
	if t.repo == nil {
		return false, nil
	}
	raw, err := t.repo.Get(ctx, state.KeyWorkflowState)
	if err == state.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return false, err
	}
	t.Restore(s)
	return true, nil
}
