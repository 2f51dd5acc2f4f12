// ABOUTME: History synchronizer - persists conversation snapshots to a remote store.
// ABOUTME: Deduplicates saves, caches the list with a TTL, and lazily loads full detail.

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/flowchat/internal/session"
	"github.com/2389/flowchat/internal/workflow"
)

// titleMaxLen is the fixed truncation length for titles derived from the
// first user message.
const titleMaxLen = 30

// listCacheTTL bounds how stale a cached history list may be before a
// non-forced List refetches.
const listCacheTTL = 30 * time.Second

// Item is one persisted conversation snapshot. Messages are loaded lazily.
type Item struct {
	ID           string
	Title        string
	Preview      string
	MessageCount int
	Messages     []session.Message
	Workflow     workflow.State
	// ExternalID is the remote service's conversation id, "" for sessions
	// that never reached the service.
	ExternalID string
	UpdatedAt  time.Time
}

// Detail is the full payload returned by a lazy load.
type Detail struct {
	ID       string
	Title    string
	Messages []session.Message
	// WorkflowStateJSON is the serialized workflow state as stored remotely;
	// node start/end times arrive as RFC3339 strings and are re-hydrated by
	// the synchronizer.
	WorkflowStateJSON string
	ExternalID        string
}

// API is the remote history store consumed by the synchronizer.
type API interface {
	ListConversations(ctx context.Context) ([]Item, error)
	SaveConversation(ctx context.Context, item *Item) (string, error)
	LoadConversationDetail(ctx context.Context, id string) (*Detail, error)
	DeleteConversation(ctx context.Context, id string) error
}

// ActiveSession is what the synchronizer needs from the live session: enough
// to detect that the deleted item was the active conversation and reset it.
type ActiveSession interface {
	ConversationID() string
	ResetForNewConversation(ctx context.Context)
}

// Synchronizer persists and retrieves conversation snapshots, independent of
// the live session.
type Synchronizer struct {
	api    API
	active ActiveSession
	logger *slog.Logger

	mu        sync.Mutex
	cache     []Item
	fetchedAt time.Time
}

// NewSynchronizer creates a Synchronizer over the given remote store.
func NewSynchronizer(api API, active ActiveSession, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		api:    api,
		active: active,
		logger: logger.With("component", "history"),
	}
}

// Save persists a snapshot of the session at an explicit boundary (new
// conversation transition or session close). A matching item - same external
// id and message count - already in the list makes this a no-op; a matching
// local id updates in place; otherwise a new item is prepended.
func (s *Synchronizer) Save(ctx context.Context, snap session.Snapshot) error {
	if len(snap.Messages) == 0 {
		return nil
	}

	// The dedup scan below runs over the cached list, which starts empty in
	// a fresh process. Prime it from the remote store so a restart-then-exit
	// cannot re-save an unchanged conversation.
	s.mu.Lock()
	primed := !s.fetchedAt.IsZero()
	s.mu.Unlock()
	if !primed {
		if _, err := s.List(ctx, false); err != nil {
			s.logger.Warn("could not fetch history before save", "error", err)
		}
	}

	item := Item{
		Title:        titleFrom(snap.Messages),
		Preview:      preview(snap.Messages),
		MessageCount: len(snap.Messages),
		Messages:     snap.Messages,
		Workflow:     snap.Workflow,
		ExternalID:   snap.ConversationID,
		UpdatedAt:    time.Now(),
	}

	s.mu.Lock()
	existing := -1
	for i := range s.cache {
		if item.ExternalID != "" && s.cache[i].ExternalID == item.ExternalID {
			if s.cache[i].MessageCount == item.MessageCount {
				s.mu.Unlock()
				s.logger.Debug("history save skipped, snapshot unchanged",
					"external_id", item.ExternalID)
				return nil
			}
			existing = i
			break
		}
	}
	if existing >= 0 {
		item.ID = s.cache[existing].ID
	} else {
		item.ID = uuid.New().String()
	}
	s.mu.Unlock()

	id, err := s.api.SaveConversation(ctx, &item)
	if err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	if id != "" {
		item.ID = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing >= 0 && existing < len(s.cache) {
		s.cache[existing] = item
	} else {
		s.cache = append([]Item{item}, s.cache...)
	}
	return nil
}

// List returns the history items, served from cache within the TTL unless
// forceRefresh is set. A fetch atomically replaces the cache and timestamp.
func (s *Synchronizer) List(ctx context.Context, forceRefresh bool) ([]Item, error) {
	s.mu.Lock()
	fresh := !forceRefresh && !s.fetchedAt.IsZero() && time.Since(s.fetchedAt) < listCacheTTL
	if fresh {
		out := make([]Item, len(s.cache))
		copy(out, s.cache)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	items, err := s.api.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	s.mu.Lock()
	s.cache = items
	s.fetchedAt = time.Now()
	out := make([]Item, len(s.cache))
	copy(out, s.cache)
	s.mu.Unlock()
	return out, nil
}

// Load fetches the full detail for one item and re-hydrates serialized
// temporal fields back into time values.
func (s *Synchronizer) Load(ctx context.Context, id string) (*Item, error) {
	detail, err := s.api.LoadConversationDetail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", id, err)
	}

	item := &Item{
		ID:           detail.ID,
		Title:        detail.Title,
		Preview:      preview(detail.Messages),
		MessageCount: len(detail.Messages),
		Messages:     detail.Messages,
		ExternalID:   detail.ExternalID,
	}
	if detail.WorkflowStateJSON != "" {
		wf, err := rehydrateWorkflowState(detail.WorkflowStateJSON)
		if err != nil {
			s.logger.Warn("failed to rehydrate workflow state", "error", err, "id", id)
		} else {
			item.Workflow = wf
		}
	}

	s.mu.Lock()
	for i := range s.cache {
		if s.cache[i].ID == item.ID {
			s.cache[i].Messages = item.Messages
			s.cache[i].Workflow = item.Workflow
			break
		}
	}
	s.mu.Unlock()
	return item, nil
}

// Delete removes an item remotely and locally. If it was the active session,
// the live session resets to a new conversation.
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	if err := s.api.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("deleting conversation %s: %w", id, err)
	}

	var externalID string
	s.mu.Lock()
	for i := range s.cache {
		if s.cache[i].ID == id {
			externalID = s.cache[i].ExternalID
			s.cache = append(s.cache[:i], s.cache[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if s.active != nil && externalID != "" && externalID == s.active.ConversationID() {
		s.logger.Info("deleted active conversation, resetting session", "id", id)
		s.active.ResetForNewConversation(ctx)
	}
	return nil
}

// titleFrom derives a title from the first user message, truncated to a
// fixed rune length.
func titleFrom(messages []session.Message) string {
	for _, m := range messages {
		if m.Role != session.RoleUser {
			continue
		}
		runes := []rune(m.Content)
		if len(runes) > titleMaxLen {
			return string(runes[:titleMaxLen])
		}
		return m.Content
	}
	return "New conversation"
}

// preview returns the last message's content, shortened.
func preview(messages []session.Message) string {
	if len(messages) == 0 {
		return ""
	}
	last := messages[len(messages)-1].Content
	runes := []rune(last)
	if len(runes) > 80 {
		return string(runes[:80])
	}
	return last
}

// persistedNode mirrors workflow.Node with temporal fields as strings, the
// shape the remote store returns.
type persistedNode struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	Error      string `json:"error,omitempty"`
}

type persistedWorkflowState struct {
	IsWorkflow     bool            `json:"is_workflow"`
	Nodes          []persistedNode `json:"nodes"`
	CurrentNodeID  string          `json:"current_node_id,omitempty"`
	TotalNodes     int             `json:"total_nodes"`
	CompletedNodes int             `json:"completed_nodes"`
}

// rehydrateWorkflowState parses serialized workflow state, converting node
// start/end times from RFC3339 strings back into time values.
func rehydrateWorkflowState(raw string) (workflow.State, error) {
	var p persistedWorkflowState
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return workflow.State{}, fmt.Errorf("parsing workflow state: %w", err)
	}

	out := workflow.State{
		IsWorkflow:     p.IsWorkflow,
		CurrentNodeID:  p.CurrentNodeID,
		TotalNodes:     p.TotalNodes,
		CompletedNodes: p.CompletedNodes,
		Nodes:          make([]workflow.Node, 0, len(p.Nodes)),
	}
	for _, n := range p.Nodes {
		node := workflow.Node{
			ID:     n.ID,
			Title:  n.Title,
			Type:   n.Type,
			Status: workflow.Status(n.Status),
			Error:  n.Error,
		}
		if t, err := time.Parse(time.RFC3339, n.StartedAt); err == nil && n.StartedAt != "" {
			node.StartedAt = &t
		}
		if t, err := time.Parse(time.RFC3339, n.FinishedAt); err == nil && n.FinishedAt != "" {
			node.FinishedAt = &t
		}
		out.Nodes = append(out.Nodes, node)
	}
	return out, nil
}
