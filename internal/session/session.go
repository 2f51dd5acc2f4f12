// ABOUTME: Live conversation session store - transcript, conversation id, and workflow state.
// ABOUTME: Single source of truth for an active session, observable via snapshots and subscriptions.

package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/flowchat/internal/identity"
	"github.com/2389/flowchat/internal/state"
	"github.com/2389/flowchat/internal/workflow"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the session transcript. Content is mutable while
// an assistant answer streams in; messages are never deleted within a session.
type Message struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Snapshot is an immutable view of the session for observers.
type Snapshot struct {
	ParticipantID  string
	ConversationID string
	Messages       []Message
	Workflow       workflow.State
	RetryCount     int
}

// Store holds the live session. It serializes its own mutations so observers
// may read snapshots concurrently; there is still only one writer per
// session at the delivery level.
type Store struct {
	mu             sync.Mutex
	participantID  string
	conversationID string
	messages       []Message
	index          map[string]int // message id -> position
	retryCount     int
	subs           map[int]func(Snapshot)
	nextSub        int

	tracker *workflow.Tracker
	repo    state.Repository
	logger  *slog.Logger
}

// NewStore creates a session Store for the given participant. The tracker
// supplies workflow state for snapshots and is reset together with the
// session. A nil repository disables write-through persistence.
func NewStore(participantID string, tracker *workflow.Tracker, repo state.Repository, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		participantID: participantID,
		index:         make(map[string]int),
		subs:          make(map[int]func(Snapshot)),
		tracker:       tracker,
		repo:          repo,
		logger:        logger.With("component", "session"),
	}
}

// ParticipantID returns the current participant identifier.
func (s *Store) ParticipantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantID
}

// ConversationID returns the best-known conversation id, or "".
func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// SetConversationID records a conversation id learned from the service and
// persists it. The write is monotonic: an empty id never clears a previously
// learned one, so a slow duplicate response cannot undo confirmed identity.
func (s *Store) SetConversationID(ctx context.Context, id string) {
	if id == "" {
		return
	}

	s.mu.Lock()
	changed := s.conversationID != id
	s.conversationID = id
	s.mu.Unlock()

	if !changed {
		return
	}
	if s.repo != nil {
		if err := s.repo.Set(ctx, state.KeyConversationID, id); err != nil {
			s.logger.Warn("failed to persist conversation id", "error", err)
		}
	}
	s.notify()
}

// ClearConversationID drops the local and persisted conversation id. Used
// only when the service reports the conversation as invalid; the monotonic
// rule in SetConversationID guards against accidental clears, not this
// deliberate one.
func (s *Store) ClearConversationID(ctx context.Context) {
	s.mu.Lock()
	s.conversationID = ""
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.Delete(ctx, state.KeyConversationID); err != nil {
			s.logger.Warn("failed to clear persisted conversation id", "error", err)
		}
	}
	s.notify()
}

// PutMessage inserts or replaces a message by id, preserving first-insertion
// order.
func (s *Store) PutMessage(ctx context.Context, msg Message) {
	s.mu.Lock()
	if i, ok := s.index[msg.ID]; ok {
		s.messages[i] = msg
	} else {
		s.index[msg.ID] = len(s.messages)
		s.messages = append(s.messages, msg)
	}
	s.mu.Unlock()

	s.persistMessages(ctx)
	s.notify()
}

// AppendContent appends a streamed content delta to the message with the
// given id, creating an empty message of the given role on the first token.
func (s *Store) AppendContent(ctx context.Context, id string, role Role, delta string) {
	s.mu.Lock()
	if i, ok := s.index[id]; ok {
		s.messages[i].Content += delta
	} else {
		s.index[id] = len(s.messages)
		s.messages = append(s.messages, Message{
			ID:        id,
			Role:      role,
			Content:   delta,
			Timestamp: time.Now(),
		})
	}
	s.mu.Unlock()

	s.persistMessages(ctx)
	s.notify()
}

// Messages returns a copy of the transcript in insertion order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// MessageCount returns the number of messages in the transcript.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// SetRetryCount surfaces the live retry counter while retries are in progress.
func (s *Store) SetRetryCount(n int) {
	s.mu.Lock()
	s.retryCount = n
	s.mu.Unlock()
	s.notify()
}

// Snapshot returns an immutable view of the session.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ParticipantID:  s.participantID,
		ConversationID: s.conversationID,
		Messages:       make([]Message, len(s.messages)),
		RetryCount:     s.retryCount,
	}
	copy(snap.Messages, s.messages)
	s.mu.Unlock()

	if s.tracker != nil {
		snap.Workflow = s.tracker.Snapshot()
	}
	return snap
}

// Subscribe registers a listener invoked after every mutation with a fresh
// snapshot. The returned function cancels the subscription.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// ResetForNewConversation clears all session fields, revokes persisted
// continuity keys, and mints a new participant identity, guaranteeing the
// remote workflow restarts at its initial stage rather than resuming.
func (s *Store) ResetForNewConversation(ctx context.Context) {
	minted := identity.Mint()

	s.mu.Lock()
	s.participantID = minted
	s.conversationID = ""
	s.messages = nil
	s.index = make(map[string]int)
	s.retryCount = 0
	s.mu.Unlock()

	if s.tracker != nil {
		s.tracker.Reset(ctx)
	}
	if s.repo != nil {
		if err := state.ClearContinuity(ctx, s.repo); err != nil {
			s.logger.Warn("failed to revoke continuity keys", "error", err)
		}
		if err := s.repo.Set(ctx, state.KeyParticipantID, minted); err != nil {
			s.logger.Warn("failed to persist new participant id", "error", err)
		}
	}
	s.logger.Info("session reset for new conversation", "participant_id", minted)
	s.notify()
}

// Restore rehydrates the transcript from a previously persisted message list.
func (s *Store) Restore(conversationID string, messages []Message) {
	s.mu.Lock()
	s.conversationID = conversationID
	s.messages = make([]Message, len(messages))
	copy(s.messages, messages)
	s.index = make(map[string]int, len(messages))
	for i, m := range s.messages {
		s.index[m.ID] = i
	}
	s.mu.Unlock()
	s.notify()
}

// RestoreFromRepository loads the persisted transcript and conversation id,
// if any. Returns true when a transcript was found.
func (s *Store) RestoreFromRepository(ctx context.Context) (bool, error) {
	if s.repo == nil {
		return false, nil
	}

	convID, err := s.repo.Get(ctx, state.KeyConversationID)
	if err != nil && err != state.ErrNotFound {
		return false, err
	}

	raw, err := s.repo.Get(ctx, state.KeyMessages)
	if err == state.ErrNotFound {
		if convID != "" {
			s.Restore(convID, nil)
			return true, nil
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var messages []Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return false, err
	}
	s.Restore(convID, messages)
	return true, nil
}

// persistMessages mirrors the transcript to durable storage. Failures are
// logged and swallowed; persistence never blocks delivery.
func (s *Store) persistMessages(ctx context.Context) {
	if s.repo == nil {
		return
	}
	s.mu.Lock()
	data, err := json.Marshal(s.messages)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("failed to serialize transcript", "error", err)
		return
	}
	if err := s.repo.Set(ctx, state.KeyMessages, string(data)); err != nil {
		s.logger.Warn("failed to persist transcript", "error", err)
	}
}

// notify invokes all subscribers with a fresh snapshot, outside the lock.
func (s *Store) notify() {
	s.mu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	if len(fns) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}
