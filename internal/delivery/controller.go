// ABOUTME: Delivery controller - orchestrates one send with timeout, retry, and fallback.
// ABOUTME: Selects streaming or blocking transport and guarantees conversation id persistence.

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/flowchat/internal/apierr"
	"github.com/2389/flowchat/internal/session"
	"github.com/2389/flowchat/internal/state"
	"github.com/2389/flowchat/internal/stream"
	"github.com/2389/flowchat/internal/usage"
	"github.com/2389/flowchat/internal/workflow"
)

// ErrDeliveryInFlight is returned when a second submission arrives while one
// is outstanding. There is no manual cancel; the caller waits for the
// in-flight call to settle.
var ErrDeliveryInFlight = errors.New("a delivery is already in flight")

// ErrDuplicateSend is returned when an idempotency key has already been
// delivered.
var ErrDuplicateSend = errors.New("message already delivered")

// conversationInvalidPattern is the service's error text for an unknown
// conversation id on a 404 response.
const conversationInvalidPattern = "Conversation Not Exists"

// Doer issues HTTP requests. Satisfied by *http.Client; tests substitute a fake.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Controller.
type Options struct {
	BaseURL string
	APIKey  string
	// ShortTimeout bounds a request with no workflow in progress; LongTimeout
	// applies once a workflow with nodes is already underway.
	ShortTimeout time.Duration
	LongTimeout  time.Duration
	// RetriesEnabled selects a budget of MaxRetries; disabled means 0.
	RetriesEnabled bool
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

// Defaults for unset options.
const (
	defaultShortTimeout = 60 * time.Second
	defaultLongTimeout  = 180 * time.Second
	defaultMaxRetries   = 3
	defaultBackoffBase  = time.Second
	defaultBackoffCap   = 10 * time.Second
)

func (o *Options) fillDefaults() {
	if o.ShortTimeout == 0 {
		o.ShortTimeout = defaultShortTimeout
	}
	if o.LongTimeout == 0 {
		o.LongTimeout = defaultLongTimeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = defaultBackoffCap
	}
}

// Controller sends one user query and obtains exactly one assistant response
// under transient failure.
type Controller struct {
	client   Doer
	opts     Options
	session  *session.Store
	tracker  *workflow.Tracker
	repo     state.Repository
	usage    usage.Collector
	guard    *SubmissionGuard
	inflight atomic.Bool
	logger   *slog.Logger
}

// NewController creates a Controller. A nil client uses http.DefaultClient;
// the per-call deadline lives in the request context, not the client. Usage
// collection and the guard are optional.
func NewController(client Doer, opts Options, sess *session.Store, tracker *workflow.Tracker,
	repo state.Repository, collector usage.Collector, guard *SubmissionGuard, logger *slog.Logger) *Controller {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts.fillDefaults()
	return &Controller{
		client:  client,
		opts:    opts,
		session: sess,
		tracker: tracker,
		repo:    repo,
		usage:   collector,
		guard:   guard,
		logger:  logger.With("component", "delivery"),
	}
}

// SendRequest is one user submission.
type SendRequest struct {
	Content string
	// IdempotencyKey, when set, gives the submission at-most-once semantics
	// across caller-level retries.
	IdempotencyKey string
}

// Result is the settled outcome of a send.
type Result struct {
	MessageID      string
	ConversationID string
	RetryCount     int
}

// chatRequest is the outbound request body.
type chatRequest struct {
	Query          string         `json:"query"`
	User           string         `json:"user"`
	ConversationID *string        `json:"conversation_id"`
	ResponseMode   string         `json:"response_mode"`
	Inputs         map[string]any `json:"inputs"`
}

// blockingResponse is the single-object response body of blocking mode.
type blockingResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Metadata       struct {
		Usage *stream.Usage `json:"usage"`
	} `json:"metadata"`
}

// Send delivers one user message. A second call while one is outstanding
// fails with ErrDeliveryInFlight. Any conversation id returned by the
// service is persisted and mirrored into the session store before Send
// returns, on every path.
func (c *Controller) Send(ctx context.Context, req SendRequest) (*Result, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("content required")
	}
	if !c.inflight.CompareAndSwap(false, true) {
		return nil, ErrDeliveryInFlight
	}
	defer c.inflight.Store(false)

	if c.guard != nil && req.IdempotencyKey != "" && c.guard.Check(req.IdempotencyKey) {
		c.logger.Debug("duplicate submission ignored", "idempotency_key", req.IdempotencyKey)
		return nil, ErrDuplicateSend
	}

	convID := c.bestKnownConversationID(ctx)
	// Declare a new conversation only when there is no prior message and no
	// known id anywhere; otherwise pass the id through so an in-progress
	// workflow is not restarted.
	newConversation := c.session.MessageCount() == 0 && convID == ""

	c.session.PutMessage(ctx, session.Message{
		ID:        uuid.New().String(),
		Role:      session.RoleUser,
		Content:   req.Content,
		Timestamp: time.Now(),
	})

	budget := 0
	if c.opts.RetriesEnabled {
		budget = c.opts.MaxRetries
	}

	retries := 0
	for {
		res, err := c.attempt(ctx, req.Content, convID, newConversation)
		if err == nil {
			if c.guard != nil && req.IdempotencyKey != "" {
				c.guard.Mark(req.IdempotencyKey)
			}
			res.RetryCount = retries
			c.session.SetRetryCount(0)
			return res, nil
		}

		switch {
		case apierr.KindOf(err) == apierr.KindConversationInvalid && retries < budget:
			// The service no longer knows this conversation: clear the local
			// id and retry as fresh, counted against the budget.
			c.logger.Warn("conversation invalid, retrying as new", "retry", retries+1)
			c.session.ClearConversationID(ctx)
			convID = ""
			newConversation = true
			retries++
			c.session.SetRetryCount(retries)

		case apierr.Retryable(err) && retries < budget:
			retries++
			c.session.SetRetryCount(retries)
			c.logger.Warn("transient failure, backing off",
				"retry", retries, "error", err)
			if werr := c.backoff(ctx, retries-1); werr != nil {
				c.session.SetRetryCount(0)
				return nil, werr
			}
			// Re-resolve the id in case an earlier attempt learned one
			// before failing. A learned id also means the conversation
			// exists remotely, so the retry must not declare a new one.
			convID = c.bestKnownConversationID(ctx)
			if convID != "" {
				newConversation = false
			}

		default:
			c.session.SetRetryCount(0)
			return nil, err
		}
	}
}

// bestKnownConversationID returns the live session id, falling back to the
// persisted one.
func (c *Controller) bestKnownConversationID(ctx context.Context) string {
	if id := c.session.ConversationID(); id != "" {
		return id
	}
	if c.repo != nil {
		if id, err := c.repo.Get(ctx, state.KeyConversationID); err == nil {
			return id
		}
	}
	return ""
}

// attempt issues one request and settles it: streaming decode with a single
// blocking fallback, or direct blocking parse.
func (c *Controller) attempt(ctx context.Context, query, convID string, newConversation bool) (*Result, error) {
	timeout := c.opts.ShortTimeout
	if c.tracker != nil && c.tracker.InProgress() {
		timeout = c.opts.LongTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.request(ctx, query, convID, newConversation, "streaming")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		// Service answered in one unit despite the streaming request.
		return c.settleBlocking(ctx, resp.Body)
	}

	dec := stream.NewDecoder(&sessionHandler{c: c}, c.logger)
	res, derr := dec.Run(ctx, resp.Body)
	if derr == nil {
		return c.settleStream(ctx, res), nil
	}

	// Exactly one blocking-mode fallback, reusing the last known conversation
	// id - which may have been learned mid-stream - and never restarting.
	// Partial content already appended stays in the transcript.
	c.logger.Warn("stream decode failed, falling back to blocking mode", "error", derr)
	fallbackID := c.session.ConversationID()
	fresp, ferr := c.request(ctx, query, fallbackID, false, "blocking")
	if ferr != nil {
		return nil, ferr
	}
	defer fresp.Body.Close()
	return c.settleBlocking(ctx, fresp.Body)
}

// request issues one classified HTTP call in the given response mode.
func (c *Controller) request(ctx context.Context, query, convID string, newConversation bool, mode string) (*http.Response, error) {
	body := chatRequest{
		Query:        query,
		User:         c.session.ParticipantID(),
		ResponseMode: mode,
		Inputs:       map[string]any{},
	}
	if !newConversation && convID != "" {
		body.ConversationID = &convID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := strings.TrimSuffix(c.opts.BaseURL, "/") + "/chat-messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, apierr.Wrap(apierr.KindTimeout, "request deadline exceeded", err)
		case ctx.Err() != nil:
			// User cancellation, not a service timeout.
			return nil, fmt.Errorf("request cancelled: %w", err)
		default:
			return nil, apierr.Wrap(apierr.KindNetwork, "sending request", err)
		}
	}

	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return nil, classifyStatus(resp.StatusCode, string(snippet))
}

// classifyStatus maps a non-200 response to the error taxonomy.
func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusNotFound && strings.Contains(body, conversationInvalidPattern):
		return apierr.WithStatus(apierr.KindConversationInvalid, status, "conversation not found")
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return apierr.WithStatus(apierr.KindRemoteTransient, status,
			fmt.Sprintf("service returned status %d", status))
	default:
		return apierr.WithStatus(apierr.KindRemoteRejected, status,
			fmt.Sprintf("service rejected request with status %d", status))
	}
}

// settleStream finalizes a successfully decoded stream.
func (c *Controller) settleStream(ctx context.Context, res *stream.Result) *Result {
	// The handler already mirrored the id mid-stream; this covers streams
	// that only carried it on the terminal frame.
	c.session.SetConversationID(ctx, res.ConversationID)
	c.processUsage(res.Usage)
	return &Result{
		MessageID:      res.MessageID,
		ConversationID: c.session.ConversationID(),
	}
}

// settleBlocking parses a blocking response body and feeds it through the
// same message-append path used by streaming.
func (c *Controller) settleBlocking(ctx context.Context, body io.Reader) (*Result, error) {
	var blk blockingResponse
	if err := json.NewDecoder(body).Decode(&blk); err != nil {
		return nil, apierr.Wrap(apierr.KindStreamDecode, "parsing blocking response", err)
	}
	if blk.MessageID == "" {
		blk.MessageID = uuid.New().String()
	}
	c.session.AppendContent(ctx, blk.MessageID, session.RoleAssistant, blk.Answer)
	c.session.SetConversationID(ctx, blk.ConversationID)
	c.processUsage(blk.Metadata.Usage)
	return &Result{
		MessageID:      blk.MessageID,
		ConversationID: c.session.ConversationID(),
	}, nil
}

// processUsage forwards collected usage to the billing collaborator.
// Fire-and-forget: the collector owns failure handling.
func (c *Controller) processUsage(u *stream.Usage) {
	if c.usage == nil || u == nil {
		return
	}
	c.usage.ProcessUsage(&usage.Record{
		ConversationID:   c.session.ConversationID(),
		Model:            u.Model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		TotalPrice:       u.TotalPrice,
		Currency:         u.Currency,
		CapturedAt:       time.Now(),
	})
}

// backoff sleeps for the n-th retry delay: base doubling per retry, capped.
func (c *Controller) backoff(ctx context.Context, n int) error {
	d := c.opts.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= c.opts.BackoffCap {
			d = c.opts.BackoffCap
			break
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return apierr.Wrap(apierr.KindTimeout, "cancelled during backoff", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// sessionHandler routes decoded stream events into the session store and
// workflow tracker.
type sessionHandler struct {
	c *Controller
}

func (h *sessionHandler) TokenDelta(ctx context.Context, messageID, delta string) {
	h.c.session.AppendContent(ctx, messageID, session.RoleAssistant, delta)
}

func (h *sessionHandler) NodeStarted(ctx context.Context, ev workflow.NodeEvent) {
	if h.c.tracker != nil {
		h.c.tracker.NodeStarted(ctx, ev)
	}
}

func (h *sessionHandler) NodeFinished(ctx context.Context, ev workflow.NodeEvent) {
	if h.c.tracker != nil {
		h.c.tracker.NodeFinished(ctx, ev)
	}
}

func (h *sessionHandler) ConversationLearned(ctx context.Context, id string) {
	h.c.session.SetConversationID(ctx, id)
}
