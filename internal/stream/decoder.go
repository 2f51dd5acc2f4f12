// ABOUTME: Incremental decoder for newline-delimited "data: {json}" event frames.
// ABOUTME: Tolerates frames split across chunk boundaries and individually malformed lines.

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/flowchat/internal/apierr"
	"github.com/2389/flowchat/internal/workflow"
)

const framePrefix = "data:"

// endOfStreamSentinels are payloads that mark stream end without carrying an
// event object.
var endOfStreamSentinels = map[string]bool{
	"[DONE]": true,
	"ping":   true,
}

// Handler receives decoded events as they arrive. All methods are invoked
// strictly in frame-arrival order from the decoding goroutine.
type Handler interface {
	// TokenDelta delivers an answer fragment for the given message id.
	// Fragments are appended, never replaced.
	TokenDelta(ctx context.Context, messageID, delta string)
	// NodeStarted and NodeFinished deliver workflow stage transitions.
	NodeStarted(ctx context.Context, ev workflow.NodeEvent)
	NodeFinished(ctx context.Context, ev workflow.NodeEvent)
	// ConversationLearned delivers a conversation id that differs from the
	// previously known one. This is the only place mid-stream identity
	// learning occurs.
	ConversationLearned(ctx context.Context, id string)
}

// Result is the outcome of a completed decode.
type Result struct {
	ConversationID string
	MessageID      string
	Usage          *Usage
}

// Decoder converts a raw byte stream of prefixed frames into Handler calls.
// It keeps a pending-partial-line buffer across chunks so a frame split at
// any byte offset decodes identically to one delivered whole.
type Decoder struct {
	handler Handler
	logger  *slog.Logger

	pending   []byte
	convID    string
	messageID string
	usage     *Usage
	streamErr error
}

// NewDecoder creates a Decoder delivering events to the given handler.
func NewDecoder(handler Handler, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		handler: handler,
		logger:  logger.With("component", "stream"),
	}
}

// Run reads the body to completion, feeding each chunk through the decoder,
// and returns the collected result. A reader failure or a captured error
// event fails the decode; content already delivered to the handler is
// retained by its owner, never rolled back.
func (d *Decoder) Run(ctx context.Context, body io.Reader) (*Result, error) {
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			d.Feed(ctx, buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return d.result(), apierr.Wrap(apierr.KindStreamDecode, "reading stream", err)
		}
	}
	return d.Close()
}

// Feed processes one chunk: complete lines are decoded, the trailing partial
// line is retained for the next chunk.
func (d *Decoder) Feed(ctx context.Context, chunk []byte) {
	d.pending = append(d.pending, chunk...)
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			return
		}
		line := string(d.pending[:i])
		d.pending = d.pending[i+1:]
		d.processLine(ctx, line)
	}
}

// Close ends the decode. A trailing partial line is discarded. If an error
// event was captured during the stream, the decode fails with it now, after
// all in-flight partial content has been delivered.
func (d *Decoder) Close() (*Result, error) {
	d.pending = nil
	if d.streamErr != nil {
		return d.result(), d.streamErr
	}
	return d.result(), nil
}

func (d *Decoder) result() *Result {
	return &Result{
		ConversationID: d.convID,
		MessageID:      d.messageID,
		Usage:          d.usage,
	}
}

// processLine decodes one complete line. Malformed frames are logged and
// skipped; they must never abort the stream.
func (d *Decoder) processLine(ctx context.Context, line string) {
	line = strings.TrimSuffix(line, "\r")
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if !strings.HasPrefix(line, framePrefix) {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, framePrefix))
	if payload == "" || endOfStreamSentinels[payload] {
		return
	}

	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		d.logger.Warn("skipping malformed frame", "error", err)
		return
	}

	if f.ConversationID != "" && f.ConversationID != d.convID {
		d.convID = f.ConversationID
		d.handler.ConversationLearned(ctx, f.ConversationID)
	}

	switch f.Event {
	case EventMessage, EventAgentMessage:
		id := f.MessageID
		if id == "" {
			id = f.ID
		}
		d.messageID = id
		d.handler.TokenDelta(ctx, id, f.Answer)

	case EventNodeStarted:
		if ev, ok := d.nodeEvent(f); ok {
			d.handler.NodeStarted(ctx, ev)
		}

	case EventNodeFinished:
		if ev, ok := d.nodeEvent(f); ok {
			d.handler.NodeFinished(ctx, ev)
		}
		d.collectUsage(payload)

	case EventError:
		// Captured, raised only after the stream loop ends so in-flight
		// partial content is preserved.
		msg := f.Message
		if msg == "" {
			msg = "stream error event"
		}
		d.streamErr = apierr.New(apierr.KindStreamDecode, msg)

	case EventMessageEnd, EventWorkflowFinished:
		if f.MessageID != "" {
			d.messageID = f.MessageID
		}
		d.collectUsage(payload)

	default:
		d.logger.Debug("ignoring unknown event", "event", f.Event)
	}
}

// nodeEvent converts a node frame's data payload into a workflow event.
func (d *Decoder) nodeEvent(f frame) (workflow.NodeEvent, bool) {
	var data nodeData
	if err := json.Unmarshal(f.Data, &data); err != nil || data.NodeID == "" {
		d.logger.Warn("skipping node event without usable payload", "error", err)
		return workflow.NodeEvent{}, false
	}
	return workflow.NodeEvent{
		NodeID: data.NodeID,
		Title:  data.Title,
		Type:   data.NodeType,
		At:     time.Now(),
		Error:  data.Error,
	}, true
}

// collectUsage opportunistically extracts model/usage metadata. Terminal
// event totals overwrite per-node findings.
func (d *Decoder) collectUsage(payload string) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return
	}
	if u := extractUsage(raw); u != nil {
		if d.usage != nil && u.Model == "" {
			u.Model = d.usage.Model
		}
		d.usage = u
	}
}
