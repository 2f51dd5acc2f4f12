// ABOUTME: Tests for the event frame decoder.
// ABOUTME: Covers chunk-boundary robustness, malformed frames, error capture, and usage extraction.

package stream

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/flowchat/internal/apierr"
	"github.com/2389/flowchat/internal/workflow"
)

// recordingHandler captures every handler call in arrival order.
type recordingHandler struct {
	calls []string
}

func (r *recordingHandler) TokenDelta(_ context.Context, id, delta string) {
	r.calls = append(r.calls, "delta:"+id+":"+delta)
}

func (r *recordingHandler) NodeStarted(_ context.Context, ev workflow.NodeEvent) {
	r.calls = append(r.calls, "started:"+ev.NodeID)
}

func (r *recordingHandler) NodeFinished(_ context.Context, ev workflow.NodeEvent) {
	r.calls = append(r.calls, "finished:"+ev.NodeID)
}

func (r *recordingHandler) ConversationLearned(_ context.Context, id string) {
	r.calls = append(r.calls, "conv:"+id)
}

const sampleStream = `data: {"event": "message", "message_id": "m1", "conversation_id": "c1", "answer": "Hel"}
data: {"event": "message", "message_id": "m1", "conversation_id": "c1", "answer": "lo"}
data: {"event": "node_started", "conversation_id": "c1", "data": {"node_id": "n1", "title": "Retrieve", "node_type": "retrieval"}}
data: {"event": "node_finished", "conversation_id": "c1", "data": {"node_id": "n1", "title": "Retrieve", "node_type": "retrieval", "status": "succeeded"}}
data: {"event": "message_end", "message_id": "m1", "conversation_id": "c1", "metadata": {"usage": {"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30, "total_price": "0.0012", "currency": "USD"}}}
data: [DONE]
`

func decodeWhole(t *testing.T, body string) (*recordingHandler, *Result, error) {
	t.Helper()
	h := &recordingHandler{}
	dec := NewDecoder(h, nil)
	res, err := dec.Run(context.Background(), strings.NewReader(body))
	return h, res, err
}

func TestDecode_FullStream(t *testing.T) {
	h, res, err := decodeWhole(t, sampleStream)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"conv:c1",
		"delta:m1:Hel",
		"delta:m1:lo",
		"started:n1",
		"finished:n1",
	}, h.calls)

	assert.Equal(t, "c1", res.ConversationID)
	assert.Equal(t, "m1", res.MessageID)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 30, res.Usage.TotalTokens)
	assert.Equal(t, "0.0012", res.Usage.TotalPrice)
}

func TestDecode_SplitAtEveryOffset(t *testing.T) {
	// A frame sequence split at any byte offset across two chunks must
	// decode to the same event sequence as delivering it whole.
	whole, _, err := decodeWhole(t, sampleStream)
	require.NoError(t, err)

	for offset := 1; offset < len(sampleStream)-1; offset++ {
		h := &recordingHandler{}
		dec := NewDecoder(h, nil)
		ctx := context.Background()
		dec.Feed(ctx, []byte(sampleStream[:offset]))
		dec.Feed(ctx, []byte(sampleStream[offset:]))
		_, err := dec.Close()
		require.NoError(t, err, "offset %d", offset)
		assert.Equal(t, whole.calls, h.calls, "offset %d", offset)
	}
}

func TestDecode_MalformedLineSkipped(t *testing.T) {
	body := "data: {not json at all\n" +
		`data: {"event": "message", "message_id": "m1", "answer": "ok"}` + "\n"

	h, _, err := decodeWhole(t, body)
	require.NoError(t, err, "a malformed frame must never abort the stream")
	assert.Equal(t, []string{"delta:m1:ok"}, h.calls)
}

func TestDecode_TrailingPartialDiscarded(t *testing.T) {
	body := `data: {"event": "message", "message_id": "m1", "answer": "ok"}` + "\n" +
		`data: {"event": "message", "mess` // cut mid-frame, no newline

	h, _, err := decodeWhole(t, body)
	require.NoError(t, err)
	assert.Equal(t, []string{"delta:m1:ok"}, h.calls)
}

func TestDecode_ErrorEventRaisedAfterLoop(t *testing.T) {
	body := `data: {"event": "message", "message_id": "m1", "answer": "partial "}` + "\n" +
		`data: {"event": "error", "message": "internal failure"}` + "\n" +
		`data: {"event": "message", "message_id": "m1", "answer": "answer"}` + "\n"

	h, _, err := decodeWhole(t, body)
	require.Error(t, err)
	assert.Equal(t, apierr.KindStreamDecode, apierr.KindOf(err))
	assert.Contains(t, err.Error(), "internal failure")

	// Frames after the error event were still delivered: partial content
	// is preserved until the loop ends.
	assert.Equal(t, []string{"delta:m1:partial ", "delta:m1:answer"}, h.calls)
}

func TestDecode_ConversationLearnedOnce(t *testing.T) {
	body := `data: {"event": "message", "message_id": "m1", "conversation_id": "c1", "answer": "a"}` + "\n" +
		`data: {"event": "message", "message_id": "m1", "conversation_id": "c1", "answer": "b"}` + "\n" +
		`data: {"event": "message", "message_id": "m1", "conversation_id": "c2", "answer": "c"}` + "\n"

	h, res, err := decodeWhole(t, body)
	require.NoError(t, err)

	var learned []string
	for _, call := range h.calls {
		if strings.HasPrefix(call, "conv:") {
			learned = append(learned, call)
		}
	}
	assert.Equal(t, []string{"conv:c1", "conv:c2"}, learned)
	assert.Equal(t, "c2", res.ConversationID)
}

func TestDecode_NodeFinishedUsageFromExecutionMetadata(t *testing.T) {
	body := `data: {"event": "node_finished", "data": {"node_id": "n1", "execution_metadata": {"model_name": "gpt-4o", "usage": {"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12}}}}` + "\n"

	_, res, err := decodeWhole(t, body)
	require.NoError(t, err)
	require.NotNil(t, res.Usage)
	assert.Equal(t, "gpt-4o", res.Usage.Model)
	assert.Equal(t, 12, res.Usage.TotalTokens)
}

func TestDecode_TerminalUsageOverridesNodeUsage(t *testing.T) {
	body := `data: {"event": "node_finished", "data": {"node_id": "n1", "execution_metadata": {"model_name": "gpt-4o", "usage": {"total_tokens": 12}}}}` + "\n" +
		`data: {"event": "message_end", "metadata": {"usage": {"total_tokens": 99}}}` + "\n"

	_, res, err := decodeWhole(t, body)
	require.NoError(t, err)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 99, res.Usage.TotalTokens)
	assert.Equal(t, "gpt-4o", res.Usage.Model, "model survives the terminal override")
}

func TestDecode_SentinelsAndBlankLines(t *testing.T) {
	body := "\n\ndata: ping\ndata: [DONE]\n" +
		`data: {"event": "message", "message_id": "m1", "answer": "ok"}` + "\n"

	h, _, err := decodeWhole(t, body)
	require.NoError(t, err)
	assert.Equal(t, []string{"delta:m1:ok"}, h.calls)
}

func TestDecode_CRLFTolerated(t *testing.T) {
	body := "data: {\"event\": \"message\", \"message_id\": \"m1\", \"answer\": \"ok\"}\r\n"

	h, _, err := decodeWhole(t, body)
	require.NoError(t, err)
	assert.Equal(t, []string{"delta:m1:ok"}, h.calls)
}

func TestDecode_ManySmallChunks(t *testing.T) {
	// Byte-at-a-time delivery, the worst chunking case.
	whole, _, err := decodeWhole(t, sampleStream)
	require.NoError(t, err)

	h := &recordingHandler{}
	dec := NewDecoder(h, nil)
	ctx := context.Background()
	for i := 0; i < len(sampleStream); i++ {
		dec.Feed(ctx, []byte{sampleStream[i]})
	}
	_, err = dec.Close()
	require.NoError(t, err)
	assert.Equal(t, whole.calls, h.calls)
}

func TestExtractUsage_PathPriority(t *testing.T) {
	// metadata.usage wins over data.outputs.usage when both are present
	raw := map[string]any{
		"metadata": map[string]any{
			"usage": map[string]any{"total_tokens": float64(1)},
		},
		"data": map[string]any{
			"outputs": map[string]any{
				"usage": map[string]any{"total_tokens": float64(2)},
			},
		},
	}
	u := extractUsage(raw)
	require.NotNil(t, u)
	assert.Equal(t, 1, u.TotalTokens)
}

func TestExtractUsage_NoMatch(t *testing.T) {
	assert.Nil(t, extractUsage(map[string]any{"data": map[string]any{}}))
}

func TestDecode_LargeFrameAcrossReads(t *testing.T) {
	// A frame bigger than the read buffer must still decode in one piece.
	big := strings.Repeat("x", 10000)
	body := fmt.Sprintf(`data: {"event": "message", "message_id": "m1", "answer": %q}`+"\n", big)

	h, _, err := decodeWhole(t, body)
	require.NoError(t, err)
	require.Len(t, h.calls, 1)
	assert.Equal(t, "delta:m1:"+big, h.calls[0])
}
