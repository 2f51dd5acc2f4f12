// ABOUTME: Typed event frames for the workflow service streaming protocol.
// ABOUTME: Includes prioritized field-path extraction for model/usage metadata.

package stream

import "encoding/json"

// Event discriminators carried in the "event" field of each frame.
const (
	EventMessage          = "message"
	EventAgentMessage     = "agent_message"
	EventNodeStarted      = "node_started"
	EventNodeFinished     = "node_finished"
	EventError            = "error"
	EventMessageEnd       = "message_end"
	EventWorkflowFinished = "workflow_finished"
)

// frame is the wire shape of one decoded stream event.
type frame struct {
	Event          string          `json:"event"`
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	ID             string          `json:"id"`
	Answer         string          `json:"answer"`
	Code           string          `json:"code"`
	Message        string          `json:"message"`
	Data           json.RawMessage `json:"data"`
	Metadata       json.RawMessage `json:"metadata"`
}

// nodeData is the payload of node_started / node_finished events.
type nodeData struct {
	NodeID   string `json:"node_id"`
	Title    string `json:"title"`
	NodeType string `json:"node_type"`
	Status   string `json:"status"`
	Error    string `json:"error"`
}

// Usage is the billing metadata collected from a stream or blocking response.
type Usage struct {
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	TotalPrice       string `json:"total_price,omitempty"`
	Currency         string `json:"currency,omitempty"`
}

// The upstream payload shape for usage and model metadata is undocumented and
// has moved between releases. Extraction walks these paths in order and the
// first non-empty hit wins, instead of inline branching per shape.
var (
	usageFieldPaths = [][]string{
		{"metadata", "usage"},
		{"data", "outputs", "usage"},
		{"data", "execution_metadata", "usage"},
	}
	modelFieldPaths = [][]string{
		{"data", "execution_metadata", "model_name"},
		{"data", "process_data", "model_name"},
		{"metadata", "usage", "model"},
	}
)

// extractUsage pulls usage metadata out of a raw frame using the prioritized
// field paths. Returns nil when no path matches.
func extractUsage(raw map[string]any) *Usage {
	var u *Usage
	if obj, ok := lookupPath(raw, usageFieldPaths); ok {
		if m, ok := obj.(map[string]any); ok {
			u = &Usage{
				PromptTokens:     intField(m, "prompt_tokens"),
				CompletionTokens: intField(m, "completion_tokens"),
				TotalTokens:      intField(m, "total_tokens"),
				TotalPrice:       stringField(m, "total_price"),
				Currency:         stringField(m, "currency"),
			}
		}
	}
	if model, ok := lookupPath(raw, modelFieldPaths); ok {
		if s, ok := model.(string); ok && s != "" {
			if u == nil {
				u = &Usage{}
			}
			u.Model = s
		}
	}
	return u
}

// lookupPath walks each path through nested maps; the first non-nil leaf wins.
func lookupPath(raw map[string]any, paths [][]string) (any, bool) {
	for _, path := range paths {
		var cur any = raw
		ok := true
		for _, key := range path {
			m, isMap := cur.(map[string]any)
			if !isMap {
				ok = false
				break
			}
			cur, ok = m[key]
			if !ok {
				break
			}
		}
		if ok && cur != nil {
			return cur, true
		}
	}
	return nil, false
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
