// ABOUTME: HTTP client for the remote conversation history store.
// ABOUTME: Implements the API interface over the service's JSON endpoints.

package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/2389/flowchat/internal/session"
)

// Client is the HTTP implementation of API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a history store client. A nil httpClient uses a client
// with a 30s timeout.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

// wireItem is the list/detail JSON shape.
type wireItem struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Preview       string            `json:"preview,omitempty"`
	MessageCount  int               `json:"message_count"`
	Messages      []session.Message `json:"messages,omitempty"`
	WorkflowState string            `json:"workflow_state,omitempty"`
	ExternalID    string            `json:"external_id,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ListConversations fetches the history list.
func (c *Client) ListConversations(ctx context.Context) ([]Item, error) {
	var payload struct {
		Items []wireItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &payload); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(payload.Items))
	for _, w := range payload.Items {
		items = append(items, Item{
			ID:           w.ID,
			Title:        w.Title,
			Preview:      w.Preview,
			MessageCount: w.MessageCount,
			ExternalID:   w.ExternalID,
			UpdatedAt:    w.UpdatedAt,
		})
	}
	return items, nil
}

// SaveConversation persists a snapshot and returns its remote id.
func (c *Client) SaveConversation(ctx context.Context, item *Item) (string, error) {
	wfJSON, err := json.Marshal(item.Workflow)
	if err != nil {
		return "", fmt.Errorf("serializing workflow state: %w", err)
	}
	body := wireItem{
		ID:            item.ID,
		Title:         item.Title,
		Preview:       item.Preview,
		MessageCount:  item.MessageCount,
		Messages:      item.Messages,
		WorkflowState: string(wfJSON),
		ExternalID:    item.ExternalID,
		UpdatedAt:     item.UpdatedAt,
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/conversations", body, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// LoadConversationDetail fetches the full payload for one conversation.
func (c *Client) LoadConversationDetail(ctx context.Context, id string) (*Detail, error) {
	var w wireItem
	if err := c.do(ctx, http.MethodGet, "/conversations/"+id, nil, &w); err != nil {
		return nil, err
	}
	return &Detail{
		ID:                w.ID,
		Title:             w.Title,
		Messages:          w.Messages,
		WorkflowStateJSON: w.WorkflowState,
		ExternalID:        w.ExternalID,
	}, nil
}

// DeleteConversation removes a conversation from the remote store.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+id, nil, nil)
}

// do issues one JSON request and decodes the response into out, if non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling history store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("history store returned status %d", resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
