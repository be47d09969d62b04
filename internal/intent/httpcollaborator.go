package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPCollaborator is the concrete Collaborator backing production builds:
// a single OpenAI-compatible chat-completions call. It carries no
// tool-calling or streaming support on purpose — the Resolver's contract
// is one request, one parsed response (spec §4.7).
type HTTPCollaborator struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPCollaborator constructs a Collaborator against an
// OpenAI-compatible endpoint (covers hosted providers and local runtimes
// such as Ollama alike, the way the teacher's provider factory treated
// them as one interface).
func NewHTTPCollaborator(baseURL, apiKey, model string) *HTTPCollaborator {
	return &HTTPCollaborator{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

// systemPrompt publishes the closed IntentKind vocabulary and the JSON
// schema the collaborator's reply must match, and instructs it never to
// name a tool or argv — only the Command Builder may decide those.
func systemPrompt(vocabulary []Kind) string {
	return fmt.Sprintf(
		"You translate a user's request into exactly one JSON object of the "+
			"form {\"kind\":string,\"target\":string,\"params\":object,\"rationale\":string}. "+
			"kind must be one of: %v. Never include a tool name, binary, or argv in your "+
			"response; naming how the intent is carried out is not your decision to make.",
		vocabulary,
	)
}

// Resolve sends userText to the configured endpoint and returns the raw
// assistant message content, unparsed.
func (c *HTTPCollaborator) Resolve(ctx context.Context, userText string, vocabulary []Kind) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(vocabulary)},
			{Role: "user", Content: userText},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("collaborator request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("collaborator returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("collaborator returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
