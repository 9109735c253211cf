package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vigil/internal/logging"
	"vigil/internal/types"
)

// AgentClient talks to an OpenAI-compatible chat completions endpoint. This
// is the expensive path: the gate only reaches it after every cheaper tier
// has voted escalate.
type AgentClient struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

// NewAgentClient creates a client for baseURL (e.g.
// "http://localhost:8080/v1"). apiKey may be empty for local servers.
func NewAgentClient(baseURL, model, apiKey string, timeout time.Duration) *AgentClient {
	return &AgentClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
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
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Invoke sends the system and user prompts and returns the agent's reply,
// normally a block of interpreter directives. Failures come back as
// TransientProviderError; the caller logs and moves on.
func (c *AgentClient) Invoke(ctx context.Context, system, user string) (string, error) {
	start := time.Now()

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", &types.TransientProviderError{Kind: "agent", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &types.TransientProviderError{Kind: "agent", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &types.TransientProviderError{Kind: "agent", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &types.TransientProviderError{
			Kind: "agent",
			Err:  fmt.Errorf("status %d: %s", resp.StatusCode, string(snippet)),
		}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &types.TransientProviderError{Kind: "agent", Err: err}
	}
	if out.Error != nil {
		return "", &types.TransientProviderError{Kind: "agent", Err: fmt.Errorf("%s", out.Error.Message)}
	}
	if len(out.Choices) == 0 {
		return "", &types.TransientProviderError{Kind: "agent", Err: fmt.Errorf("empty choices")}
	}

	logging.Capability("agent run completed in %v", time.Since(start).Round(time.Millisecond))
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
