// Package capability reaches the external surfaces the daemon can act
// through: the cheap local model used by the dispatch gate, the expensive
// agent, and the webhook endpoints behind interpreter actions (speech,
// music, blog). Every call takes a context deadline and returns a
// TransientProviderError on network or provider failure so callers can apply
// their own skip/escalate policy.
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

// CheapClient talks to an Ollama-style /api/generate endpoint. It exists for
// one purpose: cheap yes/no attention decisions inside the gate.
type CheapClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewCheapClient creates a client for the given base URL (e.g.
// "http://localhost:11434") and model name.
func NewCheapClient(baseURL, model string, timeout time.Duration) *CheapClient {
	return &CheapClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Complete sends prompt and returns the model's text. The deadline comes
// from ctx; failures of any kind come back as TransientProviderError.
func (c *CheapClient) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": 0.1,
			"num_predict": 64,
		},
	})
	if err != nil {
		return "", &types.TransientProviderError{Kind: "cheap-model", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", &types.TransientProviderError{Kind: "cheap-model", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &types.TransientProviderError{Kind: "cheap-model", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &types.TransientProviderError{
			Kind: "cheap-model",
			Err:  fmt.Errorf("status %d: %s", resp.StatusCode, string(snippet)),
		}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &types.TransientProviderError{Kind: "cheap-model", Err: err}
	}

	logging.GateDebug("cheap model replied %d byte(s)", len(out.Response))
	return strings.TrimSpace(out.Response), nil
}
