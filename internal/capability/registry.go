package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"vigil/internal/logging"
	"vigil/internal/types"
)

// UnknownKindError is returned when an action names a kind no endpoint is
// registered for. It is a configuration gap, not a transient failure, so it
// gets its own type.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("no endpoint registered for kind %q", e.Kind)
}

// Result is the outcome of one webhook invocation.
type Result struct {
	Kind       string        `json:"kind"`
	StatusCode int           `json:"status_code"`
	Body       string        `json:"body,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Registry maps action kinds (speech, music, blog) to webhook URLs and
// performs the HTTP delivery.
type Registry struct {
	endpoints  map[string]string
	httpClient *http.Client
}

// NewRegistry builds a registry from a kind -> URL map. The map is copied.
func NewRegistry(endpoints map[string]string, timeout time.Duration) *Registry {
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = v
	}
	return &Registry{
		endpoints:  eps,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Register adds or replaces an endpoint.
func (r *Registry) Register(kind, url string) {
	r.endpoints[kind] = url
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.endpoints))
	for k := range r.endpoints {
		out = append(out, k)
	}
	return out
}

// Invoke POSTs payload as JSON to the endpoint registered for kind. An
// unregistered kind returns UnknownKindError; delivery failures and non-2xx
// responses return TransientProviderError.
func (r *Registry) Invoke(ctx context.Context, kind string, payload map[string]interface{}) (Result, error) {
	url, ok := r.endpoints[kind]
	if !ok {
		return Result{Kind: kind}, &UnknownKindError{Kind: kind}
	}

	start := time.Now()
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Kind: kind}, &types.TransientProviderError{Kind: kind, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Kind: kind}, &types.TransientProviderError{Kind: kind, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Result{Kind: kind}, &types.TransientProviderError{Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	res := Result{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Body:       string(snippet),
		Elapsed:    time.Since(start),
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, &types.TransientProviderError{
			Kind: kind,
			Err:  fmt.Errorf("status %d: %s", resp.StatusCode, res.Body),
		}
	}

	logging.Capability("delivered %s action in %v", kind, res.Elapsed.Round(time.Millisecond))
	return res, nil
}
