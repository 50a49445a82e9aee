package allocator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WakeRequest is the body sent to a worker's wake endpoint.
type WakeRequest struct {
	ProjectID string `json:"project_id"`
	BuildID   string `json:"build_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
}

// Waker activates a claimed worker for a project.
type Waker interface {
	Wake(ctx context.Context, baseURL string, req *WakeRequest) error
}

// HTTPWaker wakes workers over their registered base URL.
type HTTPWaker struct {
	client *http.Client
}

// NewHTTPWaker creates a waker with the given per-call timeout.
func NewHTTPWaker(timeout time.Duration) *HTTPWaker {
	return &HTTPWaker{client: &http.Client{Timeout: timeout}}
}

// Wake posts the wake request to {base_url}/wake. Any 2xx response means the
// worker accepted the assignment.
func (w *HTTPWaker) Wake(ctx context.Context, baseURL string, wakeReq *WakeRequest) error {
	body, err := json.Marshal(wakeReq)
	if err != nil {
		return fmt.Errorf("marshaling wake request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/wake", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building wake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling wake endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("wake endpoint returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
