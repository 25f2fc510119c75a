package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tobyms/foreman/internal/domain"
)

// RunnerClient calls the remote execution daemon. The orchestrator treats it
// as an opaque tool: either an exit status with captured output comes back,
// or an explicit "target unreachable" error payload.
type RunnerClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRunnerClient creates a runner client. An empty baseURL disables the tool.
func NewRunnerClient(baseURL string, timeout time.Duration) *RunnerClient {
	if strings.TrimSpace(baseURL) == "" {
		return nil
	}
	return &RunnerClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type execRequest struct {
	Target  string `json:"target"`
	Command string `json:"command"`
}

type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// Exec runs a command on a remote target.
func (c *RunnerClient) Exec(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req execRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("invalid remote.exec arguments: %w", err)
	}
	if req.Target == "" || req.Command == "" {
		return nil, fmt.Errorf("remote.exec requires target and command")
	}

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/exec", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("target %s unreachable: %w", req.Target, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read runner response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runner error (%d): %s", resp.StatusCode, string(respBody))
	}

	var out execResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal runner response: %w", err)
	}
	return domain.MustJSON(out), nil
}
