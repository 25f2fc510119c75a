package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/tobyms/foreman/internal/domain"
)

// ArchiveClient ships and fetches externally stored conversational context.
// Archive failures degrade to "continue as new session" rather than aborting
// the enclosing run.
type ArchiveClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewArchiveClient creates an archive client. An empty baseURL disables the tools.
func NewArchiveClient(baseURL string, timeout time.Duration) *ArchiveClient {
	if strings.TrimSpace(baseURL) == "" {
		return nil
	}
	return &ArchiveClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type archiveRequest struct {
	SessionID string `json:"session_id"`
	Context   string `json:"context,omitempty"`
}

// Ship persists context under a session id, fire-and-forget.
func (c *ArchiveClient) Ship(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req archiveRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("invalid archive.ship arguments: %w", err)
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("archive.ship requires session_id")
	}

	if err := c.post(ctx, "/v1/sessions/"+req.SessionID, args); err != nil {
		log.Printf("WARN: archive ship failed for session %s: %v", req.SessionID, err)
		return domain.MustJSON(map[string]interface{}{
			"shipped": false,
			"note":    "archive unavailable, continuing as new session",
		}), nil
	}
	return domain.MustJSON(map[string]interface{}{"shipped": true}), nil
}

// Fetch retrieves archived context for a session id.
func (c *ArchiveClient) Fetch(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req archiveRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("invalid archive.fetch arguments: %w", err)
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("archive.fetch requires session_id")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/sessions/"+req.SessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("WARN: archive fetch failed for session %s: %v", req.SessionID, err)
		return domain.MustJSON(map[string]interface{}{
			"found": false,
			"note":  "archive unavailable, continuing as new session",
		}), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.MustJSON(map[string]interface{}{"found": false}), nil
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Printf("WARN: archive fetch for session %s returned %d", req.SessionID, resp.StatusCode)
		return domain.MustJSON(map[string]interface{}{
			"found": false,
			"note":  "archive unavailable, continuing as new session",
		}), nil
	}
	return domain.MustJSON(map[string]interface{}{
		"found":   true,
		"context": string(respBody),
	}), nil
}

func (c *ArchiveClient) post(ctx context.Context, path string, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("archive returned %d", resp.StatusCode)
	}
	return nil
}
