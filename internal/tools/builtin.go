package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tobyms/foreman/internal/domain"
)

// RegisterBuiltins installs the standard tool set on the registry. The
// delegation tool is deliberately absent: it is intercepted by the engine and
// never dispatched through the registry.
func RegisterBuiltins(r *Registry, runner *RunnerClient, archive *ArchiveClient) {
	r.MustRegister(Definition{
		Name:        "clock.now",
		Description: "Returns the current server time.",
		Parameters:  map[string]interface{}{},
	}, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return domain.MustJSON(map[string]interface{}{
			"now":  time.Now().UTC().Format(time.RFC3339),
			"unix": time.Now().Unix(),
		}), nil
	})

	if runner != nil {
		r.MustRegister(Definition{
			Name:        "remote.exec",
			Description: "Executes a shell command on a named target host via the runner daemon. Returns exit status and captured output.",
			Parameters: map[string]interface{}{
				"target": map[string]interface{}{
					"type":        "string",
					"description": "Name of the target host",
				},
				"command": map[string]interface{}{
					"type":        "string",
					"description": "Shell command to execute",
				},
			},
		}, runner.Exec)
	}

	if archive != nil {
		r.MustRegister(Definition{
			Name:        "archive.ship",
			Description: "Ships conversational context to the external session archive. Best effort.",
			Parameters: map[string]interface{}{
				"session_id": map[string]interface{}{
					"type":        "string",
					"description": "Opaque session identifier",
				},
				"context": map[string]interface{}{
					"type":        "string",
					"description": "Context payload to archive",
				},
			},
		}, archive.Ship)

		r.MustRegister(Definition{
			Name:        "archive.fetch",
			Description: "Fetches previously archived conversational context by session id.",
			Parameters: map[string]interface{}{
				"session_id": map[string]interface{}{
					"type":        "string",
					"description": "Opaque session identifier",
				},
			},
		}, archive.Fetch)
	}
}
