package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tobyms/foreman/internal/domain"
	"github.com/tobyms/foreman/internal/tracequery"
)

var traceServerURL string

var traceCmd = &cobra.Command{
	Use:   "trace <trace_id>",
	Short: "Print the timeline for a trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTrace(args[0])
	},
}

func init() {
	traceCmd.Flags().StringVar(&traceServerURL, "server", "http://localhost:8080", "foreman server URL")
}

// runTrace fetches the timeline over the API rather than the database: model
// call entries live only in the server process.
func runTrace(traceID string) error {
	resp, err := http.Get(traceServerURL + "/v1/traces/" + traceID)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("trace %s not found", traceID)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	var tl tracequery.Timeline
	if err := json.Unmarshal(body, &tl); err != nil {
		return fmt.Errorf("failed to decode timeline: %w", err)
	}

	bold := color.New(color.Bold)
	bold.Printf("Trace %s\n", tl.TraceID)
	fmt.Printf("%d items, tokens in/out: %d/%d\n\n", len(tl.Items), tl.TotalTokensIn, tl.TotalTokensOut)

	for _, item := range tl.Items {
		ts := time.UnixMilli(item.Ts).Format("15:04:05.000")
		switch item.Kind {
		case tracequery.KindLLMCall:
			color.Cyan("%s  llm-call    %s state=%s tokens=%d/%d",
				ts, item.Call.Model, item.Call.State, item.Call.TokensIn, item.Call.TokensOut)
		case tracequery.KindEvent:
			printEvent(ts, item.Event)
		}
	}
	return nil
}

func printEvent(ts string, event *domain.Event) {
	line := fmt.Sprintf("%s  %-11s run=%s", ts, event.Type, event.RunID)
	if event.JobID != "" {
		line += " job=" + event.JobID
	}
	switch event.Type {
	case domain.EventTypeRunComplete, domain.EventTypeJobComplete:
		color.Green(line)
	case domain.EventTypeJobSpawned, domain.EventTypeRunResumed:
		color.Yellow(line)
	default:
		fmt.Println(line)
	}
}
