package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var (
	eventData      string
	idempotencyKey string
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish events",
}

var publishEventCmd = &cobra.Command{
	Use:   "publish [event-type]",
	Short: "Publish an event to all subscribed endpoints",
	Long: `Publish an event for the current tenant. Delivery is asynchronous;
use 'hookctl delivery list' to check outcomes.

Example:
  hookctl --tenant tn_123 event publish workorder.created --data '{"id":42}' --idempotency-key wo-42-created`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data json.RawMessage
		if err := json.Unmarshal([]byte(eventData), &data); err != nil {
			return fmt.Errorf("--data must be valid JSON: %w", err)
		}

		body := map[string]any{
			"event": args[0],
			"data":  data,
		}
		resp, err := makeRequest(http.MethodPost, "/v1/events", body, idempotencyKey)
		if err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}

		replayed := resp.Header.Get("X-Idempotent-Replay") == "true"
		var out struct {
			Event  string `json:"event"`
			Fanout int    `json:"fanout_count"`
		}
		if err := readResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printJSON(out)
			return nil
		}
		if replayed {
			fmt.Printf("Event %s already published with this idempotency key (fanout %d)\n", out.Event, out.Fanout)
			return nil
		}
		fmt.Printf("Published %s to %d subscriber(s)\n", out.Event, out.Fanout)
		return nil
	},
}

func init() {
	publishEventCmd.Flags().StringVar(&eventData, "data", "{}", "event payload as JSON")
	publishEventCmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "dedupe key; republishing with the same key is safe")

	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishEventCmd)
}
