package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	deliverySubID  string
	deliveryEvent  string
	deliveryStatus string
	deliveryLimit  int
)

type deliveryView struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscription_id"`
	TenantID       string `json:"tenant_id"`
	Event          string `json:"event"`
	Attempt        int    `json:"attempt"`
	Status         string `json:"status"`
	ResponseStatus int    `json:"response_status,omitempty"`
	Error          string `json:"error,omitempty"`
	NextAttemptAt  string `json:"next_attempt_at,omitempty"`
	DeliveredAt    string `json:"delivered_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect delivery outcomes",
	Long:  `Query the delivery log. Deliveries are asynchronous; this is where you confirm what actually happened.`,
}

var listDeliveriesCmd = &cobra.Command{
	Use:   "list",
	Short: "List deliveries for the current tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if deliverySubID != "" {
			q.Set("subscription_id", deliverySubID)
		}
		if deliveryEvent != "" {
			q.Set("event", deliveryEvent)
		}
		if deliveryStatus != "" {
			q.Set("status", deliveryStatus)
		}
		if deliveryLimit > 0 {
			q.Set("limit", strconv.Itoa(deliveryLimit))
		}
		path := "/v1/deliveries"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		resp, err := makeRequest(http.MethodGet, path, nil, "")
		if err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}
		var out struct {
			Deliveries []deliveryView `json:"deliveries"`
		}
		if err := readResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printJSON(out)
			return nil
		}
		if len(out.Deliveries) == 0 {
			fmt.Println("No deliveries found")
			return nil
		}
		for _, d := range out.Deliveries {
			line := fmt.Sprintf("%s  %-10s attempt=%d  %s", d.ID, d.Status, d.Attempt, d.Event)
			if d.ResponseStatus != 0 {
				line += fmt.Sprintf("  http=%d", d.ResponseStatus)
			}
			if d.Error != "" {
				line += fmt.Sprintf("  error=%q", d.Error)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var getDeliveryCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show one delivery record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(http.MethodGet, "/v1/deliveries/"+args[0], nil, "")
		if err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}
		var d deliveryView
		if err := readResponse(resp, &d); err != nil {
			return err
		}

		if outputJSON {
			printJSON(d)
			return nil
		}
		fmt.Printf("Delivery: %s\n", d.ID)
		fmt.Printf("  Subscription: %s\n", d.SubscriptionID)
		fmt.Printf("  Event: %s\n", d.Event)
		fmt.Printf("  Status: %s (attempt %d)\n", d.Status, d.Attempt)
		if d.ResponseStatus != 0 {
			fmt.Printf("  HTTP status: %d\n", d.ResponseStatus)
		}
		if d.Error != "" {
			fmt.Printf("  Last error: %s\n", d.Error)
		}
		if d.NextAttemptAt != "" {
			fmt.Printf("  Next attempt: %s\n", d.NextAttemptAt)
		}
		if d.DeliveredAt != "" {
			fmt.Printf("  Delivered: %s\n", d.DeliveredAt)
		}
		return nil
	},
}

func init() {
	listDeliveriesCmd.Flags().StringVar(&deliverySubID, "subscription", "", "filter by subscription ID")
	listDeliveriesCmd.Flags().StringVar(&deliveryEvent, "event", "", "filter by event type")
	listDeliveriesCmd.Flags().StringVar(&deliveryStatus, "status", "", "filter by status (pending|retrying|delivered|failed)")
	listDeliveriesCmd.Flags().IntVar(&deliveryLimit, "limit", 10, "maximum records to return")

	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(listDeliveriesCmd)
	deliveryCmd.AddCommand(getDeliveryCmd)
}
