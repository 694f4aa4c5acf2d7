package cmd

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var (
	subURL         string
	subName        string
	subEvents      []string
	subSecret      string
	subMaxAttempts int
)

type subscriptionView struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenant_id"`
	Name        string   `json:"name,omitempty"`
	URL         string   `json:"url"`
	Secret      string   `json:"secret,omitempty"`
	Events      []string `json:"events"`
	Active      bool     `json:"active"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

var subscriptionCmd = &cobra.Command{
	Use:   "subscription",
	Short: "Manage webhook subscriptions",
	Long:  `Create, inspect, revoke, and delete webhook subscriptions.`,
}

var createSubscriptionCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new webhook subscription",
	Long: `Create a new webhook subscription for the current tenant.

Example:
  hookctl --tenant tn_123 subscription create --url https://example.com/hook --events workorder.created,workorder.closed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if subURL == "" || len(subEvents) == 0 {
			return fmt.Errorf("--url and --events are required")
		}

		body := map[string]any{
			"name":   subName,
			"url":    subURL,
			"events": subEvents,
		}
		if subSecret != "" {
			body["secret"] = subSecret
		}
		if subMaxAttempts > 0 {
			body["max_attempts"] = subMaxAttempts
		}

		resp, err := makeRequest(http.MethodPost, "/v1/subscriptions", body, "")
		if err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		var sub subscriptionView
		if err := readResponse(resp, &sub); err != nil {
			return err
		}

		if outputJSON {
			printJSON(sub)
			return nil
		}
		fmt.Printf("Created subscription: %s\n", sub.ID)
		fmt.Printf("  URL: %s\n", sub.URL)
		fmt.Printf("  Events: %s\n", strings.Join(sub.Events, ", "))
		fmt.Printf("  Secret: %s (save it, it will not be shown again)\n", sub.Secret)
		return nil
	},
}

var listSubscriptionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions for the current tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(http.MethodGet, "/v1/subscriptions", nil, "")
		if err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}
		var out struct {
			Subscriptions []subscriptionView `json:"subscriptions"`
		}
		if err := readResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printJSON(out)
			return nil
		}
		if len(out.Subscriptions) == 0 {
			fmt.Println("No subscriptions found")
			return nil
		}
		for _, sub := range out.Subscriptions {
			state := "active"
			if !sub.Active {
				state = "revoked"
			}
			fmt.Printf("%s  %-8s %s  [%s]\n", sub.ID, state, sub.URL, strings.Join(sub.Events, ", "))
		}
		return nil
	},
}

var getSubscriptionCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show one subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(http.MethodGet, "/v1/subscriptions/"+args[0], nil, "")
		if err != nil {
			return fmt.Errorf("failed to get subscription: %w", err)
		}
		var sub subscriptionView
		if err := readResponse(resp, &sub); err != nil {
			return err
		}

		if outputJSON {
			printJSON(sub)
			return nil
		}
		fmt.Printf("Subscription: %s\n", sub.ID)
		fmt.Printf("  URL: %s\n", sub.URL)
		fmt.Printf("  Events: %s\n", strings.Join(sub.Events, ", "))
		fmt.Printf("  Active: %v\n", sub.Active)
		if sub.MaxAttempts > 0 {
			fmt.Printf("  Max attempts: %d\n", sub.MaxAttempts)
		}
		fmt.Printf("  Created: %s\n", sub.CreatedAt)
		return nil
	},
}

var revokeSubscriptionCmd = &cobra.Command{
	Use:   "revoke [id]",
	Short: "Deactivate a subscription without deleting its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(http.MethodPost, "/v1/subscriptions/"+args[0]+"/revoke", nil, "")
		if err != nil {
			return fmt.Errorf("failed to revoke subscription: %w", err)
		}
		if err := readResponse(resp, nil); err != nil {
			return err
		}
		fmt.Printf("Revoked subscription: %s\n", args[0])
		return nil
	},
}

var deleteSubscriptionCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(http.MethodDelete, "/v1/subscriptions/"+args[0], nil, "")
		if err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		if err := readResponse(resp, nil); err != nil {
			return err
		}
		fmt.Printf("Deleted subscription: %s\n", args[0])
		return nil
	},
}

func init() {
	createSubscriptionCmd.Flags().StringVar(&subURL, "url", "", "endpoint URL to deliver webhooks to")
	createSubscriptionCmd.Flags().StringVar(&subName, "name", "", "human-readable name")
	createSubscriptionCmd.Flags().StringSliceVar(&subEvents, "events", nil, "event types to subscribe to")
	createSubscriptionCmd.Flags().StringVar(&subSecret, "secret", "", "signing secret (generated when omitted)")
	createSubscriptionCmd.Flags().IntVar(&subMaxAttempts, "max-attempts", 0, "per-subscription retry budget (0 uses the service default)")

	rootCmd.AddCommand(subscriptionCmd)
	subscriptionCmd.AddCommand(createSubscriptionCmd)
	subscriptionCmd.AddCommand(listSubscriptionsCmd)
	subscriptionCmd.AddCommand(getSubscriptionCmd)
	subscriptionCmd.AddCommand(revokeSubscriptionCmd)
	subscriptionCmd.AddCommand(deleteSubscriptionCmd)
}
