package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mailcast/internal/app"
	"mailcast/internal/models"
)

const timeLayout = time.RFC3339

func campaignCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Manage campaigns",
	}

	var (
		name, fireAt, recurrence, status string
		messageID                        int64
		recipients                       []int64
	)
	addFields := func(c *cobra.Command) {
		c.Flags().StringVar(&name, "name", "", "campaign name")
		c.Flags().StringVar(&fireAt, "fire-at", "", "fire time, RFC 3339 (e.g. 2026-11-01T09:00:00Z)")
		c.Flags().StringVar(&recurrence, "recurrence", "", "none|daily|weekly|monthly (stored only)")
		c.Flags().Int64Var(&messageID, "message", 0, "message id")
		c.Flags().Int64SliceVar(&recipients, "recipient", nil, "recipient id (repeatable)")
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a campaign and register its trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := time.Parse(timeLayout, fireAt)
			if err != nil {
				return fmt.Errorf("--fire-at: %w", err)
			}
			return withApp(*configPath, func(a *app.App) error {
				warnIfOffline(a)
				c, err := a.Campaigns().Create(cmd.Context(), models.Campaign{
					Name:         name,
					FireAt:       at,
					Recurrence:   models.Recurrence(recurrence),
					Status:       models.CampaignStatus(status),
					MessageID:    messageID,
					RecipientIDs: recipients,
				})
				if err != nil {
					if c.ID != 0 {
						_ = printJSON(c)
					}
					return err
				}
				return printJSON(c)
			})
		},
	}
	addFields(createCmd)
	createCmd.Flags().StringVar(&status, "status", "", "initial status (default pending)")

	var id int64
	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a campaign; a pending one gets its trigger re-registered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if id, err = parseID(args[0]); err != nil {
				return err
			}
			return withApp(*configPath, func(a *app.App) error {
				warnIfOffline(a)
				c, err := a.Campaigns().Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				f := cmd.Flags()
				if f.Changed("name") {
					c.Name = name
				}
				if f.Changed("fire-at") {
					at, err := time.Parse(timeLayout, fireAt)
					if err != nil {
						return fmt.Errorf("--fire-at: %w", err)
					}
					c.FireAt = at
				}
				if f.Changed("recurrence") {
					c.Recurrence = models.Recurrence(recurrence)
				}
				if f.Changed("message") {
					c.MessageID = messageID
				}
				if f.Changed("recipient") {
					c.RecipientIDs = recipients
				}
				if f.Changed("status") {
					c.Status = models.CampaignStatus(status)
				}
				c, err = a.Campaigns().Update(cmd.Context(), c)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	addFields(updateCmd)
	updateCmd.Flags().StringVar(&status, "status", "", "new status")

	finishCmd := &cobra.Command{
		Use:   "finish <id>",
		Short: "Force-finish a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(*configPath, func(a *app.App) error {
				cancelled, err := a.Campaigns().Finish(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Printf("campaign %d finished (trigger cancelled: %v)\n", id, cancelled)
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(a *app.App) error {
				list, err := a.Campaigns().List(cmd.Context())
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Println("no campaigns")
					return nil
				}
				for _, c := range list {
					fmt.Printf("%-6d %-9s %s  %s\n", c.ID, c.Status, c.FireAt.Format(timeLayout), c.Name)
				}
				return nil
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(*configPath, func(a *app.App) error {
				c, err := a.Campaigns().Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}

	attemptsCmd := &cobra.Command{
		Use:   "attempts <id>",
		Short: "Show the attempt ledger of a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(*configPath, func(a *app.App) error {
				list, err := a.Ledger().ListByCampaign(cmd.Context(), id)
				if err != nil {
					return err
				}
				for _, at := range list {
					line := fmt.Sprintf("%s  %-9s %3d  %s", at.At.Format(timeLayout), at.Outcome, at.StatusCode, at.Address)
					if at.Error != "" {
						line += "  " + at.Error
					}
					fmt.Println(line)
				}
				sum, err := a.Ledger().Summary(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Printf("total %d, succeeded %d, failed %d, passes %d\n", sum.Total, sum.Succeeded, sum.Failed, sum.Passes)
				return nil
			})
		},
	}

	cmd.AddCommand(createCmd, updateCmd, finishCmd, listCmd, showCmd, attemptsCmd)
	return cmd
}

func messageCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "message", Short: "Manage messages"}
	var subject, body, bodyFile string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Store a message",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bodyFile != "" {
				b, err := os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
				body = string(b)
			}
			if subject == "" && body == "" {
				return fmt.Errorf("--subject or --body: %w", errMissingFlag)
			}
			return withApp(*configPath, func(a *app.App) error {
				m, err := a.Store().CreateMessage(cmd.Context(), models.Message{Subject: subject, Body: body})
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	addCmd.Flags().StringVar(&subject, "subject", "", "subject line")
	addCmd.Flags().StringVar(&body, "body", "", "message body")
	addCmd.Flags().StringVar(&bodyFile, "body-file", "", "read the body from a file")
	cmd.AddCommand(addCmd)
	return cmd
}

func recipientCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "recipient", Short: "Manage recipients"}
	var address, name, note string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Store a recipient (email address or tg:<chat id>)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				return fmt.Errorf("--address: %w", errMissingFlag)
			}
			return withApp(*configPath, func(a *app.App) error {
				r, err := a.Store().CreateRecipient(cmd.Context(), models.Recipient{Address: address, Name: name, Note: note})
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	}
	addCmd.Flags().StringVar(&address, "address", "", "delivery address")
	addCmd.Flags().StringVar(&name, "name", "", "display name")
	addCmd.Flags().StringVar(&note, "note", "", "free-form note")
	cmd.AddCommand(addCmd)
	return cmd
}

func triggerCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "trigger", Short: "Inspect and cancel pending triggers"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(a *app.App) error {
				list, err := a.Triggers().ListTriggers(cmd.Context())
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Println("no pending triggers")
					return nil
				}
				now := time.Now()
				for _, t := range list {
					mark := ""
					if !t.FireAt.After(now) {
						mark = "  (overdue)"
					}
					fmt.Printf("%-6d %s%s\n", t.CampaignID, t.FireAt.Format(timeLayout), mark)
				}
				return nil
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <campaign-id>",
		Short: "Cancel a campaign's pending trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(*configPath, func(a *app.App) error {
				warnIfOffline(a)
				ok, err := a.Scheduler().Cancel(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Printf("campaign %d had no pending trigger\n", id)
					return nil
				}
				fmt.Printf("trigger for campaign %d cancelled\n", id)
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, cancelCmd)
	return cmd
}

// warnIfOffline flags edits a running server will not see until restart.
func warnIfOffline(a *app.App) {
	if a.UsesTriggerJournal() {
		fmt.Fprintln(os.Stderr, "warning: triggers live in a journal file; a running server picks up this change only after restart")
	}
}
