package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mailcast/internal/app"
)

var version = "dev"

func main() {
	// A missing .env is normal; real deployments set MAILCAST_* directly.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mailcast",
		Short:         "mailcast - scheduled campaign delivery over SMTP and Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (json or yaml)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(dispatchCmd(&configPath))
	rootCmd.AddCommand(campaignCmd(&configPath))
	rootCmd.AddCommand(messageCmd(&configPath))
	rootCmd.AddCommand(recipientCmd(&configPath))
	rootCmd.AddCommand(triggerCmd(&configPath))
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, task engine and admin server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(*configPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				a.Close()
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSIGTERM
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			fatal := a.Err()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError && fatal != nil {
				return fatal
			}
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			applied, err := app.Migrate(cmd.Context(), *configPath)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if len(applied) == 0 {
				fmt.Println("schema up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Println("applied", name)
			}
			return nil
		},
	}
}

func dispatchCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <campaign-id>",
		Short: "Run one dispatch pass for a campaign now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(*configPath, func(a *app.App) error {
				res, err := a.Dispatcher().Dispatch(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("mailcast", version)
		},
	}
}

// withApp builds the app without starting its loops and closes it after fn.
func withApp(configPath string, fn func(a *app.App) error) error {
	a, err := app.NewApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscan(s, &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var errMissingFlag = errors.New("missing required flag")
