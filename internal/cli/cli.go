// Package cli implements the taskpilotctl commands.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"taskpilot/internal/core"
	"taskpilot/internal/nlparse"
	"taskpilot/internal/secret"
	"taskpilot/internal/store/postgres"
)

// NewRootCmd builds the taskpilotctl command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "taskpilotctl",
		Short:         "Inspect schedules and manage taskpilot storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			_ = godotenv.Load() // optional .env
		},
	}
	rootCmd.PersistentFlags().String("timezone", "", "IANA timezone (default: TASKPILOT_TIMEZONE or local)")

	rootCmd.AddCommand(newParseCmd(), newExamplesCmd(), newNextCmd(), newMigrateCmd(), newEncryptKeyCmd())
	return rootCmd
}

func location(cmd *cobra.Command) (*time.Location, error) {
	name, _ := cmd.Flags().GetString("timezone")
	if name == "" {
		name = os.Getenv("TASKPILOT_TIMEZONE")
	}
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

func newParseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse [text]",
		Short: "Show how a scheduling request is understood",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := location(cmd)
			if err != nil {
				return err
			}
			userID, _ := cmd.Flags().GetString("user")
			asJSON, _ := cmd.Flags().GetBool("json")

			res := nlparse.New(nlparse.WithLocation(loc)).Parse(strings.Join(args, " "), userID)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			if !res.Success {
				return errors.New(res.Error)
			}
			t := res.Task
			fmt.Fprintf(out, "Rule:       %s\n", res.Rule)
			fmt.Fprintf(out, "Confidence: %.1f\n", res.Confidence)
			fmt.Fprintf(out, "Trigger:    %s\n", formatTrigger(t.Trigger))
			fmt.Fprintf(out, "Action:     %s\n", t.Action.Type)
			switch t.Action.Type {
			case core.ActionSendMessage:
				fmt.Fprintf(out, "Message:    %s\n", t.Action.Message)
			case core.ActionAIRequest:
				fmt.Fprintf(out, "Prompt:     %s\n", t.Action.Prompt)
			case core.ActionWebhook:
				fmt.Fprintf(out, "URL:        %s\n", t.Action.URL)
			}
			fmt.Fprintf(out, "Next run:   %s\n", t.NextRunAt.In(loc).Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().String("user", "cli", "User id of the parsed task")
	cmd.Flags().Bool("json", false, "Print the raw parse result")
	return cmd
}

func newExamplesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "examples",
		Short: "List supported phrasings",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, ex := range nlparse.Examples() {
				fmt.Fprintln(cmd.OutOrStdout(), ex)
			}
		},
	}
}

func newNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next [cron expression]",
		Short: "Preview upcoming fire times of a 5-field cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := location(cmd)
			if err != nil {
				return err
			}
			count, _ := cmd.Flags().GetInt("count")
			if count <= 0 {
				count = 5
			}
			times, err := core.Upcoming(core.Recurring(args[0]), time.Now(), loc, count)
			if err != nil {
				return err
			}
			for _, t := range times {
				fmt.Fprintln(cmd.OutOrStdout(), t.In(loc).Format("Mon 2006-01-02 15:04:05 MST"))
			}
			return nil
		},
	}
	cmd.Flags().Int("count", 5, "Number of fire times")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	migrateCmd.PersistentFlags().String("db", "", "Postgres connection string (default: TASKPILOT_POSTGRES_DSN)")

	dsn := func(cmd *cobra.Command) (string, error) {
		conn, _ := cmd.Flags().GetString("db")
		if conn == "" {
			conn = os.Getenv("TASKPILOT_POSTGRES_DSN")
		}
		if conn == "" {
			return "", errors.New("--db flag or TASKPILOT_POSTGRES_DSN required")
		}
		return conn, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := dsn(cmd)
			if err != nil {
				return err
			}
			if err := postgres.Migrate(conn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
			return nil
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := dsn(cmd)
			if err != nil {
				return err
			}
			steps, _ := cmd.Flags().GetInt("steps")
			if err := postgres.MigrateDown(conn, steps); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations rolled back")
			return nil
		},
	}
	downCmd.Flags().Int("steps", 1, "Number of migrations to roll back, 0 for all")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := dsn(cmd)
			if err != nil {
				return err
			}
			version, dirty, err := postgres.SchemaVersion(conn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
			return nil
		},
	}

	migrateCmd.AddCommand(upCmd, downCmd, versionCmd)
	return migrateCmd
}

func newEncryptKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt-key [api key]",
		Short: "Encrypt a provider API key for TASKPILOT_AI_API_KEY_ENCRYPTED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, _ := cmd.Flags().GetString("secret")
			if pass == "" {
				pass = os.Getenv("TASKPILOT_AI_KEY_SECRET")
			}
			if pass == "" {
				return errors.New("--secret flag or TASKPILOT_AI_KEY_SECRET required")
			}
			encoded, err := secret.Encrypt(args[0], pass)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return nil
		},
	}
	cmd.Flags().String("secret", "", "Encryption secret (default: TASKPILOT_AI_KEY_SECRET)")
	return cmd
}

func formatTrigger(t core.Trigger) string {
	switch t.Type {
	case core.TriggerOneOff:
		return "once"
	case core.TriggerRecurring:
		return fmt.Sprintf("cron %q", t.CronExpr)
	case core.TriggerInterval:
		return "every " + t.Every().String()
	}
	return string(t.Type)
}
