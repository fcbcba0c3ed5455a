package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/iago/directory-api/internal/config"
	"github.com/iago/directory-api/internal/domain"
	"github.com/iago/directory-api/internal/logging"
	"github.com/iago/directory-api/internal/notify"
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send the reminders due today",
	Long: `Publishes one reminder event per supplier that joined, or was posted a verification
letter, the configured number of days ago. Meant to run once a day from a scheduler.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNotify(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(notifyCmd)
}

func runNotify(ctx context.Context, out io.Writer) error {
	if _, err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		fmt.Fprintf(os.Stderr, "failed loading .env files: %v\n", err)
	}
	specs, err := config.Load()
	if err != nil {
		return err
	}
	// The in-memory store has no history to remind anyone about.
	if specs.DatabaseURL == "" {
		return errors.New("no database configured: set DATABASE_URL")
	}

	logger := logging.NewLogger(specs.LogLevel)
	defer func() { _ = logger.Sync() }()

	store, err := setupStore(ctx, specs, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	queues, err := setupQueues(ctx, specs, logger)
	if err != nil {
		return err
	}
	defer queues.close()

	reminders := notify.NewReminders(store, queues.publisher, logger.Named("reminders"), reminderConfig(specs))
	summary, err := reminders.RunDue(ctx)
	for _, category := range []domain.NotificationCategory{
		domain.NotificationNoCaseStudies,
		domain.NotificationVerificationCodeNotGiven,
		domain.NotificationVerificationCode2ndEmail,
	} {
		fmt.Fprintf(out, "%-30s %d\n", category, summary[category])
	}
	return err
}

func reminderConfig(specs *config.EnvSpec) notify.ReminderConfig {
	return notify.ReminderConfig{
		NoCaseStudiesDays:               specs.NoCaseStudiesDays,
		VerificationCodeNotGivenDays:    specs.VerificationCodeNotGivenDays,
		VerificationCodeSecondEmailDays: specs.VerificationCodeNotGivenDays2ndEmail,
	}
}
