package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

var daysOld int

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run store maintenance without going through the HTTP API",
}

var cleanupLogsCmd = &cobra.Command{
	Use:   "cleanup-logs",
	Short: "Delete request log records older than --days",
	Args:  cobra.NoArgs,
	RunE:  runCleanupLogs,
}

var resetRateLimitCmd = &cobra.Command{
	Use:   "reset-rate-limit <client-ip>",
	Short: "Clear every rate-limit window held for a client",
	Args:  cobra.ExactArgs(1),
	RunE:  runResetRateLimit,
}

func init() {
	cleanupLogsCmd.Flags().IntVar(&daysOld, "days", 30, "delete records older than this many days")
	maintenanceCmd.AddCommand(cleanupLogsCmd, resetRateLimitCmd)
	rootCmd.AddCommand(maintenanceCmd)
}

func runCleanupLogs(cmd *cobra.Command, args []string) error {
	if daysOld < 0 {
		return errors.New("--days must not be negative")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st, err := openStore(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	cutoff := time.Now().UTC().AddDate(0, 0, -daysOld)
	n, err := st.PurgeRecords(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purging request logs: %w", err)
	}

	slog.Info("request logs purged", "deleted", n, "days_old", daysOld)
	fmt.Printf("Deleted %d logs older than %d days\n", n, daysOld)
	return nil
}

func runResetRateLimit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st, err := openStore(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.ResetWindows(ctx, args[0])
	if err != nil {
		return fmt.Errorf("resetting rate limit: %w", err)
	}

	slog.Info("rate limit reset", "client_ip", args[0], "windows", n)
	fmt.Printf("Rate limit reset for IP: %s\n", args[0])
	return nil
}
