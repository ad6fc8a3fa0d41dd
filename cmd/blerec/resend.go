package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// ErrNoDelivery is returned by resend when no transport is configured.
var ErrNoDelivery = errors.New("no delivery configured (set delivery.http.base_url or delivery.nats.url)")

// resendCmd represents the resend command
var resendCmd = &cobra.Command{
	Use:   "resend",
	Short: "Redeliver records that could not be uploaded",
	Long: `Load the pending record snapshots and deliver them again. Delivered records
are removed from the pending directory.

Without --schedule a single pass is made. With --schedule (a cron expression
or a descriptor such as "@every 30s") passes repeat until Ctrl+C.`,
	RunE: runResend,
}

func init() {
	resendCmd.Flags().StringP("schedule", "s", "", "Cron schedule for repeated passes")
}

func runResend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	schedule, _ := cmd.Flags().GetString("schedule")
	if schedule != "" {
		cfg.Delivery.Resend.Schedule = schedule
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.Delivery.Enabled() {
		return ErrNoDelivery
	}
	logger := cfg.NewLogger()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := openPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer p.close()

	resender, err := p.resender(cfg, logger)
	if err != nil {
		return err
	}

	if schedule == "" {
		res, err := resender.RunOnce(ctx)
		fmt.Fprintf(os.Stdout, "Delivered %d, failed %d, pending %d\n", res.Delivered, res.Failed, res.Remaining)
		return err
	}

	fmt.Fprintf(os.Stdout, "Resending %d pending records on %q, press Ctrl+C to stop\n", p.outbox.Len(), schedule)
	if err := resender.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	resender.Stop()
	fmt.Fprintf(os.Stdout, "Stopped with %d pending records\n", p.outbox.Len())
	return nil
}
