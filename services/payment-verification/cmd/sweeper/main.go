package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/app"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/config"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/jobs"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/logger"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "sweeper",
		Short:         "Maintenance tasks for the payment verification service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	for _, kind := range []jobs.Kind{jobs.KindOTPs, jobs.KindPayments, jobs.KindAll} {
		rootCmd.AddCommand(sweepCmd(kind, &configPath))
	}
	rootCmd.AddCommand(batchVerifyCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func sweepCmd(kind jobs.Kind, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   string(kind),
		Short: fmt.Sprintf("Run the %s retention sweep once", kind),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app.App) error {
				return printJSON(cmd, a.Sweeper.RunOnce(ctx, kind))
			})
		},
	}
}

func batchVerifyCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "batch-verify [payment-id...]",
		Short: "Mark the given payments verified",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app.App) error {
				result := a.Service.BatchVerifyPayments(ctx, args)
				if err := printJSON(cmd, result); err != nil {
					return err
				}
				if len(result.Failed) > 0 {
					return fmt.Errorf("%d of %d payments failed", len(result.Failed), len(result.Failed)+len(result.Successful))
				}
				return nil
			})
		},
	}
}

func withApp(parent context.Context, configPath string, fn func(context.Context, *app.App) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.ForEnvironment(cfg.Service+"-sweeper", cfg.Environment)
	defer log.Sync()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("failed to close application", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
