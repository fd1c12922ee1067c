package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/app"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "vrcbot",
	Short: "vrcbot: VRChat presence notifications for Telegram",
	Long: `vrcbot watches one VRChat user and posts to a Telegram chat whenever
their presence changes, plus a periodic heartbeat.

Settings come from an optional config file (json, yaml or toml) and the
environment (TG_TOKEN, TG_CHAT_ID, POLL_INTERVAL, PING_INTERVAL, ...).
The environment wins.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (json, yaml or toml); empty means environment only")
	rootCmd.AddCommand(runCmd, checkCmd)
}

func run(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	reason := app.StopUnknown
	select {
	case s := <-sig:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
