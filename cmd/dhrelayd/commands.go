package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/datahaven/dh-relay/relayer/config"
	"github.com/datahaven/dh-relay/relayer/core"
	"github.com/datahaven/dh-relay/relayer/keys"
	"github.com/datahaven/dh-relay/relayer/logger"
)

// Set with -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = "dev"
	Commit  = "unknown"
)

func InitRootCmd(rootCmd *cobra.Command) {
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(estimateCmd())
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the relayer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(homeFlag)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := logger.Init(cfg)
			log.Info().Str("version", Version).Str("commit", Commit).Str("home", cfg.NodeHome).Msg("dhrelayd starting")

			relayer, err := core.New(&cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return relayer.Start(ctx)
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config and create missing relayer keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(homeFlag)
			switch {
			case errors.Is(err, os.ErrNotExist):
				defaults, err := config.LoadDefaultConfig()
				if err != nil {
					return err
				}
				cfg = *defaults
				cfg.NodeHome = homeFlag
			case err != nil:
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := config.Save(&cfg, homeFlag); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			log := logger.Init(cfg)
			created, err := keys.Init(&cfg, log)
			if err != nil {
				return fmt.Errorf("failed to create keys: %w", err)
			}
			for _, path := range created {
				fmt.Fprintf(cmd.OutOrStdout(), "created key %s\n", path)
			}

			k, err := keys.Load(&cfg, log)
			if err != nil {
				return err
			}
			for kind, addr := range k.Addresses() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s relayer address: %s\n", kind, addr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", homeFlag)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print dhrelayd version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Name:    %s\n", "dhrelayd")
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit:  %s\n", Commit)
		},
	}
}
