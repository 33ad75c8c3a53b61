package main

import (
	"github.com/spf13/cobra"

	"github.com/datahaven/dh-relay/relayer/constant"
)

var homeFlag string

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dhrelayd",
		Short:         "DataHaven cross-chain storage relayer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", constant.DefaultNodeHome, "Relayer home directory")

	InitRootCmd(rootCmd)

	return rootCmd
}
