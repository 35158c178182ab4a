// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/LeeDigitalWorks/zapup/pkg/utils"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "zapup",
	Short: "ZapUp - resumable chunked file uploads",
	Long: `ZapUp moves files as fixed size chunks with bounded concurrency and
retries. The serve command runs the chunk receiver, which validates chunks,
tracks them per transfer and merges each file once every chunk arrived. The
upload command is the client side scheduler.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
