// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LeeDigitalWorks/zapup/pkg/client"
	"github.com/LeeDigitalWorks/zapup/pkg/logger"
	"github.com/LeeDigitalWorks/zapup/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List the files a session stored on the receiver",
	Run:   runFiles,
}

func init() {
	rootCmd.AddCommand(filesCmd)

	f := filesCmd.Flags()
	addClientFlags(f)
	viper.BindPFlags(f)
}

// addClientFlags registers the flags shared by every command that talks to
// a receiver.
func addClientFlags(f *pflag.FlagSet) {
	f.String("endpoint", "http://localhost:8080/", "Receiver base URL")
	f.String("session_name", "default", "Upload session on the receiver")
	f.Duration("timeout", 5*time.Minute, "Per request timeout")
}

func loadClientConfig(f *FlagLoader) (client.Config, error) {
	cfg := client.Config{
		Endpoint: f.String("endpoint"),
		Timeout:  f.Duration("timeout"),
	}
	if f.cmd.Flags().Lookup("bandwidth") != nil {
		bw, err := f.Bytes("bandwidth")
		if err != nil {
			return client.Config{}, err
		}
		cfg.Bandwidth = int64(bw)
		cfg.PayloadDigest = f.Bool("payload_digest")
	}
	return cfg, nil
}

func runFiles(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("zapup", false)
	f := NewFlagLoader(cmd)

	cfg, err := loadClientConfig(f)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	c, err := client.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid endpoint")
	}

	if err := listStoredFiles(cmd.Context(), cmd.OutOrStdout(), c, f.String("session_name")); err != nil {
		logger.Fatal().Err(err).Msg("failed to query stored files")
	}
}

// ErrUnknownSession is returned when the receiver has no such session.
var ErrUnknownSession = errors.New("session is not configured on the receiver")

func listStoredFiles(ctx context.Context, out io.Writer, c *client.Client, name string) error {
	files, err := c.StoredFiles(ctx, name)
	if client.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownSession, name)
	}
	if err != nil {
		return err
	}

	paths := files.Paths
	if files.Path != "" {
		paths = []string{files.Path}
	}
	if len(paths) == 0 {
		fmt.Fprintf(out, "no files stored for session %s\n", name)
		return nil
	}
	for _, p := range paths {
		fmt.Fprintln(out, p)
	}
	fmt.Fprintf(out, "%s file(s)\n", humanize.Comma(int64(len(paths))))
	return nil
}
