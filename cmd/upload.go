// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/zapup/pkg/client"
	"github.com/LeeDigitalWorks/zapup/pkg/logger"
	"github.com/LeeDigitalWorks/zapup/pkg/scheduler"
	"github.com/LeeDigitalWorks/zapup/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// UploadOpts holds all configuration for an upload run.
type UploadOpts struct {
	Client     client.Config
	Scheduler  scheduler.Options
	TransferID string
}

var uploadCmd = &cobra.Command{
	Use:   "upload [flags] FILE...",
	Short: "Upload files to a chunk receiver",
	Long: `Split every FILE into chunks and send them to the receiver at --endpoint
with at most --max_concurrent chunks in flight. Failed chunks are retried up
to --max_retries times; a file that still fails is reported without stopping
the others. The exit status is non-zero when any file failed.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	f := uploadCmd.Flags()
	addClientFlags(f)

	f.String("chunk_size", "2MiB", "Chunk size")
	f.Int("max_concurrent", scheduler.DefaultMaxConcurrent, "Chunks in flight across all files")
	f.Int("max_retries", scheduler.DefaultMaxRetries, "Retries per chunk before the file fails (negative disables)")
	f.Duration("retry_delay", 0, "Base delay before a retry, doubled per attempt with jitter (0 = immediate)")
	f.Duration("max_retry_delay", scheduler.DefaultMaxRetryDelay, "Upper bound for the retry delay")
	f.StringSlice("allowed_extensions", nil, "Client side extension allow-list (advisory)")
	f.String("max_file_size", "", "Client side size limit, e.g. 10MB (advisory)")
	f.String("bandwidth", "", "Upload rate limit per second, e.g. 4MB (empty = unlimited)")
	f.Bool("resume", false, "Ask the receiver which chunks it holds and skip them")
	f.String("transfer_id", "", "Explicit transfer identity; suffixed with the file name when uploading several files")
	f.Bool("payload_digest", false, "Send a sha256 digest of every chunk body")

	viper.BindPFlags(f)
}

func runUpload(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("zapup", false)
	opts, err := loadUploadOpts(cmd)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	c, err := client.New(opts.Client)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid endpoint")
	}

	out := cmd.OutOrStdout()
	opts.Scheduler.OnProgress = progressPrinter(out)
	opts.Scheduler.OnFileDone = func(r scheduler.FileResult) {
		if r.Err != nil {
			fmt.Fprintf(out, "FAILED %s: %v\n", r.Name, r.Err)
			return
		}
		fmt.Fprintf(out, "done   %s (%d chunks, %d skipped, %d retries)\n", r.Name, r.Chunks, r.Skipped, r.Retries)
	}
	s := scheduler.New(c, opts.Scheduler)

	batch := enqueueFiles(out, s, args, opts.TransferID)
	defer batch.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := s.Run(ctx)
	fmt.Fprintf(out, "%d uploaded, %d failed, %d skipped, %s in %s\n",
		len(report.Files)-report.Failed(), report.Failed(), batch.rejected,
		humanize.IBytes(uint64(batch.size)), report.Duration.Round(time.Millisecond))

	if err != nil || !report.OK() || batch.rejected > 0 {
		os.Exit(1)
	}
}

// uploadBatch tracks the files handed to the scheduler.
type uploadBatch struct {
	opened   []*os.File
	size     int64
	rejected int
}

func (b *uploadBatch) close() {
	for _, f := range b.opened {
		f.Close()
	}
}

// enqueueFiles opens every path and enqueues it. Files that cannot be opened
// or that the scheduler rejects are reported, counted and closed; only
// enqueued files count toward the batch size.
func enqueueFiles(out io.Writer, s *scheduler.Scheduler, paths []string, transferID string) *uploadBatch {
	b := &uploadBatch{}
	for _, path := range paths {
		file, handle, err := openUpload(path)
		if err != nil {
			fmt.Fprintf(out, "SKIP   %s: %v\n", path, err)
			b.rejected++
			continue
		}
		if transferID != "" {
			file.TransferID = transferID
			if len(paths) > 1 {
				file.TransferID += "/" + file.Name
			}
		}
		if err := s.Enqueue(file); err != nil {
			handle.Close()
			fmt.Fprintf(out, "SKIP   %v\n", err)
			b.rejected++
			continue
		}
		b.opened = append(b.opened, handle)
		b.size += file.Size
	}
	return b
}

func loadUploadOpts(cmd *cobra.Command) (UploadOpts, error) {
	f := NewFlagLoader(cmd)

	chunkSize, err := f.Bytes("chunk_size")
	if err != nil {
		return UploadOpts{}, err
	}
	maxSize, err := f.Bytes("max_file_size")
	if err != nil {
		return UploadOpts{}, err
	}
	clientCfg, err := loadClientConfig(f)
	if err != nil {
		return UploadOpts{}, err
	}

	return UploadOpts{
		Client: clientCfg,
		Scheduler: scheduler.Options{
			SessionName:       f.String("session_name"),
			ChunkSize:         int64(chunkSize),
			MaxConcurrent:     f.Int("max_concurrent"),
			MaxRetries:        f.Int("max_retries"),
			RetryDelay:        f.Duration("retry_delay"),
			MaxRetryDelay:     f.Duration("max_retry_delay"),
			AllowedExtensions: f.StringSlice("allowed_extensions"),
			MaxFileSize:       maxSize,
			Resume:            f.Bool("resume"),
		},
		TransferID: f.String("transfer_id"),
	}, nil
}

func openUpload(path string) (scheduler.File, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return scheduler.File{}, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return scheduler.File{}, nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return scheduler.File{}, nil, fmt.Errorf("not a regular file")
	}
	return scheduler.File{Name: filepath.Base(path), Size: info.Size(), Data: f}, f, nil
}

// progressPrinter reports job progress in steps of 10%.
func progressPrinter(w io.Writer) func(scheduler.Progress) {
	lastStep := int64(-1)
	return func(p scheduler.Progress) {
		if p.JobSize == 0 {
			return
		}
		step := p.JobBytesSent * 10 / p.JobSize
		if step == lastStep {
			return
		}
		lastStep = step
		fmt.Fprintf(w, "%3d%%   %s / %s\n", step*10,
			humanize.IBytes(uint64(p.JobBytesSent)), humanize.IBytes(uint64(p.JobSize)))
	}
}
