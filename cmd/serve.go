// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/zapup/pkg/debug"
	"github.com/LeeDigitalWorks/zapup/pkg/logger"
	"github.com/LeeDigitalWorks/zapup/pkg/manifest"
	"github.com/LeeDigitalWorks/zapup/pkg/receiver"
	"github.com/LeeDigitalWorks/zapup/pkg/session"
	"github.com/LeeDigitalWorks/zapup/pkg/utils"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ServeOpts holds all configuration for the chunk receiver.
type ServeOpts struct {
	ListenAddr      string
	DebugAddr       string
	ConnTimeout     time.Duration
	MaxRequestBytes int64

	Manifest manifest.Config
	Sessions []session.Config

	MergeRetries     int
	SweepInterval    time.Duration
	SweepGracePeriod time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chunk receiver",
	Long: `Start the HTTP chunk receiver. Chunks are staged per transfer in the
session's upload directory and merged into the final file once complete.
Sessions come from [sessions.<name>] tables in zapup.toml or --session flags.`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	defaults := manifest.DefaultConfig()

	f.String("listen_addr", ":8080", "Address for the upload endpoint")
	f.String("debug_addr", ":8090", "Address for metrics, health and pprof")
	f.Duration("conn_timeout", 30*time.Second, "Per connection idle timeout, stretched by bytes transferred (0 = none)")
	f.Int64("max_request_bytes", receiver.DefaultMaxRequestBytes, "Largest accepted chunk body")

	f.String("manifest_backend", string(defaults.Backend), "Chunk manifest store: memory, leveldb or redis")
	f.String("leveldb_path", defaults.LevelDBPath, "LevelDB directory for the leveldb backend")
	f.String("redis_addr", defaults.RedisAddr, "Redis address for the redis backend")
	f.String("redis_password", "", "Redis password")
	f.Int("redis_db", 0, "Redis database")
	f.String("redis_key_prefix", defaults.KeyPrefix, "Prefix for every Redis key")
	f.Duration("manifest_ttl", defaults.TTL, "Idle manifest lifetime in Redis")

	f.Int("merge_retries", receiver.DefaultMergeRetries, "Retry budget while merging chunks into the final file")
	f.Duration("sweep_interval", time.Hour, "How often abandoned chunks are swept (0 = disabled)")
	f.Duration("sweep_grace_period", receiver.DefaultGracePeriod, "Age after which idle chunks and manifests are abandoned")

	f.StringSlice("session", nil, "Ad-hoc session as name=upload_path (repeatable)")

	viper.BindPFlags(f)
}

func runServe(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("zapup", false)
	opts, err := loadServeOpts(cmd)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	debug.SetNotReady()

	for _, s := range opts.Sessions {
		if err := utils.EnsureDir(s.UploadPath); err != nil {
			logger.Fatal().Err(err).Str("session", s.Name).Str("path", s.UploadPath).Msg("upload path is not usable")
		}
	}
	sessions, err := session.NewRegistry(opts.Sessions...)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid session configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	defer stop()

	store, err := manifest.New(ctx, opts.Manifest)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", string(opts.Manifest.Backend)).Msg("failed to open manifest store")
	}
	defer store.Close()

	debug.AddReadyCheck("manifest", store.Ping)
	debug.AddReadyCheck("upload_paths", func(context.Context) error {
		for _, p := range sessions.UploadPaths() {
			if err := utils.TestWritableFile(p); err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
		}
		return nil
	})

	recv := receiver.New(afero.NewOsFs(), sessions, store, receiver.Config{MergeRetries: opts.MergeRetries})
	handler := receiver.NewHandler(recv, opts.MaxRequestBytes)

	var sweeper *receiver.Sweeper
	if opts.SweepInterval > 0 {
		sweeper = receiver.NewSweeper(afero.NewOsFs(), sessions, store, receiver.SweeperConfig{
			Interval:    opts.SweepInterval,
			GracePeriod: opts.SweepGracePeriod,
		})
		sweeper.Start()
		logger.Info().
			Dur("interval", opts.SweepInterval).
			Dur("grace_period", opts.SweepGracePeriod).
			Msg("Started abandoned chunk sweeper")
	}

	logger.Info().
		Str("version", Version).
		Str("git_commit", GitCommit).
		Strs("sessions", sessions.Names()).
		Str("manifest_backend", string(opts.Manifest.Backend)).
		Int("merge_retries", opts.MergeRetries).
		Int64("max_request_bytes", opts.MaxRequestBytes).
		Msg("Chunk receiver configuration")

	httpServer := startHTTPServer(handler, opts.ListenAddr, opts.ConnTimeout)
	debugServer := startHTTPServer(debug.GetMux(), opts.DebugAddr, 0)

	debug.SetReady()

	<-ctx.Done()
	logger.Info().Msg("Shutting down chunk receiver")

	debug.SetNotReady()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("upload server shutdown")
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	debugServer.Shutdown(shutdownCtx)
}

func loadServeOpts(cmd *cobra.Command) (ServeOpts, error) {
	f := NewFlagLoader(cmd)

	sessions, err := loadSessions(f.StringSlice("session"))
	if err != nil {
		return ServeOpts{}, err
	}
	if len(sessions) == 0 {
		return ServeOpts{}, fmt.Errorf("no sessions configured: add [sessions.<name>] to zapup.toml or pass --session name=path")
	}

	backend := manifest.Kind(strings.ToLower(f.String("manifest_backend")))
	return ServeOpts{
		ListenAddr:      f.String("listen_addr"),
		DebugAddr:       f.String("debug_addr"),
		ConnTimeout:     f.Duration("conn_timeout"),
		MaxRequestBytes: f.Int64("max_request_bytes"),
		Manifest: manifest.Config{
			Backend:       backend,
			LevelDBPath:   utils.ResolvePath(f.String("leveldb_path")),
			RedisAddr:     f.String("redis_addr"),
			RedisPassword: f.String("redis_password"),
			RedisDB:       f.Int("redis_db"),
			KeyPrefix:     f.String("redis_key_prefix"),
			TTL:           f.Duration("manifest_ttl"),
		},
		Sessions:         sessions,
		MergeRetries:     f.Int("merge_retries"),
		SweepInterval:    f.Duration("sweep_interval"),
		SweepGracePeriod: f.Duration("sweep_grace_period"),
	}, nil
}

// loadSessions reads [sessions.<name>] tables and appends the name=path
// pairs given on the command line.
func loadSessions(adhoc []string) ([]session.Config, error) {
	var out []session.Config

	names := make([]string, 0)
	for name := range viper.GetStringMap("sessions") {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prefix := "sessions." + name + "."
		c := session.Defaults(name, utils.ResolvePath(viper.GetString(prefix+"upload_path")))
		c.AllowedExtensions = session.NormalizeExtensions(viper.GetStringSlice(prefix + "allowed_extensions"))
		if v := viper.GetString(prefix + "max_file_size"); v != "" {
			size, err := session.ParseSize(v)
			if err != nil {
				return nil, fmt.Errorf("session %s: %w", name, err)
			}
			c.MaxFileSize = size
		}
		if viper.IsSet(prefix + "overwrite") {
			c.Overwrite = viper.GetBool(prefix + "overwrite")
		}
		c.RenameTemplate = viper.GetString(prefix + "rename_template")
		c.AllowMultipleFiles = viper.GetBool(prefix + "allow_multiple_files")

		out = append(out, c)
		logger.Debug().
			Str("session", name).
			Str("path", c.UploadPath).
			Strs("extensions", c.AllowedExtensions).
			Uint64("max_file_size", c.MaxFileSize).
			Msg("Loaded session configuration")
	}

	for _, kv := range adhoc {
		name, path, ok := strings.Cut(kv, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("--session %q: expected name=upload_path", kv)
		}
		out = append(out, session.Defaults(name, utils.ResolvePath(path)))
	}
	return out, nil
}

func startHTTPServer(handler http.Handler, addr string, timeout time.Duration) *http.Server {
	listener, err := utils.NewListener(addr, timeout)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("failed to create HTTP listener")
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       timeout,
		ConnState:         utils.TrackConnState,
	}
	go func() {
		logger.Info().Str("http_addr", addr).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}
