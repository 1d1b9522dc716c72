package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/logging"
	"github.com/Tyrowin/relaychat/internal/server"
)

var version = "0.1.0" // set at build time with -ldflags

type flags struct {
	configFile string
	envFile    string

	tcpAddr        string
	httpAddr       string
	workers        int
	cacheCapacity  int
	maxUsernameLen int
	logLevel       string
	logFormat      string
	logFile        string
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "relaychat-server",
		Short: "Broadcast chat server",
		Long: `relaychat-server accepts chat clients over TCP (and WebSocket on the ops
listener), relays every message to all other connected clients, and keeps
a small LRU cache of recent messages.

Settings are read from defaults, RELAYCHAT_* environment variables (and an
optional .env file), an optional JSON config file, then these flags.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configFile, "config", "c", "", "JSON config file")
	fl.StringVar(&f.envFile, "env-file", ".env", "dotenv file to load if present")
	fl.StringVar(&f.tcpAddr, "addr", "", "chat listener address (default :8080)")
	fl.StringVar(&f.httpAddr, "http-addr", "", "ops/WebSocket listener address, \"off\" to disable (default :8081)")
	fl.IntVarP(&f.workers, "workers", "w", 0, "worker pool size (default 6)")
	fl.IntVar(&f.cacheCapacity, "cache-size", 0, "message cache capacity (default 10)")
	fl.IntVar(&f.maxUsernameLen, "max-username", 0, "maximum user identifier length (default 63)")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fl.StringVar(&f.logFormat, "log-format", "", "console or json")
	fl.StringVar(&f.logFile, "log-file", "", "append logs to this file as JSON")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of relaychat-server",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relaychat-server v%s\n", version)
		},
	})
	return cmd
}

func run(cmd *cobra.Command, f flags) error {
	cfg, err := config.Load(afero.NewOsFs(), f.envFile, f.configFile)
	if err != nil {
		return err
	}
	applyFlags(cmd.Flags(), f, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info().Msg("received shutdown signal")
	if err := srv.Shutdown(cfg.ShutdownGrace); err != nil {
		logger.Error().Err(err).Msg("shutdown did not complete cleanly")
		return err
	}
	return nil
}

// applyFlags overrides cfg with the flags that were set explicitly.
func applyFlags(fs *pflag.FlagSet, f flags, cfg *config.Config) {
	if fs.Changed("addr") {
		cfg.TCPAddr = f.tcpAddr
	}
	if fs.Changed("http-addr") {
		cfg.HTTPAddr = f.httpAddr
		if f.httpAddr == "off" {
			cfg.HTTPAddr = ""
		}
	}
	if fs.Changed("workers") {
		cfg.WorkerPoolSize = f.workers
	}
	if fs.Changed("cache-size") {
		cfg.CacheCapacity = f.cacheCapacity
	}
	if fs.Changed("max-username") {
		cfg.MaxUsernameLen = f.maxUsernameLen
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if fs.Changed("log-file") {
		cfg.Log.File = f.logFile
	}
}
