package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mingzhe93/screen-reader-tts/internal/config"
	"github.com/mingzhe93/screen-reader-tts/internal/engine"
	"github.com/mingzhe93/screen-reader-tts/internal/observability"
	"github.com/mingzhe93/screen-reader-tts/internal/server"
)

func newRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "voicereader",
		Short:         "Loopback speech synthesis daemon",
		Long:          "voicereader synthesizes selected text to streamed PCM audio over a local, token-authenticated HTTP/WebSocket API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRoot,
	}

	flags := cmd.Flags()
	flags.Bool("server", false, "Run the engine daemon")
	flags.String("token", "", "Auth token (overrides the token env var)")
	flags.String("token-env", config.DefaultTokenEnv, "Environment variable holding the auth token")
	flags.Bool("bootstrap-stdin", false, "Read a JSON bootstrap payload {token, port, data_dir} from stdin")
	flags.String("config", "", "Path to a config file")
	config.RegisterFlags(flags, defaults)

	return cmd
}

func runRoot(cmd *cobra.Command, args []string) error {
	serverMode, _ := cmd.Flags().GetBool("server")
	if !serverMode {
		return cmd.Help()
	}

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(config.LoadOptions{
		Cmd:        cmd,
		ConfigFile: configFile,
		Defaults:   config.DefaultConfig(),
	})
	if err != nil {
		return err
	}

	tokenFlag, _ := cmd.Flags().GetString("token")
	tokenEnv, _ := cmd.Flags().GetString("token-env")
	if t := config.ResolveToken(tokenFlag, tokenEnv); t != "" {
		cfg.Token = t
	}

	if bootstrap, _ := cmd.Flags().GetBool("bootstrap-stdin"); bootstrap {
		payload, err := config.ReadBootstrap(os.Stdin)
		if err != nil {
			return err
		}
		if cfg, err = payload.ApplyTo(cfg); err != nil {
			return err
		}
	}

	if cfg.Token == "" {
		return fmt.Errorf("no auth token: pass --token, set %s, or use --bootstrap-stdin", config.DefaultTokenEnv)
	}

	log, err := setupLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	eng, err := engine.New(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}
	// POST /v1/quit cancels the serve context, which drives the same
	// graceful shutdown as a signal.
	eng.SetQuitFunc(stop)

	srv, err := server.New(eng, cfg.Host, cfg.Port, cfg.Token,
		server.WithLogger(log),
		server.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	if cfg.WarmupOnStartup {
		eng.TriggerWarmup(false, false, "startup")
	}

	return srv.Start(ctx)
}

func setupLogger(level string) (*slog.Logger, error) {
	lvl, err := server.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log, nil
}
