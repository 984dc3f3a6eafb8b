package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dokzlo13/shiftd/internal/app"
	"github.com/dokzlo13/shiftd/internal/config"
)

// Version is set at build time.
var Version = "dev"

type arguments struct {
	ConfigPath   string
	LogLevel     string
	ListBackends bool
	ResetState   bool
	Version      bool
}

func parseArgs(argv []string) (arguments, error) {
	var args arguments

	fs := pflag.NewFlagSet(argv[0], pflag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	fs.Usage = func() {
		fmt.Fprintf(os.Stdout, "Usage of %s:\n", argv[0])
		fs.PrintDefaults()
	}

	fs.StringVarP(&args.ConfigPath, "config", "c", "config.yaml", "Path to configuration file")
	fs.StringVarP(&args.LogLevel, "log-level", "l", "", "Override log.level from the configuration")
	fs.BoolVar(&args.ListBackends, "list-backends", false, "Print the gamma backends this build supports and exit")
	fs.BoolVar(&args.ResetState, "reset-state", false, "Forget the persisted mode and manual temperature before starting")
	fs.BoolVarP(&args.Version, "version", "V", false, "Print version and exit")

	if err := fs.Parse(argv[1:]); err != nil {
		return arguments{}, fmt.Errorf("parsing args: %w", err)
	}
	return args, nil
}

func main() {
	args, err := parseArgs(os.Args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if args.Version {
		fmt.Println(Version)
		return
	}
	if args.ListBackends {
		fmt.Println(strings.Join(app.NewBackendRegistry(config.BackendConfig{}).Names(), "\n"))
		return
	}

	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level := cfg.Log.Level
	if args.LogLevel != "" {
		level = args.LogLevel
	}
	setupLogging(level, cfg.Log.JSON, cfg.Log.Colors)

	log.Info().Str("config", args.ConfigPath).Str("version", Version).Msg("Starting shiftd")

	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	if args.ResetState {
		if err := application.ResetState(); err != nil {
			log.Fatal().Err(err).Msg("Failed to reset state")
		}
	}

	// Create context that cancels on shutdown signal
	ctx := app.SignalContext()

	if err := application.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start application")
	}

	app.OnReload(ctx, func() {
		if err := application.Reload(args.ConfigPath); err != nil {
			log.Error().Err(err).Msg("Reload failed")
		}
	})

	exitCode := 0
	if err := application.Wait(); err != nil {
		log.Error().Err(err).Msg("Stopped after fatal error")
		exitCode = 1
	}

	if err := application.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
	os.Exit(exitCode)
}

func setupLogging(level string, useJSON bool, colors bool) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
