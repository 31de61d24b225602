package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/huddle/pkg/database"
	"github.com/aeolun/huddle/pkg/relay"
	"github.com/aeolun/huddle/pkg/server"
	"github.com/aeolun/huddle/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "~/.huddle/config.toml"

var (
	Version = "dev"

	showVersion bool
	debug       bool
	configPath  string

	rootCmd = &cobra.Command{
		Use:   "huddle-server",
		Short: "Chat server with conversations, file sharing and call signaling",
		Args:  cobra.NoArgs,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			SetLogLevel()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println(Version)
				return nil
			}
			return serve()
		},
	}

	initConfigCmd = &cobra.Command{
		Use:   "init-config",
		Short: "Write a documented default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := server.WriteDefaultConfig(configPath); err != nil {
				return err
			}
			log.Info().Str("path", configPath).Msg("config written")
			return nil
		},
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("failed to execute")
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Print version information")
	rootCmd.AddCommand(initConfigCmd)
}

// SetLogLevel sets the global log level based on debug flag.
// Call this after flags are parsed.
func SetLogLevel() {
	if debug {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func openStore(cfg server.ServerConfig) (database.Store, error) {
	switch cfg.DatabaseDriver {
	case server.DriverMemory:
		log.Warn().Msg("using in-memory store, data is lost on restart")
		return database.NewMemDB(), nil
	default:
		return database.Open(cfg.DatabasePath)
	}
}

func serve() error {
	tomlCfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := tomlCfg.ToServerConfig()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	uploader, err := storage.NewDiskUploader(cfg.UploadDir, cfg.PublicBaseURL)
	if err != nil {
		return err
	}

	var mediaRelay server.MediaRelay
	var relays *relay.Manager
	if cfg.RelayEnabled {
		relays = relay.NewManager(cfg.RelayBindHost, log.Logger)
		mediaRelay = relays
	}

	srv, err := server.NewServer(cfg, store, uploader, mediaRelay, log.Logger)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	srv.Stop()
	if relays != nil {
		relays.CloseAll()
	}
	return nil
}
