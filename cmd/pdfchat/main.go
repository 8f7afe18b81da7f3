package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omochice/pdfchat/internal/client"
	"github.com/omochice/pdfchat/internal/config"
	"github.com/omochice/pdfchat/internal/dropzone"
	"github.com/omochice/pdfchat/internal/logger"
	"github.com/omochice/pdfchat/internal/store"
	"github.com/omochice/pdfchat/internal/tui"
)

var rootCmd = &cobra.Command{
	Use:          "pdfchat",
	Short:        "Chat with a document backend over WebSocket",
	SilenceUsage: true,
}

var (
	flagConfig       string
	flagEndpoint     string
	flagPayloadField string
	flagFrameMode    string
	flagMaxFileSize  string
	flagDataPath     string
	flagNoHistory    bool
	flagDropDir      string
	flagPlain        bool
	flagLogLevel     string
	flagLogFile      string
)

func init() {
	// Assigned here rather than in the literal to break the
	// rootCmd -> runChat -> loadConfig -> rootCmd initialization cycle.
	rootCmd.RunE = runChat

	pflags := rootCmd.PersistentFlags()
	pflags.StringVar(&flagConfig, "config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a YAML config file")
	pflags.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	pflags.StringVar(&flagLogFile, "log-file", "", "log file used while the terminal UI is active")
	pflags.StringVar(&flagDataPath, "data-path", "", "transcript database directory")

	flags := rootCmd.Flags()
	flags.StringVar(&flagEndpoint, "endpoint", "", "backend WebSocket URL (default ws://localhost:8000/ws)")
	flags.StringVar(&flagPayloadField, "payload-field", "", "JSON field carrying the envelope body: payload or content")
	flags.StringVar(&flagFrameMode, "frame-mode", "", "incoming frame format: raw or envelope")
	flags.StringVar(&flagMaxFileSize, "max-file-size", "", "largest PDF accepted for upload, e.g. \"10 MiB\"")
	flags.BoolVar(&flagNoHistory, "no-history", false, "do not save the conversation")
	flags.StringVar(&flagDropDir, "drop-dir", "", "upload files placed in this directory")
	flags.BoolVar(&flagPlain, "plain", false, "line-oriented mode without the full-screen UI")

	rootCmd.AddCommand(peerCmd, historyCmd)
}

func main() {
	_ = godotenv.Load(".env")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, then applies the flags
// the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("data-path", &cfg.Store.Path, flagDataPath)
	set("log-level", &cfg.Logging.Level, flagLogLevel)
	set("log-file", &cfg.Logging.File, flagLogFile)
	if cmd != rootCmd {
		return cfg, nil
	}

	set("endpoint", &cfg.Client.Endpoint, flagEndpoint)
	set("payload-field", &cfg.Client.PayloadField, flagPayloadField)
	set("frame-mode", &cfg.Client.FrameMode, flagFrameMode)
	set("max-file-size", &cfg.Client.MaxFileSize, flagMaxFileSize)
	set("drop-dir", &cfg.Client.DropDir, flagDropDir)
	if cmd.Flags().Changed("plain") {
		cfg.UI.Plain = flagPlain
	}
	if flagNoHistory {
		cfg.Store.Path = ""
	}
	return cfg, nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// The full-screen UI owns the terminal, so logs go to a file.
	logFile := cfg.Logging.File
	if cfg.UI.Plain {
		logFile = ""
	}
	closeLog, err := logger.Setup(logger.Options{Level: cfg.Logging.Level, File: logFile, Console: true})
	if err != nil {
		return err
	}
	defer closeLog()

	var opts []client.Option
	var st *store.Store
	if cfg.Store.Path != "" {
		s, err := store.Open(cfg.Store.Path)
		if err != nil {
			log.Warn().Err(err).Msg("[pdfchat] open store failed; history will not be saved")
		} else {
			st = s
			opts = append(opts, client.WithStore(st))
		}
	}

	c := client.New(client.Config{
		Endpoint:     cfg.Client.Endpoint,
		PayloadField: cfg.Client.GetPayloadField(),
		FrameMode:    cfg.Client.GetFrameMode(),
		MaxFileSize:  cfg.Client.GetMaxFileSize(),
		WriteTimeout: cfg.Client.GetWriteTimeout(),
	}, opts...)

	if cfg.Client.DropDir != "" {
		dz, err := dropzone.New(cfg.Client.DropDir, 0, func(path string) {
			if err := c.SelectFile(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("[pdfchat] dropped file ignored")
			}
		})
		if err != nil {
			return err
		}
		if err := dz.Start(ctx); err != nil {
			return err
		}
		defer dz.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	var uiErr error
	if cfg.UI.Plain {
		uiErr = runPlain(ctx, c, os.Stdin, os.Stdout)
	} else {
		uiErr = tui.Run(ctx, c, tui.Options{
			MaxInputHeight: cfg.UI.MaxInputHeight,
			DropDir:        cfg.Client.DropDir,
		})
	}

	c.Close()
	if err := <-errCh; err != nil {
		log.Error().Err(err).Msg("[pdfchat] session ended with error")
	}
	if st != nil {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("[pdfchat] store close error")
		}
		fmt.Fprintf(os.Stderr, "session saved as %s\n", c.ID())
	}
	return uiErr
}
