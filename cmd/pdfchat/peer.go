package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omochice/pdfchat/internal/logger"
	"github.com/omochice/pdfchat/internal/peer"
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Run a local echo backend for development",
	RunE:  runPeer,
}

var (
	flagPeerAddr      string
	flagUploadDir     string
	flagPeerFrameMode string
	flagFragmentSize  int
	flagFragmentDelay string
)

func init() {
	flags := peerCmd.Flags()
	flags.StringVar(&flagPeerAddr, "addr", "", "listen address (default :8000)")
	flags.StringVar(&flagUploadDir, "upload-dir", "", "directory for received PDFs (default received_pdfs)")
	flags.StringVar(&flagPeerFrameMode, "frame-mode", "", "outgoing frame format: raw or envelope")
	flags.IntVar(&flagFragmentSize, "fragment-size", 0, "runes per streamed reply frame")
	flags.StringVar(&flagFragmentDelay, "fragment-delay", "", "pause between reply frames, e.g. 30ms")
}

func runPeer(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Peer.Addr = flagPeerAddr
	}
	if flags.Changed("upload-dir") {
		cfg.Peer.UploadDir = flagUploadDir
	}
	if flags.Changed("frame-mode") {
		cfg.Peer.FrameMode = flagPeerFrameMode
	}
	if flags.Changed("fragment-size") {
		cfg.Peer.FragmentSize = flagFragmentSize
	}
	if flags.Changed("fragment-delay") {
		cfg.Peer.FragmentDelay = flagFragmentDelay
	}
	if err := cfg.ValidatePeer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	closeLog, err := logger.Setup(logger.Options{Level: cfg.Logging.Level, Console: true})
	if err != nil {
		return err
	}
	defer closeLog()

	srv := peer.New(cfg.Peer.Addr, peer.Options{
		UploadDir:     cfg.Peer.UploadDir,
		MaxFileSize:   cfg.Peer.GetMaxFileSize(),
		FragmentSize:  cfg.Peer.FragmentSize,
		FragmentDelay: cfg.Peer.GetFragmentDelay(),
		FrameMode:     cfg.Peer.GetFrameMode(),
	})
	if err := srv.Start(); err != nil {
		return err
	}
	log.Info().Msgf("[peer] chat endpoint at ws://%s/ws", srv.Addr())

	<-ctx.Done()
	srv.Stop()
	return nil
}
