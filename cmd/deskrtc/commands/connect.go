package commands

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/deskrtc/internal/app/session"
	"github.com/dkeye/deskrtc/internal/config"
	"github.com/dkeye/deskrtc/internal/core"
	"github.com/dkeye/deskrtc/internal/domain"
)

func newConnectCmd(cfg *config.Config) *cobra.Command {
	var desktop string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open one session to a desktop and hold it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.NewDesktopID(desktop)
			if err != nil {
				return err
			}
			return runConnect(cmd.Context(), cfg, id)
		},
	}
	cmd.Flags().StringVarP(&desktop, "desktop", "d", "", "desktop id")
	_ = cmd.MarkFlagRequired("desktop")
	return cmd
}

func runConnect(parent context.Context, cfg *config.Config, desktop domain.DesktopID) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := session.New(sessionOptions(cfg, desktop))
	if err != nil {
		return err
	}
	defer s.Disconnect()

	logger := log.With().Str("module", "cmd").Str("desktop", string(desktop)).Str("sid", string(s.ID())).Logger()
	off := s.OnStatusChange(func(st domain.Status) {
		logger.Info().Str("status", st.String()).Msg("status")
	})
	defer off()

	s.Video().Subscribe(firstPacketLogger(logger, "video"))
	s.Audio().Subscribe(firstPacketLogger(logger, "audio"))

	if err := s.Connect(ctx); err != nil {
		var auth *core.AuthenticationError
		if errors.As(err, &auth) {
			logger.Error().Err(err).Msg("broker rejected credentials")
		} else {
			logger.Error().Err(err).Msg("connect failed")
		}
		return err
	}
	logger.Info().Msg("session connected, press Ctrl+C to leave")

	<-ctx.Done()
	logger.Info().Msg("disconnecting")
	return nil
}

// firstPacketLogger reports when media of a track starts flowing.
func firstPacketLogger(logger zerolog.Logger, kind string) session.PacketFunc {
	var seen sync.Map
	return func(t core.RemoteTrack, pkt *rtp.Packet) error {
		if _, loaded := seen.LoadOrStore(t.ID(), struct{}{}); !loaded {
			logger.Info().
				Str("kind", kind).
				Str("track", t.ID()).
				Uint32("ssrc", pkt.SSRC).
				Msg("media flowing")
		}
		return nil
	}
}
