package main

import (
	"github.com/google/uuid"
	"github.com/mossy-p/synctube/internal/agent"
	"github.com/mossy-p/synctube/internal/negotiation"
	"github.com/mossy-p/synctube/internal/playback"
	"github.com/mossy-p/synctube/internal/signaling"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room as a headless participant",
	Long: `Joins a room, keeps a simulated player in sync with the host and opens
peer connections to visible live participants. Leaves on SIGINT/SIGTERM.`,
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().String("room", "", "room id or code")
	joinCmd.Flags().String("user", "", "participant identity (random when empty)")
	joinCmd.Flags().String("name", "synctube-agent", "display name")
	joinCmd.Flags().String("avatar", "", "avatar URL")
	joinCmd.Flags().Bool("live", false, "publish media after joining")
	_ = joinCmd.MarkFlagRequired("room")
}

func runJoin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()
	roomIdent, _ := flags.GetString("room")
	userID, _ := flags.GetString("user")
	name, _ := flags.GetString("name")
	avatar, _ := flags.GetString("avatar")
	live, _ := flags.GetBool("live")
	if userID == "" {
		userID = uuid.NewString()
	}

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	room, err := rt.svc.ResolveRoom(ctx, roomIdent)
	if err != nil {
		return err
	}

	var pionOpts []negotiation.PionOption
	if rt.cfg.WebRTC.Loopback {
		pionOpts = append(pionOpts, negotiation.WithLoopbackCandidates())
	}
	factory, err := negotiation.NewPionFactory(rt.cfg.WebRTC.STUNURLs, pionOpts...)
	if err != nil {
		return err
	}

	a := agent.New(agent.Config{
		RoomID: room.RoomID,
		UserID: userID,
		Name:   name,
		Avatar: avatar,
		Live:   live,
		Sync: playback.SyncConfig{
			Heartbeat:  rt.cfg.Sync.HeartbeatInterval,
			DriftCheck: rt.cfg.Sync.DriftCheck,
			Threshold:  rt.cfg.Sync.DriftThreshold,
		},
		Negotiation: negotiation.Config{
			Grace:          rt.cfg.Sync.SignalGrace,
			ConnectTimeout: rt.cfg.Sync.ConnectTimeout,
		},
	}, rt.svc, signaling.NewStreamRelay(rt.store, room.RoomID, rt.log), factory, rt.log)

	rt.log.Info("joining room", zap.String("room", room.RoomID), zap.String("user", userID), zap.Bool("live", live))
	return a.Run(ctx)
}
