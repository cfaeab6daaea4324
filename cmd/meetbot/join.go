package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/breeze-rmm/meetbot/internal/logging"
	"github.com/breeze-rmm/meetbot/internal/orchestrator"
	"github.com/breeze-rmm/meetbot/internal/runstore"
)

var (
	joinDuration  time.Duration
	joinNoCapture bool
	joinKeepMic   bool
	joinKeepCam   bool
)

var joinCmd = &cobra.Command{
	Use:   "join <meeting-code-or-link>",
	Short: "Join one meeting in the foreground and print the run result",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(joinMeeting(cmd, args[0]))
	},
}

func init() {
	joinCmd.Flags().DurationVar(&joinDuration, "duration", 0, "time to stay in the call (default run.default_duration)")
	joinCmd.Flags().BoolVar(&joinNoCapture, "no-capture", false, "do not record audio")
	joinCmd.Flags().BoolVar(&joinKeepMic, "keep-mic", false, "leave the microphone on")
	joinCmd.Flags().BoolVar(&joinKeepCam, "keep-camera", false, "leave the camera on")
	rootCmd.AddCommand(joinCmd)
}

// joinRequest maps the command line onto a run request. Only flags the user
// actually set override configuration.
func joinRequest(cmd *cobra.Command, meeting string) orchestrator.Request {
	req := orchestrator.Request{Duration: joinDuration}
	if strings.Contains(meeting, "://") {
		req.MeetingLink = meeting
	} else {
		req.MeetingID = meeting
	}
	flags := cmd.Flags()
	if flags.Changed("no-capture") {
		capture := !joinNoCapture
		req.Capture = &capture
	}
	if flags.Changed("keep-mic") {
		mute := !joinKeepMic
		req.MuteMicrophone = &mute
	}
	if flags.Changed("keep-camera") {
		disable := !joinKeepCam
		req.DisableCamera = &disable
	}
	return req
}

func joinMeeting(cmd *cobra.Command, meeting string) int {
	cfg, err := loadConfig()
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		fatalf("Failed to start: %v", err)
	}
	defer a.Close()

	// The ledger is shared with a running service; skip it when locked.
	store, err := runstore.Open(runstore.Path(cfg.DataDir), cfg.Agent.RunHistoryLimit)
	if err != nil {
		log.Warn("run not recorded in history", logging.KeyError, err)
	} else {
		defer store.Close()
	}

	id := uuid.NewString()
	result := a.orch.Run(ctx, id, joinRequest(cmd, meeting), func(r *orchestrator.RunResult) {
		if store != nil {
			if err := store.Save(r); err != nil {
				log.Warn("failed to record run progress", logging.KeyError, err)
			}
		}
	})
	if store != nil {
		if err := store.Save(result); err != nil {
			log.Warn("failed to record run", logging.KeyError, err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(result)

	switch result.Status {
	case orchestrator.StatusJoined:
		return 0
	case orchestrator.StatusCancelled:
		return 130
	default:
		return 1
	}
}
