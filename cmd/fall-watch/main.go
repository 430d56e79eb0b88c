package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/ward-safety/internal/detector"
	"github.com/fpang/ward-safety/internal/logging"
	"github.com/fpang/ward-safety/internal/overlay"
	"github.com/fpang/ward-safety/internal/posestream"
	"github.com/fpang/ward-safety/internal/report"
)

var version = "dev"

// CLI flags
var (
	inputFlag        string
	roomFlag         int64
	cooldownFlag     time.Duration
	indicatorFlag    time.Duration
	intervalFlag     time.Duration
	reportURLFlag    string
	deviceSecretFlag string
	snapshotDirFlag  string
	maxDimFlag       int
)

var rootCmd = &cobra.Command{
	Use:   "fall-watch",
	Short: "Watch a pose stream for falls",
	Long: `Fall Watch runs fall detection over keypoints produced by an external
pose estimator. Each input line is one frame in JSON; see the posestream
package for the format. Input is read from --input or stdin.

Detected falls are logged. With --report-url each fall is also posted to
the ward server, which records an accident and alerts the nurse station.
With --snapshot-dir an overlay PNG of the fall frame is written.

Examples:
  estimator --camera 0 | fall-watch --room 3
  fall-watch -i recording.jsonl --room 3 --snapshot-dir ./falls
  fall-watch --room 3 --report-url http://ward.local:8080 --cooldown 30s`,
	RunE:         runMain,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVarP(&inputFlag, "input", "i", "", "JSONL pose file (default stdin)")
	rootCmd.Flags().Int64Var(&roomFlag, "room", 0, "Room ID the camera watches (required with --report-url)")
	rootCmd.Flags().DurationVar(&cooldownFlag, "cooldown", detector.DefaultCooldown, "Minimum time between reported falls")
	rootCmd.Flags().DurationVar(&indicatorFlag, "indicator", detector.DefaultIndicatorDuration, "How long the fall indicator stays lit")
	rootCmd.Flags().DurationVar(&intervalFlag, "interval", 0, "Pause between frames (0 = as fast as input arrives)")
	rootCmd.Flags().StringVar(&reportURLFlag, "report-url", "", "Ward server base URL to report falls to")
	rootCmd.Flags().StringVar(&deviceSecretFlag, "device-secret", os.Getenv("WARD_DEVICE_SECRET"), "Secret used to sign fall reports")
	rootCmd.Flags().StringVar(&snapshotDirFlag, "snapshot-dir", "", "Directory for overlay PNGs of detected falls")
	rootCmd.Flags().IntVar(&maxDimFlag, "max-dimension", overlay.DefaultMaxDimension, "Longest side of overlay snapshots in pixels")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) error {
	start := time.Now()
	logging.Init()

	if reportURLFlag != "" && roomFlag <= 0 {
		return errors.New("--room is required with --report-url")
	}

	var in io.Reader = os.Stdin
	if inputFlag != "" {
		f, err := os.Open(inputFlag)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var client reporter
	if reportURLFlag != "" {
		client = report.NewClient(reportURLFlag, deviceSecretFlag)
	}
	var renderer *overlay.Renderer
	var hooks detector.Hooks
	if snapshotDirFlag != "" {
		renderer = overlay.NewRenderer(maxDimFlag)
		hooks.Renderer = renderer
	}

	d := newDispatcher(roomFlag, client, renderer, snapshotDirFlag)
	hooks.OnFallDetected = d.Enqueue
	go d.Run(ctx)

	stream := posestream.New(in)
	loop := detector.New(stream, stream, detector.Config{
		Cooldown:          cooldownFlag,
		IndicatorDuration: indicatorFlag,
		FrameInterval:     intervalFlag,
	}, hooks)

	logging.NewStartupLogger("fall-watch").
		Version(version).
		Feature("report", client != nil).
		Feature("snapshots", renderer != nil).
		Config("input", inputName(inputFlag)).
		Config("room", fmt.Sprint(roomFlag)).
		Config("cooldown", cooldownFlag.String()).
		InitDuration(time.Since(start)).
		Log()

	runErr := loop.Run(ctx)
	d.Close()

	snap := loop.Snapshot()
	log.Info().
		Uint64("frames", snap.FramesProcessed).
		Uint64("falls", snap.FallsFired).
		Uint64("suppressed", snap.FallsSuppressed).
		Int("reported", d.Reported()).
		Msg("Fall watch finished")
	return runErr
}

func inputName(path string) string {
	if path == "" {
		return "stdin"
	}
	return path
}
