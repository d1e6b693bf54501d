package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/pcm-recorder/internal/audio"
	"github.com/skypro1111/pcm-recorder/internal/capture/udpdevice"
	"github.com/skypro1111/pcm-recorder/internal/config"
	"github.com/skypro1111/pcm-recorder/internal/session"
)

var (
	recordOut        string
	recordDuration   time.Duration
	recordBackend    string
	recordSampleRate uint32
	recordChannels   uint16
	recordBitDepth   uint16
	recordNoDeliver  bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record once and write a WAV file",
	Long: `Record from the configured capture backend until the duration elapses,
the stream ends or Ctrl-C is pressed, then write the WAV file and deliver it
to the configured sinks.

Examples:
  recorder record -o memo.wav -d 10s
  recorder record --backend udp -o call.wav`,
	Args: cobra.NoArgs,
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().StringVarP(&recordOut, "out", "o", "recording.wav", "output WAV file")
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0, "stop after this long (0 records until Ctrl-C or end of stream)")
	recordCmd.Flags().StringVar(&recordBackend, "backend", "", "override capture.backend (device, udp)")
	recordCmd.Flags().Uint32Var(&recordSampleRate, "sample-rate", 0, "override audio.sample_rate")
	recordCmd.Flags().Uint16Var(&recordChannels, "channels", 0, "override audio.channels")
	recordCmd.Flags().Uint16Var(&recordBitDepth, "bit-depth", 0, "override audio.bit_depth")
	recordCmd.Flags().BoolVar(&recordNoDeliver, "no-deliver", false, "skip the configured sinks")
}

func runRecord(cmd *cobra.Command, args []string) error {
	holder, logger, _, err := setup(cmd)
	if err != nil {
		return err
	}

	cfg := *holder.Get()
	if recordBackend != "" {
		cfg.Capture.Backend = recordBackend
		if err := cfg.Capture.Validate(); err != nil {
			return fmt.Errorf("--backend: %w", err)
		}
	}
	if cfg.Capture.Backend == config.BackendWebSocket {
		return fmt.Errorf("the websocket backend records through 'recorder serve'")
	}

	a, err := newApp(config.NewHolder(holder.Path(), &cfg), logger)
	if err != nil {
		return err
	}

	opts := cfg.Audio.Options()
	if recordSampleRate != 0 {
		opts.SampleRate = recordSampleRate
	}
	if recordChannels != 0 {
		opts.Channels = recordChannels
	}
	if recordBitDepth != 0 {
		opts.BitDepth = recordBitDepth
	}

	dev, err := a.newDevice(&cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, cfg.Capture.GetOpenTimeoutDuration())
	rec, err := a.controller.Start(openCtx, opts, dev)
	cancel()
	if err != nil {
		return err
	}

	if udp, ok := dev.(*udpdevice.Device); ok {
		logger.Info("Waiting for TLV packets", slog.String("address", udp.LocalAddr().String()))
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Recording %s (%s), press Ctrl-C to stop\n", rec.ID, rec.Config)

	var timeout <-chan time.Time
	if recordDuration > 0 {
		timer := time.NewTimer(recordDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
	case <-timeout:
	case <-rec.Done():
	}
	a.controller.Stop()

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.GetStopTimeoutDuration())
	defer cancel()
	res, err := rec.Wait(waitCtx)
	if err != nil {
		return fmt.Errorf("recording did not finish: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("recording failed: %w", res.Err)
	}

	if err := writeWave(recordOut, res.Wave); err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), recordOut, res)

	if recordNoDeliver || len(a.sinks) == 0 {
		return nil
	}

	deliverCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := a.dispatcher.Deliver(deliverCtx, res); err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Delivered to %v\n", sinkNames(a.sinks))
	return nil
}

// writeWave writes the recording to path, creating parent directories
func writeWave(path string, wave *audio.WaveFile) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := wave.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func printSummary(w io.Writer, path string, res *session.Result) {
	fmt.Fprintf(w, "Saved %s\n", path)
	fmt.Fprintf(w, "  ID:       %s\n", res.ID)
	fmt.Fprintf(w, "  Format:   %s\n", res.Config)
	fmt.Fprintf(w, "  Duration: %s\n", res.Wave.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  Size:     %d bytes (%d chunks)\n", res.Wave.Len(), res.Chunks)
	if res.LateChunks > 0 {
		fmt.Fprintf(w, "  Late:     %d chunks arrived after stop\n", res.LateChunks)
	}
	if res.Levels != nil {
		fmt.Fprintf(w, "  Level:    %.1f dBFS RMS, %.1f dBFS peak\n", res.Levels.RMSDBFS, res.Levels.PeakDBFS)
		fmt.Fprintf(w, "  Voice:    %.1f%%\n", res.Levels.VoicePercentage)
	}
}
