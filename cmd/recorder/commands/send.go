package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/pcm-recorder/internal/audio"
	"github.com/skypro1111/pcm-recorder/internal/capture/udpdevice"
	"github.com/skypro1111/pcm-recorder/internal/protocol"
)

var (
	sendAddr      string
	sendStreamID  uint32
	sendDirection string
	sendPacketMs  int
	sendRealtime  bool
)

var sendCmd = &cobra.Command{
	Use:   "send <file.wav>",
	Short: "Stream a WAV file to a UDP capture backend",
	Long: `Send the payload of a WAV file as TLV audio packets followed by an end
packet, the way a network audio producer would.

Examples:
  recorder send call.wav --addr 127.0.0.1:4000 --stream-id 7
  recorder send call.wav --realtime=false`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendAddr, "addr", "127.0.0.1:4000", "UDP address of the recorder")
	sendCmd.Flags().Uint32Var(&sendStreamID, "stream-id", 1, "stream identifier")
	sendCmd.Flags().StringVar(&sendDirection, "direction", "rx", "direction (rx or tx)")
	sendCmd.Flags().IntVar(&sendPacketMs, "packet-ms", 20, "audio per packet in milliseconds")
	sendCmd.Flags().BoolVar(&sendRealtime, "realtime", true, "pace packets at playback speed")
}

func parseDirection(s string) (uint8, error) {
	switch s {
	case "rx":
		return protocol.DirectionRX, nil
	case "tx":
		return protocol.DirectionTX, nil
	default:
		return 0, fmt.Errorf("direction must be rx or tx, got %q", s)
	}
}

// packetSize returns the bytes of packetMs audio, whole frames only, capped
// at the largest TLV audio payload
func packetSize(info *audio.WAVInfo, packetMs int) (int, error) {
	if packetMs < 1 {
		return 0, fmt.Errorf("packet-ms must be positive, got %d", packetMs)
	}
	align := int(info.BlockAlign)
	if align < 1 || info.ByteRate == 0 {
		return 0, fmt.Errorf("invalid header: byte rate %d, block align %d", info.ByteRate, info.BlockAlign)
	}

	size := int(info.ByteRate) * packetMs / 1000
	size -= size % align
	limit := protocol.MaxAudioData - protocol.MaxAudioData%align
	size = max(align, min(size, limit))
	return size, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	direction, err := parseDirection(sendDirection)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	info, err := audio.Info(data)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	pcm := data[audio.HeaderSize:]
	if uint64(len(pcm)) > uint64(info.DataSize) {
		pcm = pcm[:info.DataSize]
	}

	size, err := packetSize(info, sendPacketMs)
	if err != nil {
		return err
	}

	var interval time.Duration
	if sendRealtime {
		interval = time.Duration(size) * time.Second / time.Duration(info.ByteRate)
	}

	sender, err := udpdevice.Dial(sendAddr, sendStreamID, direction)
	if err != nil {
		return err
	}
	defer sender.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	sent, err := sender.Stream(ctx, pcm, size, interval)
	if err != nil {
		return fmt.Errorf("stopped after %d packets: %w", sent, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Sent %d packets (%d bytes, %s of audio) to %s in %s\n",
		sent, len(pcm), info.Duration, sendAddr, time.Since(start).Round(time.Millisecond))
	return nil
}
