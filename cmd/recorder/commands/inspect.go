package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/skypro1111/pcm-recorder/internal/audio"
)

var inspectJSON bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.wav>...",
	Short: "Print the header of a WAV file",
	Long: `Parse the 44-byte header of each file and report its format, duration and
whether the sizes in the header agree with the file on disk.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "print JSON")
}

// inspection is the report for one file
type inspection struct {
	Path       string         `json:"path"`
	Info       *audio.WAVInfo `json:"info"`
	DiskBytes  int64          `json:"disk_bytes"`
	Consistent bool           `json:"consistent"`
}

func inspectFile(path string) (*inspection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	info, err := audio.Info(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &inspection{
		Path:       path,
		Info:       info,
		DiskBytes:  int64(len(data)),
		Consistent: info.FileSize == uint64(len(data)) && uint64(info.DataSize)+audio.HeaderSize == uint64(len(data)),
	}, nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	reports := make([]*inspection, 0, len(args))
	for _, path := range args {
		r, err := inspectFile(path)
		if err != nil {
			return err
		}
		reports = append(reports, r)
	}

	out := cmd.OutOrStdout()
	if inspectJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}

	for _, r := range reports {
		printInspection(out, r)
	}
	return nil
}

func printInspection(w io.Writer, r *inspection) {
	fmt.Fprintf(w, "%s\n", r.Path)
	fmt.Fprintf(w, "  Format:      PCM %d Hz, %d ch, %d bit\n", r.Info.SampleRate, r.Info.Channels, r.Info.BitsPerSample)
	fmt.Fprintf(w, "  Byte rate:   %d (block align %d)\n", r.Info.ByteRate, r.Info.BlockAlign)
	fmt.Fprintf(w, "  Data:        %d bytes, %d frames\n", r.Info.DataSize, r.Info.Frames)
	fmt.Fprintf(w, "  Duration:    %s\n", r.Info.Duration)
	fmt.Fprintf(w, "  File:        %d bytes in header, %d on disk\n", r.Info.FileSize, r.DiskBytes)
	if !r.Consistent {
		fmt.Fprintln(w, "  Warning:     header sizes do not match the file")
	}
}
