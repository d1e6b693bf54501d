// Command sinkreceiver is a local endpoint for the webhook sink. It accepts
// recordings posted as multipart/form-data, checks the WAV header against
// the form fields, optionally saves the file and logs what it received.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/skypro1111/pcm-recorder/internal/audio"
)

// Receipt is the JSON response for an accepted recording
type Receipt struct {
	RecordingID string    `json:"recording_id"`
	Bytes       int       `json:"bytes"`
	SampleRate  uint32    `json:"sample_rate"`
	Channels    uint16    `json:"channels"`
	BitDepth    uint16    `json:"bit_depth"`
	Duration    float64   `json:"duration"`
	SavedAs     string    `json:"saved_as,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

type receiver struct {
	logger *slog.Logger
	dir    string
	apiKey string
}

func (rc *receiver) handleRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if rc.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+rc.apiKey {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	info, err := audio.Info(data)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid WAV file: %v", err), http.StatusUnprocessableEntity)
		return
	}

	id := r.FormValue("recording_id")
	if id == "" {
		id = r.Header.Get("X-Recording-ID")
	}

	// The form fields must describe the file they came with
	if sr, err := strconv.ParseUint(r.FormValue("sample_rate"), 10, 32); err == nil && uint32(sr) != info.SampleRate {
		http.Error(w, fmt.Sprintf("sample_rate %d does not match WAV header %d", sr, info.SampleRate), http.StatusUnprocessableEntity)
		return
	}
	if n, err := strconv.ParseUint(r.FormValue("payload_bytes"), 10, 64); err == nil && n != uint64(info.DataSize) {
		http.Error(w, fmt.Sprintf("payload_bytes %d does not match WAV header %d", n, info.DataSize), http.StatusUnprocessableEntity)
		return
	}

	receipt := Receipt{
		RecordingID: id,
		Bytes:       len(data),
		SampleRate:  info.SampleRate,
		Channels:    info.Channels,
		BitDepth:    info.BitsPerSample,
		Duration:    info.Duration.Seconds(),
		ReceivedAt:  time.Now().UTC(),
	}

	if rc.dir != "" {
		path := filepath.Join(rc.dir, filepath.Base(header.Filename))
		if err := os.WriteFile(path, data, 0644); err != nil {
			http.Error(w, "Error saving audio file", http.StatusInternalServerError)
			return
		}
		receipt.SavedAs = path
	}

	rc.logger.Info("Recording received",
		slog.String("recording_id", id),
		slog.String("filename", header.Filename),
		slog.Int("bytes", len(data)),
		slog.String("format", fmt.Sprintf("%d Hz, %d ch, %d bit", info.SampleRate, info.Channels, info.BitsPerSample)),
		slog.Duration("duration", info.Duration),
		slog.String("chunks", r.FormValue("chunks")),
		slog.String("started_at", r.FormValue("started_at")),
		slog.String("voice_percentage", r.FormValue("voice_percentage")),
		slog.String("saved_as", receipt.SavedAs),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(receipt)
}

func newRootCmd() *cobra.Command {
	var (
		addr   string
		dir    string
		apiKey string
	)

	cmd := &cobra.Command{
		Use:          "sinkreceiver",
		Short:        "Local endpoint for the recorder webhook sink",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.TimeOnly}))

			if dir != "" {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("failed to create directory: %w", err)
				}
			}

			rc := &receiver{logger: logger, dir: dir, apiKey: apiKey}
			mux := http.NewServeMux()
			mux.HandleFunc("/recordings", rc.handleRecording)

			logger.Info("Sink receiver starting",
				slog.String("endpoint", fmt.Sprintf("http://%s/recordings", addr)),
				slog.String("dir", dir),
			)
			return http.ListenAndServe(addr, mux)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:9000", "listen address")
	cmd.Flags().StringVar(&dir, "dir", "", "save received files to this directory")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "require this bearer token")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
