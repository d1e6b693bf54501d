package audio

import (
	"errors"
	"testing"
	"time"
)

func TestNewConfigurationDefaults(t *testing.T) {
	cfg, err := NewConfiguration(Options{})
	if err != nil {
		t.Fatalf("NewConfiguration failed: %v", err)
	}

	if cfg != DefaultConfiguration() {
		t.Errorf("Expected defaults, got %s", cfg)
	}
	if cfg.Format() != FormatPCM {
		t.Errorf("Expected PCM format, got %d", cfg.Format())
	}
}

func TestNewConfigurationPartialDefaults(t *testing.T) {
	cfg, err := NewConfiguration(Options{SampleRate: 16000})
	if err != nil {
		t.Fatalf("NewConfiguration failed: %v", err)
	}

	if cfg.SampleRate() != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", cfg.SampleRate())
	}
	if cfg.Channels() != DefaultChannels {
		t.Errorf("Expected default channels, got %d", cfg.Channels())
	}
	if cfg.BitDepth() != DefaultBitDepth {
		t.Errorf("Expected default bit depth, got %d", cfg.BitDepth())
	}
}

func TestNewConfigurationValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr error
	}{
		{"valid mono 8-bit", Options{SampleRate: 8000, Channels: 1, BitDepth: 8}, nil},
		{"valid 32-bit", Options{SampleRate: 96000, Channels: 2, BitDepth: 32}, nil},
		{"non-PCM format", Options{Format: 3}, ErrUnsupportedFormat},
		{"too many channels", Options{Channels: 9}, ErrInvalidConfiguration},
		{"odd bit depth", Options{BitDepth: 12}, ErrInvalidConfiguration},
		{"byte rate overflow", Options{SampleRate: 4_000_000_000, Channels: 8, BitDepth: 32}, ErrInvalidConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfiguration(tt.opts)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigurationDerivedValues(t *testing.T) {
	cfg := mustConfig(t, Options{SampleRate: 48000, Channels: 2, BitDepth: 24})

	if cfg.ByteRate() != 288000 {
		t.Errorf("Expected byte rate 288000, got %d", cfg.ByteRate())
	}
	if cfg.BlockAlign() != 6 {
		t.Errorf("Expected block align 6, got %d", cfg.BlockAlign())
	}
	if d := cfg.Duration(288000); d != time.Second {
		t.Errorf("Expected 1s, got %v", d)
	}
	if n := cfg.BytesInDuration(10 * time.Millisecond); n != 2880 {
		t.Errorf("Expected 2880 bytes in 10ms, got %d", n)
	}
	if s := cfg.String(); s != "audio/L24; rate=48000; channels=2" {
		t.Errorf("Unexpected string: %s", s)
	}

	again, err := NewConfiguration(cfg.Options())
	if err != nil {
		t.Fatalf("NewConfiguration from Options failed: %v", err)
	}
	if again != cfg {
		t.Errorf("Options round trip changed configuration: %s vs %s", again, cfg)
	}
}

func TestZeroConfigurationRejected(t *testing.T) {
	var zero Configuration
	if err := zero.Validate(); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
	if zero.Duration(100) != 0 {
		t.Error("Expected zero duration for zero configuration")
	}
}
