package audio

import (
	"fmt"
	"math"
	"time"
)

// PCM format constants
const (
	FormatPCM uint16 = 1

	DefaultSampleRate uint32 = 44100
	DefaultChannels   uint16 = 2
	DefaultBitDepth   uint16 = 16

	MaxChannels = 8
)

// Options carries the optional, partially-defaulted recording parameters.
// Zero values select the defaults.
type Options struct {
	SampleRate uint32 `json:"sample_rate" yaml:"sample_rate"`
	Channels   uint16 `json:"channels" yaml:"channels"`
	BitDepth   uint16 `json:"bit_depth" yaml:"bit_depth"`
	Format     uint16 `json:"format,omitempty" yaml:"format"`
}

// Configuration is a validated recording configuration. Fields are only
// reachable through accessors. The zero value has format 0 and is rejected
// by the encoder.
type Configuration struct {
	sampleRate uint32
	channels   uint16
	bitDepth   uint16
	format     uint16
}

// DefaultConfiguration returns 44.1kHz stereo 16-bit PCM
func DefaultConfiguration() Configuration {
	return Configuration{
		sampleRate: DefaultSampleRate,
		channels:   DefaultChannels,
		bitDepth:   DefaultBitDepth,
		format:     FormatPCM,
	}
}

// NewConfiguration applies defaults to opts and validates the result.
func NewConfiguration(opts Options) (Configuration, error) {
	cfg := Configuration{
		sampleRate: opts.SampleRate,
		channels:   opts.Channels,
		bitDepth:   opts.BitDepth,
		format:     opts.Format,
	}
	if cfg.sampleRate == 0 {
		cfg.sampleRate = DefaultSampleRate
	}
	if cfg.channels == 0 {
		cfg.channels = DefaultChannels
	}
	if cfg.bitDepth == 0 {
		cfg.bitDepth = DefaultBitDepth
	}
	if cfg.format == 0 {
		cfg.format = FormatPCM
	}

	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for combinations the WAV encoder cannot represent.
func (c Configuration) Validate() error {
	if c.format != FormatPCM {
		return fmt.Errorf("%w: format %d (only PCM=1 is supported)", ErrUnsupportedFormat, c.format)
	}

	if c.sampleRate == 0 {
		return fmt.Errorf("%w: sample rate must be positive", ErrInvalidConfiguration)
	}

	if c.channels < 1 || c.channels > MaxChannels {
		return fmt.Errorf("%w: channels must be between 1 and %d, got %d",
			ErrInvalidConfiguration, MaxChannels, c.channels)
	}

	switch c.bitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("%w: bit depth must be 8, 16, 24 or 32, got %d", ErrInvalidConfiguration, c.bitDepth)
	}

	byteRate := uint64(c.sampleRate) * uint64(c.channels) * uint64(c.bitDepth) / 8
	if byteRate > math.MaxUint32 {
		return fmt.Errorf("%w: byte rate %d overflows 32 bits", ErrInvalidConfiguration, byteRate)
	}

	return nil
}

// SampleRate returns the sample rate in Hz
func (c Configuration) SampleRate() uint32 { return c.sampleRate }

// Channels returns the channel count
func (c Configuration) Channels() uint16 { return c.channels }

// BitDepth returns bits per sample
func (c Configuration) BitDepth() uint16 { return c.bitDepth }

// Format returns the WAV audio format code
func (c Configuration) Format() uint16 { return c.format }

// ByteRate returns sampleRate * channels * bitDepth / 8.
func (c Configuration) ByteRate() uint32 {
	return uint32(uint64(c.sampleRate) * uint64(c.channels) * uint64(c.bitDepth) / 8)
}

// BlockAlign returns the size in bytes of one multi-channel sample frame.
func (c Configuration) BlockAlign() uint16 {
	return c.channels * c.bitDepth / 8
}

// Duration returns the playback duration of n payload bytes.
func (c Configuration) Duration(n uint64) time.Duration {
	rate := c.ByteRate()
	if rate == 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(rate) * float64(time.Second))
}

// BytesInDuration returns the payload size of d, rounded down to whole frames.
func (c Configuration) BytesInDuration(d time.Duration) uint64 {
	frames := uint64(c.sampleRate) * uint64(d) / uint64(time.Second)
	return frames * uint64(c.BlockAlign())
}

// Options returns the configuration as plain options.
func (c Configuration) Options() Options {
	return Options{
		SampleRate: c.sampleRate,
		Channels:   c.channels,
		BitDepth:   c.bitDepth,
		Format:     c.format,
	}
}

// String returns a media-type style description, e.g. "audio/L16; rate=44100; channels=2".
func (c Configuration) String() string {
	return fmt.Sprintf("audio/L%d; rate=%d; channels=%d", c.bitDepth, c.sampleRate, c.channels)
}
