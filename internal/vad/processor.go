package vad

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/skypro1111/pcm-recorder/internal/audio"
)

// silenceFloorDB is reported for digital silence instead of -Inf
const silenceFloorDB = -120.0

// referenceLevel is the window RMS (full scale = 1.0) that maps to voice
// probability 1.0. Roughly 10000 on a 16-bit scale.
const referenceLevel = 0.3

// Processor computes level statistics and energy-based voice activity over a
// finished recording. It holds no per-recording state and is safe for
// concurrent use.
type Processor struct {
	threshold float32
	window    time.Duration
	smoothing float32
}

// Levels summarizes the signal of one recording
type Levels struct {
	RMSDBFS         float64   `json:"rms_dbfs"`
	PeakDBFS        float64   `json:"peak_dbfs"`
	ClippedSamples  uint64    `json:"clipped_samples"`
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	Segments        []Segment `json:"segments,omitempty"`
}

// Segment is a continuous stretch of voice activity, as offsets from the
// start of the recording
type Segment struct {
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float32       `json:"confidence"`
}

// Duration returns the segment length
func (s Segment) Duration() time.Duration {
	return s.End - s.Start
}

// NewProcessor creates a level processor. threshold is the smoothed voice
// probability above which a window counts as voice; window is the analysis
// window length.
func NewProcessor(threshold float32, window time.Duration) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %v", window)
	}

	return &Processor{
		threshold: threshold,
		window:    window,
		smoothing: 0.5,
	}, nil
}

// Threshold returns the voice detection threshold
func (p *Processor) Threshold() float32 {
	return p.threshold
}

// Analyze walks the payload in capture order. Chunk boundaries may split a
// sample frame; the decoder carries partial frames across chunks.
func (p *Processor) Analyze(cfg audio.Configuration, payload [][]byte) (*Levels, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bytesPerSample := int(cfg.BitDepth() / 8)
	channels := int(cfg.Channels())
	frameSize := bytesPerSample * channels

	windowFrames := int(uint64(cfg.SampleRate()) * uint64(p.window) / uint64(time.Second))
	if windowFrames < 1 {
		windowFrames = 1
	}

	var (
		levels     Levels
		sumSquares float64
		samples    uint64
		peak       float64

		winSquares float64
		winFrames  int
		frameIndex uint64

		lastProb float32
		current  *Segment
		confSum  float32
		confN    int
	)

	closeWindow := func() {
		if winFrames == 0 {
			return
		}
		rms := math.Sqrt(winSquares / float64(winFrames*channels))

		prob := float32(math.Min(rms/referenceLevel, 1))
		if levels.TotalWindows > 0 {
			prob = p.smoothing*prob + (1-p.smoothing)*lastProb
		}
		lastProb = prob

		hasVoice := prob >= p.threshold
		levels.TotalWindows++

		start := frameDuration(frameIndex-uint64(winFrames), cfg.SampleRate())
		end := frameDuration(frameIndex, cfg.SampleRate())

		// Confidence grows with distance from the threshold
		confidence := float32(math.Abs(float64(prob - p.threshold)))
		if confidence > 0.5 {
			confidence = 0.5
		}
		confidence *= 2

		if hasVoice {
			levels.VoiceWindows++
			if current == nil {
				current = &Segment{Start: start}
				confSum, confN = 0, 0
			}
			current.End = end
			confSum += confidence
			confN++
		} else if current != nil {
			current.Confidence = confSum / float32(confN)
			levels.Segments = append(levels.Segments, *current)
			current = nil
		}

		winSquares = 0
		winFrames = 0
	}

	carry := make([]byte, 0, frameSize)
	consumeFrame := func(frame []byte) {
		for ch := 0; ch < channels; ch++ {
			v := decodeSample(frame[ch*bytesPerSample:(ch+1)*bytesPerSample], bytesPerSample)
			a := math.Abs(v)
			if a > peak {
				peak = a
			}
			if a >= 1 {
				levels.ClippedSamples++
			}
			sumSquares += v * v
			winSquares += v * v
			samples++
		}
		winFrames++
		frameIndex++
		if winFrames == windowFrames {
			closeWindow()
		}
	}

	for _, chunk := range payload {
		data := chunk
		if len(carry) > 0 {
			need := frameSize - len(carry)
			if len(data) < need {
				carry = append(carry, data...)
				continue
			}
			carry = append(carry, data[:need]...)
			consumeFrame(carry)
			carry = carry[:0]
			data = data[need:]
		}
		for len(data) >= frameSize {
			consumeFrame(data[:frameSize])
			data = data[frameSize:]
		}
		carry = append(carry, data...)
	}
	closeWindow()

	if current != nil {
		current.Confidence = confSum / float32(confN)
		levels.Segments = append(levels.Segments, *current)
	}

	levels.PeakDBFS = toDBFS(peak)
	if samples > 0 {
		levels.RMSDBFS = toDBFS(math.Sqrt(sumSquares / float64(samples)))
	} else {
		levels.RMSDBFS = silenceFloorDB
	}
	if levels.TotalWindows > 0 {
		levels.VoicePercentage = float64(levels.VoiceWindows) / float64(levels.TotalWindows) * 100
	}

	return &levels, nil
}

// decodeSample converts one little-endian PCM sample to [-1, 1]. 8-bit PCM
// is unsigned, wider formats are signed.
func decodeSample(b []byte, size int) float64 {
	switch size {
	case 1:
		return (float64(b[0]) - 128) / 128
	case 2:
		return float64(int16(binary.LittleEndian.Uint16(b))) / 32768
	case 3:
		v := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
		return float64(v) / 8388608
	case 4:
		return float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648
	}
	return 0
}

func toDBFS(v float64) float64 {
	if v <= 0 {
		return silenceFloorDB
	}
	db := 20 * math.Log10(v)
	if db < silenceFloorDB {
		return silenceFloorDB
	}
	return db
}

func frameDuration(frames uint64, sampleRate uint32) time.Duration {
	return time.Duration(frames * uint64(time.Second) / uint64(sampleRate))
}
