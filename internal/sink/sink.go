package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/skypro1111/pcm-recorder/internal/session"
)

// ErrNoAudio is returned when a sink is handed a failed recording
var ErrNoAudio = errors.New("recording has no audio to deliver")

// Sink is a destination for finished recordings
type Sink interface {
	Name() string
	Deliver(ctx context.Context, res *session.Result) error
}

// ObjectName returns the file name used for a recording by every sink:
// UTC start time followed by the recording id.
func ObjectName(res *session.Result) string {
	return fmt.Sprintf("%s-%s.wav", res.StartedAt.UTC().Format("20060102T150405Z"), res.ID)
}

func checkResult(res *session.Result) error {
	if res == nil || !res.OK() {
		return ErrNoAudio
	}
	return nil
}
