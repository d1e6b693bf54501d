package udpdevice

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/skypro1111/pcm-recorder/internal/protocol"
)

// Sender is the producer side: it packs PCM into TLV audio packets and
// sends them to a UDP capture device.
type Sender struct {
	conn      net.Conn
	streamID  uint32
	direction uint8
	seq       uint32
}

// Dial connects a sender to addr
func Dial(addr string, streamID uint32, direction uint8) (*Sender, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Sender{conn: conn, streamID: streamID, direction: direction}, nil
}

// Send transmits one audio packet with the next sequence number
func (s *Sender) Send(pcm []byte) error {
	packet, err := protocol.MarshalAudio(s.streamID, s.direction, s.seq, pcm)
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(packet); err != nil {
		return fmt.Errorf("failed to send audio packet %d: %w", s.seq, err)
	}
	s.seq++
	return nil
}

// End tells the receiver the stream is complete
func (s *Sender) End() error {
	if _, err := s.conn.Write(protocol.MarshalEnd(s.streamID, s.direction, s.seq)); err != nil {
		return fmt.Errorf("failed to send end packet: %w", err)
	}
	return nil
}

// Stream sends pcm in packets of at most packetSize bytes, one every interval
// (0 sends as fast as possible), followed by an end packet. It returns the
// number of audio packets sent.
func (s *Sender) Stream(ctx context.Context, pcm []byte, packetSize int, interval time.Duration) (int, error) {
	if packetSize < 1 || packetSize > protocol.MaxAudioData {
		return 0, fmt.Errorf("packet size must be between 1 and %d, got %d", protocol.MaxAudioData, packetSize)
	}

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	sent := 0
	for off := 0; off < len(pcm); off += packetSize {
		end := min(off+packetSize, len(pcm))
		if err := s.Send(pcm[off:end]); err != nil {
			return sent, err
		}
		sent++

		if tick != nil && end < len(pcm) {
			select {
			case <-tick:
			case <-ctx.Done():
				return sent, ctx.Err()
			}
		}
	}

	return sent, s.End()
}

// Sequence returns the sequence number the next packet will carry
func (s *Sender) Sequence() uint32 {
	return s.seq
}

// Close releases the socket
func (s *Sender) Close() error {
	return s.conn.Close()
}
