// Package udpdevice captures PCM audio sent over UDP as TLV packets by a
// network producer such as a PBX media fork.
package udpdevice

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/pcm-recorder/internal/audio"
	"github.com/skypro1111/pcm-recorder/internal/capture"
	"github.com/skypro1111/pcm-recorder/internal/config"
	"github.com/skypro1111/pcm-recorder/internal/metrics"
	"github.com/skypro1111/pcm-recorder/internal/protocol"
)

// Options configures a UDP capture device
type Options struct {
	Address     string        // host:port to bind; port 0 picks a free port
	BufferSize  int           // socket read buffer and maximum datagram size
	StreamID    uint32        // 0 latches onto the first stream seen
	Direction   uint8         // protocol.DirectionRX/TX, 0 accepts both
	MaxGap      uint32        // packets to wait for a missing sequence number
	ReadTimeout time.Duration // read deadline step
}

// OptionsFromConfig converts the capture.udp configuration section
func OptionsFromConfig(c config.UDPConfig) Options {
	var dir uint8
	switch c.Direction {
	case "rx":
		dir = protocol.DirectionRX
	case "tx":
		dir = protocol.DirectionTX
	}

	return Options{
		Address:     net.JoinHostPort(c.BindAddress, fmt.Sprint(c.Port)),
		BufferSize:  c.BufferSize,
		StreamID:    c.StreamID,
		Direction:   dir,
		MaxGap:      uint32(c.JitterMaxGap),
		ReadTimeout: c.GetReadTimeoutDuration(),
	}
}

// Device is a capture.Device backed by a UDP socket. The socket is bound by
// Open and released by Close, so the port is only held while recording.
type Device struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	conn    *net.UDPConn
	closing chan struct{}
	wg      sync.WaitGroup
	jitter  *jitterBuffer
	handler capture.Handler

	streamID uint32
	received uint64
	parseErr uint64
	ignored  uint64
}

// Statistics represents socket statistics for monitoring
type Statistics struct {
	StreamID        uint32      `json:"stream_id"`
	PacketsReceived uint64      `json:"packets_received"`
	ParseErrors     uint64      `json:"parse_errors"`
	Ignored         uint64      `json:"ignored_packets"`
	Jitter          JitterStats `json:"jitter"`
}

// New creates a UDP capture device. It does not touch the network until Open.
func New(opts Options, logger *slog.Logger, m *metrics.Metrics) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 65536
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 250 * time.Millisecond
	}
	return &Device{
		opts:    opts,
		logger:  logger,
		metrics: m,
	}
}

// Open binds the socket and starts the receive loop
func (d *Device) Open(cfg audio.Configuration, h capture.Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		return capture.ErrAlreadyStarted
	}

	addr, err := net.ResolveUDPAddr("udp", d.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	if err := conn.SetReadBuffer(d.opts.BufferSize); err != nil {
		d.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", d.opts.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	d.conn = conn
	d.closing = make(chan struct{})
	d.jitter = newJitterBuffer(d.opts.MaxGap)
	d.handler = h
	d.streamID = d.opts.StreamID

	d.logger.Info("UDP capture listening",
		slog.String("address", conn.LocalAddr().String()),
		slog.String("format", cfg.String()),
	)

	d.wg.Add(1)
	go d.receiveLoop(conn, d.closing, h)

	return nil
}

// Close stops the receive loop and releases the socket. Packets held back
// waiting for a missing sequence are passed on before Close returns, and no
// handler calls happen after that.
func (d *Device) Close() error {
	d.mu.Lock()
	conn := d.conn
	closing := d.closing
	if conn == nil {
		d.mu.Unlock()
		return nil
	}
	d.conn = nil
	d.mu.Unlock()

	close(closing)
	err := conn.Close()
	d.wg.Wait()

	d.mu.Lock()
	ready, lost := d.jitter.flush()
	h := d.handler
	d.handler = nil
	d.mu.Unlock()

	if lost > 0 {
		d.metrics.RecordPacketsLost(lost)
		d.logger.Warn("Stream stopped with packets missing", slog.Int("lost", lost))
	}
	for _, p := range ready {
		h.Data(p)
	}

	stats := d.Statistics()
	d.logger.Info("UDP capture stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("lost_packets", stats.Jitter.Lost),
		slog.Uint64("late_packets", stats.Jitter.Late),
	)

	if err != nil {
		return fmt.Errorf("failed to close UDP socket: %w", err)
	}
	return nil
}

// LocalAddr returns the bound address, or nil when the device is not open
func (d *Device) LocalAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Statistics returns current socket and reordering statistics
func (d *Device) Statistics() Statistics {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Statistics{
		StreamID:        d.streamID,
		PacketsReceived: d.received,
		ParseErrors:     d.parseErr,
		Ignored:         d.ignored,
	}
	if d.jitter != nil {
		s.Jitter = d.jitter.stats()
	}
	return s
}

// receiveLoop reads datagrams until the producer ends the stream, the socket
// fails, or Close is called.
func (d *Device) receiveLoop(conn *net.UDPConn, closing <-chan struct{}, h capture.Handler) {
	defer d.wg.Done()

	buffer := make([]byte, d.opts.BufferSize)

	for {
		select {
		case <-closing:
			return
		default:
		}

		// Periodic deadline so a quiet socket still notices Close.
		if err := conn.SetReadDeadline(time.Now().Add(d.opts.ReadTimeout)); err != nil {
			if isClosing(closing) {
				return
			}
			h.End(fmt.Errorf("set read deadline: %w", err))
			return
		}

		n, remoteAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if isClosing(closing) {
				return
			}
			d.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			h.End(fmt.Errorf("udp read: %w", err))
			return
		}

		if d.handlePacket(buffer[:n], remoteAddr, h) {
			return
		}
	}
}

// handlePacket processes one datagram and reports whether the stream ended.
func (d *Device) handlePacket(data []byte, remoteAddr *net.UDPAddr, h capture.Handler) bool {
	d.metrics.RecordPacketReceived()

	packet, err := protocol.ParsePacket(data)

	d.mu.Lock()
	d.received++
	if err != nil {
		d.parseErr++
		d.mu.Unlock()
		d.metrics.RecordParseError()
		d.logger.Warn("Failed to parse packet",
			slog.String("remote_addr", remoteAddr.String()),
			slog.Int("packet_size", len(data)),
			slog.String("error", err.Error()),
		)
		return false
	}

	if !d.accepts(packet.Header) {
		d.ignored++
		d.mu.Unlock()
		d.logger.Debug("Ignoring packet from another stream",
			slog.String("header", packet.Header.String()),
		)
		return false
	}

	var ready [][]byte
	var lost int
	ended := false

	switch packet.Header.PacketType {
	case protocol.PacketTypeAudio:
		ready, lost = d.jitter.push(packet.Audio.Sequence, packet.Audio.AudioData)
	case protocol.PacketTypeEnd:
		ready, lost = d.jitter.flush()
		ended = true
	}
	d.mu.Unlock()

	if lost > 0 {
		d.metrics.RecordPacketsLost(lost)
		d.logger.Warn("Gave up waiting for missing packets",
			slog.Uint64("stream_id", uint64(packet.Header.StreamID)),
			slog.Int("lost", lost),
		)
	}

	for _, p := range ready {
		h.Data(p)
	}

	if ended {
		d.logger.Info("Producer ended stream",
			slog.Uint64("stream_id", uint64(packet.Header.StreamID)),
			slog.Uint64("next_sequence", uint64(packet.End.NextSequence)),
		)
		h.End(nil)
	}
	return ended
}

// accepts filters by stream and direction, latching the first stream seen
// when no stream id is configured. Caller holds d.mu.
func (d *Device) accepts(header *protocol.Header) bool {
	if d.opts.Direction != 0 && header.Direction != d.opts.Direction {
		return false
	}
	if d.streamID == 0 {
		d.streamID = header.StreamID
		d.logger.Info("Latched onto stream", slog.Uint64("stream_id", uint64(header.StreamID)))
	}
	return header.StreamID == d.streamID
}

func isClosing(closing <-chan struct{}) bool {
	select {
	case <-closing:
		return true
	default:
		return false
	}
}
