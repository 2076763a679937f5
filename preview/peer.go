package preview

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ChannelLabel is the data channel viewers open to receive frames
const ChannelLabel = "preview"

const (
	chunkSize   = 16 * 1024
	maxBuffered = 1024 * 1024
)

// ErrChannelNotOpen is returned when sending before the viewer's channel opened
var ErrChannelNotOpen = errors.New("preview channel not open")

// Peer manages the connection to one viewer
type Peer struct {
	id     string
	pc     *webrtc.PeerConnection
	logger *zap.Logger
	onOpen func(*Peer)

	mu   sync.RWMutex
	dc   *webrtc.DataChannel
	open bool

	framesSent    atomic.Int64
	framesDropped atomic.Int64
	bytesSent     atomic.Int64
}

// NewPeer creates the peer connection for a viewer. onOpen runs when the
// viewer's preview channel opens.
func NewPeer(id string, config webrtc.Configuration, onOpen func(*Peer), logger *zap.Logger) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &Peer{
		id:     id,
		pc:     pc,
		logger: logger.With(zap.String("peer_id", id)),
		onOpen: onOpen,
	}
	p.setupEventHandlers()

	p.logger.Info("Peer connection created")
	return p, nil
}

func (p *Peer) setupEventHandlers() {
	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Debug("ICE connection state changed", zap.String("state", state.String()))
	})

	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			p.logger.Debug("Ignoring data channel", zap.String("label", dc.Label()))
			return
		}

		p.mu.Lock()
		p.dc = dc
		p.mu.Unlock()

		dc.OnOpen(func() {
			p.mu.Lock()
			p.open = true
			p.mu.Unlock()

			p.logger.Info("Preview channel open")
			if p.onOpen != nil {
				p.onOpen(p)
			}
		})
		dc.OnClose(func() {
			p.mu.Lock()
			p.open = false
			p.mu.Unlock()
			p.logger.Info("Preview channel closed")
		})
	})
}

// Answer applies the viewer's offer and returns the local answer
func (p *Peer) Answer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	return &answer, nil
}

// AddICECandidate adds a remote ICE candidate
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// OnICECandidate sets the local ICE candidate handler
func (p *Peer) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(handler)
}

// OnConnectionStateChange sets the connection state handler
func (p *Peer) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(handler)
}

// IsOpen reports whether the preview channel is open
func (p *Peer) IsOpen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.open
}

// SendFrame sends the frame header followed by the JPEG in chunks. Frames
// are dropped while the channel is backed up.
func (p *Peer) SendFrame(header []byte, jpeg []byte) error {
	p.mu.RLock()
	dc, open := p.dc, p.open
	p.mu.RUnlock()

	if !open || dc == nil {
		return ErrChannelNotOpen
	}

	if dc.BufferedAmount() > maxBuffered {
		p.framesDropped.Add(1)
		return nil
	}

	if err := dc.SendText(string(header)); err != nil {
		return fmt.Errorf("failed to send frame header: %w", err)
	}
	for _, chunk := range chunks(jpeg, chunkSize) {
		if err := dc.Send(chunk); err != nil {
			return fmt.Errorf("failed to send frame chunk: %w", err)
		}
	}

	p.framesSent.Add(1)
	p.bytesSent.Add(int64(len(jpeg)))
	return nil
}

// Stats returns connection statistics
func (p *Peer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"id":                   p.id,
		"connection_state":     p.pc.ConnectionState().String(),
		"ice_connection_state": p.pc.ICEConnectionState().String(),
		"signaling_state":      p.pc.SignalingState().String(),
		"channel_open":         p.IsOpen(),
		"frames_sent":          p.framesSent.Load(),
		"frames_dropped":       p.framesDropped.Load(),
		"bytes_sent":           p.bytesSent.Load(),
	}
}

// ID returns the peer ID
func (p *Peer) ID() string {
	return p.id
}

// Close closes the peer connection
func (p *Peer) Close() error {
	p.mu.Lock()
	p.open = false
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		p.logger.Error("Error closing peer connection", zap.Error(err))
		return err
	}
	p.logger.Info("Peer connection closed")
	return nil
}

// chunks splits data into slices of at most size bytes
func chunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}
