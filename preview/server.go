// Package preview is the station's live camera preview. Viewers connect over
// WebSocket signaling and receive JPEG frames on a WebRTC data channel; the
// Server doubles as the binder.Surface the capture sessions bind to.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"scan-station/binder"
	"scan-station/compress"
	"scan-station/config"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var (
	ErrNoSource       = errors.New("no preview source")
	ErrSourceChanged  = errors.New("preview source changed")
	ErrTooManyViewers = errors.New("too many preview viewers")
	ErrStopped        = errors.New("preview server stopped")
)

// FrameHeader precedes the binary chunks of every frame on the data channel
type FrameHeader struct {
	Type   string `json:"type"`
	Seq    uint64 `json:"seq"`
	Bytes  int    `json:"bytes"`
	Chunks int    `json:"chunks"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Server manages preview viewers and streams the bound source to them
type Server struct {
	cfg          config.PreviewConfig
	logger       *zap.Logger
	webrtcConfig webrtc.Configuration
	signaling    *SignalingServer
	encoder      *compress.Compressor

	mu         sync.RWMutex
	peers      map[string]*Peer
	source     binder.Stream
	canPlay    []func()
	visibility binder.Visibility
	streamStop context.CancelFunc
	streaming  bool

	seq    atomic.Uint64
	frames atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a preview server
func NewServer(cfg config.PreviewConfig, allowedOrigins []string, logger *zap.Logger) *Server {
	if cfg.FPS <= 0 {
		cfg.FPS = 10
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 60
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = 640
	}

	iceServers := []webrtc.ICEServer{}
	if len(cfg.STUNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: cfg.STUNServers})
	}
	if len(cfg.TURNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       cfg.TURNServers,
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNCredential,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:          cfg,
		logger:       logger.With(zap.String("component", "preview")),
		webrtcConfig: webrtc.Configuration{ICEServers: iceServers},
		encoder: compress.New([]config.CompressionLevel{
			{MaxDimension: cfg.MaxDimension, Quality: float64(cfg.Quality) / 100},
		}),
		peers:  make(map[string]*Peer),
		ctx:    ctx,
		cancel: cancel,
	}

	s.signaling = NewSignalingServer(allowedOrigins, cfg.SendBufferSize, s.logger)
	s.signaling.SetHandlers(s.handleOffer, s.handleICECandidate, s.handleDisconnect)

	s.logger.Info("Preview server created",
		zap.Int("stun_servers", len(cfg.STUNServers)),
		zap.Int("turn_servers", len(cfg.TURNServers)),
		zap.Int("fps", cfg.FPS),
		zap.Int("max_viewers", cfg.MaxViewers))

	return s
}

// HandleWebSocket serves the signaling endpoint
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.signaling.HandleWebSocket(w, r)
}

// handleOffer answers a viewer's offer with a fresh peer connection
func (s *Server) handleOffer(client *SignalingClient, offer webrtc.SessionDescription) error {
	id := client.ID()
	s.logger.Info("Received offer from viewer", zap.String("client_id", id))

	// A repeated offer renegotiates from scratch
	s.removePeer(id)

	peer, err := NewPeer(id, s.webrtcConfig, s.peerOpened, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		peer.Close()
		return ErrStopped
	}
	if s.cfg.MaxViewers > 0 && len(s.peers) >= s.cfg.MaxViewers {
		s.mu.Unlock()
		peer.Close()
		return fmt.Errorf("%w: limit %d", ErrTooManyViewers, s.cfg.MaxViewers)
	}
	s.peers[id] = peer
	visibility := s.visibility
	s.mu.Unlock()

	peer.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if err := client.SendICECandidate(candidate); err != nil {
			s.logger.Warn("Failed to send ICE candidate",
				zap.String("client_id", id),
				zap.Error(err))
		}
	})

	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info("Peer connection state changed",
			zap.String("client_id", id),
			zap.String("state", state.String()))

		if state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.removeIfCurrent(id, peer)
		}
	})

	answer, err := peer.Answer(offer)
	if err != nil {
		s.removeIfCurrent(id, peer)
		return err
	}

	if err := client.SendAnswer(*answer); err != nil {
		s.removeIfCurrent(id, peer)
		return fmt.Errorf("failed to send answer: %w", err)
	}

	if visibility != "" {
		client.sendMessage("visibility", visibilityMessage(visibility))
	}

	s.logger.Info("Preview connection negotiated", zap.String("client_id", id))
	return nil
}

// handleICECandidate adds a viewer's ICE candidate to its peer
func (s *Server) handleICECandidate(client *SignalingClient, candidate webrtc.ICECandidateInit) error {
	s.mu.RLock()
	peer, exists := s.peers[client.ID()]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("no peer connection found for client %s", client.ID())
	}
	return peer.AddICECandidate(candidate)
}

func (s *Server) handleDisconnect(client *SignalingClient) {
	s.removePeer(client.ID())
}

// peerOpened runs when a viewer's preview channel opens
func (s *Server) peerOpened(p *Peer) {
	s.mu.RLock()
	fns := append([]func(){}, s.canPlay...)
	s.mu.RUnlock()

	s.logger.Info("Viewer ready", zap.String("peer_id", p.ID()), zap.Int("waiting", len(fns)))
	for _, fn := range fns {
		fn()
	}
}

func (s *Server) removePeer(id string) {
	s.mu.Lock()
	peer, exists := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()

	if exists {
		peer.Close()
		s.logger.Info("Peer removed", zap.String("client_id", id))
	}
}

func (s *Server) removeIfCurrent(id string, peer *Peer) {
	s.mu.Lock()
	current := s.peers[id] == peer
	if current {
		delete(s.peers, id)
	}
	s.mu.Unlock()

	if current {
		peer.Close()
		s.logger.Info("Peer removed", zap.String("client_id", id))
	}
}

// SetSource attaches stream, stopping the stream of any previous source.
// Pending ready callbacks belong to the previous source and are dropped.
func (s *Server) SetSource(stream binder.Stream) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrStopped
	}
	stop := s.streamStop
	s.streamStop = nil
	s.streaming = false
	s.source = stream
	s.canPlay = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	return nil
}

// SetVisibility pushes the display mode to every viewer
func (s *Server) SetVisibility(v binder.Visibility) {
	s.mu.Lock()
	s.visibility = v
	s.mu.Unlock()

	s.signaling.BroadcastMessage("visibility", visibilityMessage(v))
}

// OnCanPlay registers fn for the next viewer whose channel opens. If a viewer
// is already open fn also runs right away.
func (s *Server) OnCanPlay(fn func()) {
	s.mu.Lock()
	s.canPlay = append(s.canPlay, fn)
	open := s.openPeersLocked() > 0
	s.mu.Unlock()

	if open {
		go fn()
	}
}

// Play verifies the source delivers frames and starts streaming it
func (s *Server) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	src, streaming := s.source, s.streaming
	s.mu.RUnlock()

	if src == nil {
		return ErrNoSource
	}
	if streaming {
		return nil
	}

	first, err := src.ReadFrame()
	if err != nil {
		return fmt.Errorf("preview source not readable: %w", err)
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.source != src {
		s.mu.Unlock()
		return ErrSourceChanged
	}
	if s.streaming {
		s.mu.Unlock()
		return nil
	}
	streamCtx, stop := context.WithCancel(s.ctx)
	s.streamStop = stop
	s.streaming = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.stream(streamCtx, src, first)
	return nil
}

// stream publishes frames from src until it ends or is replaced
func (s *Server) stream(ctx context.Context, src binder.Stream, first image.Image) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.source == src {
			s.streaming = false
			s.streamStop = nil
		}
		s.mu.Unlock()
	}()

	s.logger.Info("Preview stream started", zap.Int("fps", s.cfg.FPS))

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()

	s.publish(first)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Preview stream stopped")
			return
		case <-ticker.C:
		}

		if src.LiveTracks() == 0 {
			s.streamEnded("tracks ended")
			return
		}

		img, err := src.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.streamEnded(err.Error())
			return
		}
		s.publish(img)
	}
}

func (s *Server) streamEnded(reason string) {
	s.logger.Info("Preview stream ended", zap.String("reason", reason))
	s.signaling.BroadcastMessage("stream-ended", map[string]string{"reason": reason})
}

// publish encodes img once and sends it to every open viewer
func (s *Server) publish(img image.Image) {
	peers := s.openPeers()
	if len(peers) == 0 {
		return
	}

	frame, err := s.encoder.CompressImage(img, "frame", 0)
	if err != nil {
		s.logger.Warn("Failed to encode preview frame", zap.Error(err))
		return
	}

	header, err := json.Marshal(FrameHeader{
		Type:   "frame",
		Seq:    s.seq.Add(1),
		Bytes:  len(frame.Data),
		Chunks: len(chunks(frame.Data, chunkSize)),
		Width:  frame.Width,
		Height: frame.Height,
	})
	if err != nil {
		s.logger.Warn("Failed to marshal frame header", zap.Error(err))
		return
	}

	for _, p := range peers {
		if err := p.SendFrame(header, frame.Data); err != nil {
			s.logger.Debug("Failed to send preview frame",
				zap.String("peer_id", p.ID()),
				zap.Error(err))
		}
	}
	s.frames.Add(1)
}

func (s *Server) openPeers() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.IsOpen() {
			peers = append(peers, p)
		}
	}
	return peers
}

func (s *Server) openPeersLocked() int {
	n := 0
	for _, p := range s.peers {
		if p.IsOpen() {
			n++
		}
	}
	return n
}

// Stop closes every viewer and stops streaming
func (s *Server) Stop() error {
	s.logger.Info("Stopping preview server")

	s.mu.Lock()
	s.cancel()
	peers := s.peers
	s.peers = make(map[string]*Peer)
	s.source = nil
	s.canPlay = nil
	s.streaming = false
	s.streamStop = nil
	s.mu.Unlock()

	s.wg.Wait()

	for _, peer := range peers {
		peer.Close()
	}
	s.signaling.Close()

	s.logger.Info("Preview server stopped")
	return nil
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peerStats := make(map[string]interface{})
	for id, peer := range s.peers {
		peerStats[id] = peer.Stats()
	}

	return map[string]interface{}{
		"is_streaming":    s.streaming,
		"has_source":      s.source != nil,
		"visibility":      string(s.visibility),
		"peer_count":      len(s.peers),
		"open_peers":      s.openPeersLocked(),
		"client_count":    s.signaling.ClientCount(),
		"frames_streamed": s.frames.Load(),
		"peers":           peerStats,
	}
}

// PeerCount returns the number of connected peers
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// IsStreaming reports whether a source is being streamed
func (s *Server) IsStreaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streaming
}

func visibilityMessage(v binder.Visibility) map[string]string {
	return map[string]string{"mode": string(v)}
}
