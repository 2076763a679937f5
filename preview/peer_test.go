package preview

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

func TestNewPeer(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}

	peer, err := NewPeer("test-peer", config, nil, logger)
	if err != nil {
		t.Fatalf("Failed to create peer: %v", err)
	}
	defer peer.Close()

	if peer.ID() != "test-peer" {
		t.Errorf("Expected ID test-peer, got %s", peer.ID())
	}
	if peer.IsOpen() {
		t.Error("Expected channel closed before negotiation")
	}

	if err := peer.SendFrame([]byte(`{}`), []byte{0xff, 0xd8}); !errors.Is(err, ErrChannelNotOpen) {
		t.Errorf("SendFrame() error = %v, want ErrChannelNotOpen", err)
	}

	stats := peer.Stats()
	if stats["id"] != "test-peer" {
		t.Errorf("Expected stats id test-peer, got %v", stats["id"])
	}
	if stats["channel_open"] != false {
		t.Errorf("Expected channel_open false, got %v", stats["channel_open"])
	}
}

func TestChunks(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize int
		want      []int
	}{
		{"empty", 0, 4, nil},
		{"smaller than chunk", 3, 4, []int{3}},
		{"exact chunk", 4, 4, []int{4}},
		{"remainder", 10, 4, []int{4, 4, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Repeat([]byte{7}, tt.size)
			got := chunks(data, tt.chunkSize)

			if len(got) != len(tt.want) {
				t.Fatalf("chunks() returned %d chunks, want %d", len(got), len(tt.want))
			}
			var joined []byte
			for i, c := range got {
				if len(c) != tt.want[i] {
					t.Errorf("chunk %d has %d bytes, want %d", i, len(c), tt.want[i])
				}
				joined = append(joined, c...)
			}
			if !bytes.Equal(joined, data) {
				t.Error("Chunks do not reassemble the input")
			}
		})
	}
}
