package codec_test

import (
	"testing"

	"github.com/voicegate/gateway/internal/codec"
)

func TestNew_RejectsInvalidFrameDuration(t *testing.T) {
	t.Parallel()
	if _, err := codec.New(50); err == nil {
		t.Fatal("New(50): want error for unsupported frame duration")
	}
}

func TestFrameSamples(t *testing.T) {
	t.Parallel()
	cases := map[int]int{20: 320, 40: 640, 60: 960}
	for ms, want := range cases {
		if got := codec.FrameSamples(ms); got != want {
			t.Errorf("FrameSamples(%d): got %d, want %d", ms, got, want)
		}
	}
}

func TestDecode_EmptyPacketIsEndOfInputSentinel(t *testing.T) {
	t.Parallel()
	c, err := codec.New(60)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pcm, err := c.Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil): unexpected error: %v", err)
	}
	if pcm != nil {
		t.Errorf("Decode(nil): got %v, want nil", pcm)
	}
}

func TestEncode_RoundTripPreservesFrameDuration(t *testing.T) {
	t.Parallel()
	c, err := codec.New(60)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pcm := make([]byte, codec.FrameSamples(60)*2) // silence, full frame
	packet, err := c.Encode(pcm)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(packet) == 0 {
		t.Fatal("Encode: got empty Opus packet")
	}

	decoded, err := c.Decode(packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded) != len(pcm) {
		t.Errorf("round trip sample count: got %d bytes, want %d", len(decoded), len(pcm))
	}
}

func TestEncode_PadsShortResidualBlock(t *testing.T) {
	t.Parallel()
	c, err := codec.New(60)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Half a frame's worth of PCM — must be zero-padded, not rejected.
	short := make([]byte, codec.FrameSamples(60))
	if _, err := c.Encode(short); err != nil {
		t.Fatalf("Encode(short residual): unexpected error: %v", err)
	}
}

func TestValidFrameDuration(t *testing.T) {
	t.Parallel()
	for _, ms := range []int{20, 40, 60} {
		if !codec.ValidFrameDuration(ms) {
			t.Errorf("ValidFrameDuration(%d): want true", ms)
		}
	}
	for _, ms := range []int{0, 10, 100} {
		if codec.ValidFrameDuration(ms) {
			t.Errorf("ValidFrameDuration(%d): want false", ms)
		}
	}
}
