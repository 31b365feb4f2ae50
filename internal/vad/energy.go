// Package vad implements an energy-threshold voice activity detector with a
// hangover window, the concrete engine behind pkg/provider/vad.Engine.
//
// The teacher repo only ever consumed the vad.Engine interface against a
// mock; no concrete implementation existed to ground this package on, so its
// shape follows the interface's own documented contract (synchronous,
// per-session state, safe for concurrent sessions) rather than a specific
// teacher file.
package vad

import (
	"fmt"
	"math"
	"sync"

	"github.com/voicegate/gateway/pkg/provider/vad"
)

// Engine is an energy-threshold VAD backend. It requires no external model
// and no warm-up; NewSession is cheap and may be called freely.
type Engine struct{}

// NewEngine constructs an energy-threshold VAD engine.
func NewEngine() *Engine { return &Engine{} }

var _ vad.Engine = (*Engine)(nil)

// NewSession creates a session with the given configuration.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("vad: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("vad: frame size must be positive, got %d", cfg.FrameSizeMs)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("vad: silence threshold %.3f must be <= speech threshold %.3f", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}

	expectedBytes := 2 * cfg.SampleRate * cfg.FrameSizeMs / 1000

	return &session{
		cfg:           cfg,
		expectedBytes: expectedBytes,
		hangoverMs:    400,
	}, nil
}

// session is a stateful energy-threshold VAD session. It tracks whether
// speech is currently active and how long the signal has been below the
// silence threshold (the hangover counter) before declaring speech-end.
//
// Not safe for concurrent use by multiple goroutines; callers must serialize
// access per the vad.SessionHandle contract.
type session struct {
	mu sync.Mutex

	cfg           vad.Config
	expectedBytes int
	hangoverMs    int

	speaking      bool
	silenceRunMs  int
	closed        bool
}

var _ vad.SessionHandle = (*session)(nil)

// ProcessFrame computes the RMS energy of the frame, normalizes it to a
// [0,1] probability, and applies the hangover state machine: entering speech
// requires one frame above SpeechThreshold; leaving speech requires the
// silence run to accumulate at least hangoverMs of sub-SilenceThreshold
// frames.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.VADEvent{}, fmt.Errorf("vad: session closed")
	}
	if len(frame) != s.expectedBytes {
		return vad.VADEvent{}, fmt.Errorf("vad: frame size %d bytes, want %d", len(frame), s.expectedBytes)
	}

	prob := energyProbability(frame)

	switch {
	case !s.speaking && prob >= s.cfg.SpeechThreshold:
		s.speaking = true
		s.silenceRunMs = 0
		return vad.VADEvent{Type: vad.VADSpeechStart, Probability: prob}, nil

	case s.speaking && prob < s.cfg.SilenceThreshold:
		s.silenceRunMs += s.cfg.FrameSizeMs
		if s.silenceRunMs >= s.hangoverMs {
			s.speaking = false
			s.silenceRunMs = 0
			return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: prob}, nil
		}
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: prob}, nil

	case s.speaking:
		s.silenceRunMs = 0
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: prob}, nil

	default:
		return vad.VADEvent{Type: vad.VADSilence, Probability: prob}, nil
	}
}

// Reset clears the speaking/hangover state without closing the session.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.silenceRunMs = 0
}

// Close marks the session closed. Safe to call more than once.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// energyProbability computes a normalized RMS energy for a little-endian
// int16 PCM frame, treated as a speech probability. Full-scale RMS (a
// frame of max-amplitude samples) maps to 1.0.
func energyProbability(frame []byte) float64 {
	if len(frame) < 2 {
		return 0
	}
	var sumSq float64
	n := len(frame) / 2
	for i := 0; i < n; i++ {
		s := int16(frame[i*2]) | int16(frame[i*2+1])<<8
		f := float64(s)
		sumSq += f * f
	}
	meanSq := sumSq / float64(n)
	rms := math.Sqrt(meanSq)
	const fullScale = 32768.0
	prob := rms / fullScale
	if prob > 1 {
		prob = 1
	}
	return prob
}
