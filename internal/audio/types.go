// Package audio holds the plain data types that cross the /ws boundary for
// audio and vision. Voice-activity detection itself runs on the client; this
// package only validates and carries the verdict the client already computed.
package audio

import "fmt"

// VADVerdict is the voice-activity verdict the client attaches to every
// inbound audio frame. The server never recomputes it.
type VADVerdict struct {
	IsSpeaking bool    `json:"isSpeaking"`
	Energy     float64 `json:"energy"`
	Confidence float64 `json:"confidence"`
}

// Frame is one inbound audio_data message: a block of mono float32 PCM
// samples at the connection's negotiated sample rate, plus the client's VAD
// verdict for that block and, optionally, a screen capture taken alongside
// it.
type Frame struct {
	Samples     []float32
	SampleRate  int
	Verdict     VADVerdict
	ScreenImage *ScreenImage
	ReceivedAt  int64 // unix millis, stamped by the gateway on receipt
}

// Validate checks the structural invariants a frame must satisfy before it
// can be handed to the session aggregator: a non-empty sample slice and a
// positive sample rate. It does not second-guess the VAD verdict itself.
func (f Frame) Validate(expectedSampleRate int) error {
	if len(f.Samples) == 0 {
		return fmt.Errorf("audio frame has no samples")
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio frame has non-positive sample rate %d", f.SampleRate)
	}
	if expectedSampleRate > 0 && f.SampleRate != expectedSampleRate {
		return fmt.Errorf("audio frame sample rate %d does not match connection sample rate %d", f.SampleRate, expectedSampleRate)
	}
	return nil
}

// DurationSeconds returns how much audio this frame represents.
func (f Frame) DurationSeconds() float64 {
	if f.SampleRate <= 0 {
		return 0
	}
	return float64(len(f.Samples)) / float64(f.SampleRate)
}

// ScreenImage is an inline screen capture attached to a screen_capture_response
// message, or passed along to the LLM adapter for a vision-grounded reply.
type ScreenImage struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"` // decoded from the base64 the client sends
}
