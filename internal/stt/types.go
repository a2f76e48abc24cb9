package stt

import "context"

// Result is one speech-to-text transcription outcome.
type Result struct {
	Text         string
	Confidence   float64
	ProcessingMs float64
}

// Client is the C1 adapter contract for speech-to-text: transcribe one
// complete utterance blob, failing with a model.AdapterError tagged with
// one of the uniform failure kinds.
type Client interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error)
}
