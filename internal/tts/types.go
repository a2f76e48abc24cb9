package tts

import "context"

// Result is one text-to-speech synthesis outcome: decoded mono float32
// samples ready to attach to an audio_response event.
type Result struct {
	Samples      []float32
	SampleRate   int
	DurationS    float64
	ProcessingMs float64
}

// Client is the C1 adapter contract for text-to-speech: synthesize text
// under the given voice preset, failing with a model.AdapterError tagged
// with one of the uniform failure kinds.
type Client interface {
	Synthesize(ctx context.Context, text string, voicePreset string) (Result, error)
}
