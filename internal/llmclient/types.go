// Package llmclient implements the C1 multimodal LLM adapter: Respond
// drives one turn of conversation, optionally grounded in a screen image,
// and Summarise compresses older conversation turns for the memory store.
package llmclient

import (
	"context"

	"github.com/lexiqai/conversation-orchestrator/internal/audio"
	"github.com/lexiqai/conversation-orchestrator/internal/model"
)

// Request is everything the adapter needs to produce one reply.
type Request struct {
	UserText       string
	Memory         model.MemorySnapshot
	ScreenImage    *audio.ScreenImage
	SessionHint    string // optional heuristic hint from ScreenTriggerHeuristic
}

// Response is one LLM turn. ScreenCaptureRequested and Reason are set only
// when the model determined it needs a current screen image and none was
// supplied with the request.
type Response struct {
	Text                   string
	ProcessingMs           float64
	ScreenSummary          string
	ScreenCaptureRequested bool
	ScreenCaptureReason    string
}

// Client is the C1 adapter contract for the multimodal language model.
type Client interface {
	Respond(ctx context.Context, req Request) (Response, error)
}
