package llmclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/conversation-orchestrator/internal/config"
	"github.com/lexiqai/conversation-orchestrator/internal/model"
	"github.com/lexiqai/conversation-orchestrator/internal/resilience"
)

// screenCaptureSentinel is the token the model is instructed to emit when
// it needs a current screen image and none was supplied. The adapter
// strips it from the user-visible text before returning.
const screenCaptureSentinel = "[REQUEST_SCREEN_CAPTURE]"

const systemPrompt = `You are a helpful voice assistant with optional access to the user's screen.
If answering the user requires seeing their current screen and no screen image was provided
with this message, respond with the single token %s followed by a short reason on the same
line, and nothing else. Otherwise answer normally and concisely, as this response will be
spoken aloud.`

const summarisePrompt = `Summarise the following conversation turns into a concise running
summary that preserves the important facts and the user's intent. If an existing summary is
given, fold the new turns into it rather than replacing it outright.`

// GeminiClient implements Client and memory.Summariser using Google's
// unified genai SDK against the Gemini multimodal model.
type GeminiClient struct {
	client         *genai.Client
	model          string
	maxTokens      int32
	temperature    float32
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
	logger         zerolog.Logger
}

// NewGeminiClient creates a Gemini-backed LLM adapter.
func NewGeminiClient(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &GeminiClient{
		client:      client,
		model:       cfg.GeminiModel,
		maxTokens:   int32(cfg.GeminiMaxTokens),
		temperature: float32(cfg.GeminiTemp),
		circuitBreaker: resilience.NewCircuitBreaker(
			"gemini",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        time.Duration(cfg.RetryMaxBackoffMs) * time.Millisecond,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: logger,
	}, nil
}

// Respond drives one multimodal conversation turn.
func (g *GeminiClient) Respond(ctx context.Context, req Request) (Response, error) {
	started := time.Now()

	var resp Response
	err := resilience.Retry(func() error {
		r, callErr := g.respondOnce(ctx, req)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	}, g.retryConfig, func(err error) bool {
		return model.KindOf(err).Retryable()
	})
	if err != nil {
		return Response{}, err
	}

	resp.ProcessingMs = float64(time.Since(started).Milliseconds())
	return resp, nil
}

func (g *GeminiClient) respondOnce(ctx context.Context, req Request) (Response, error) {
	var resp Response

	cbErr := g.circuitBreaker.Call(func() error {
		parts := []*genai.Part{genai.NewPartFromText(buildUserMessage(req))}
		if req.ScreenImage != nil {
			parts = append(parts, genai.NewPartFromBytes(req.ScreenImage.Data, req.ScreenImage.MIMEType))
		}

		contents := buildHistoryContents(req.Memory)
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))

		system := fmt.Sprintf(systemPrompt, screenCaptureSentinel)
		genConfig := &genai.GenerateContentConfig{
			MaxOutputTokens:   g.maxTokens,
			Temperature:       &g.temperature,
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}

		result, err := g.client.Models.GenerateContent(ctx, g.model, contents, genConfig)
		if err != nil {
			if ctx.Err() != nil {
				return model.NewAdapterError("llm", model.ErrTimeout, err)
			}
			return model.NewAdapterError("llm", model.ErrUpstreamUnavailable, err)
		}

		text := extractText(result)
		if text == "" {
			return model.NewAdapterError("llm", model.ErrUpstreamRejected, fmt.Errorf("gemini returned no candidates"))
		}

		if req.ScreenImage == nil && strings.Contains(text, screenCaptureSentinel) {
			reason := strings.TrimSpace(strings.Replace(text, screenCaptureSentinel, "", 1))
			resp = Response{
				ScreenCaptureRequested: true,
				ScreenCaptureReason:    reason,
			}
			return nil
		}

		resp = Response{Text: text}
		return nil
	})

	if cbErr != nil {
		return Response{}, cbErr
	}
	return resp, nil
}

// Summarise implements memory.Summariser, folding the given turns into
// the existing rolling summary via the same model and retry policy.
func (g *GeminiClient) Summarise(ctx context.Context, existingSummary string, turns []model.ConversationTurn) (string, error) {
	var newSummary string

	err := resilience.Retry(func() error {
		s, callErr := g.summariseOnce(ctx, existingSummary, turns)
		if callErr != nil {
			return callErr
		}
		newSummary = s
		return nil
	}, g.retryConfig, func(err error) bool {
		return model.KindOf(err).Retryable()
	})
	return newSummary, err
}

func (g *GeminiClient) summariseOnce(ctx context.Context, existingSummary string, turns []model.ConversationTurn) (string, error) {
	var summary string

	cbErr := g.circuitBreaker.Call(func() error {
		var sb strings.Builder
		if existingSummary != "" {
			sb.WriteString("Existing summary: ")
			sb.WriteString(existingSummary)
			sb.WriteString("\n\n")
		}
		for _, t := range turns {
			sb.WriteString("User: ")
			sb.WriteString(t.UserText)
			sb.WriteString("\nAssistant: ")
			sb.WriteString(t.AssistantText)
			sb.WriteString("\n")
		}

		contents := []*genai.Content{genai.NewContentFromText(sb.String(), genai.RoleUser)}
		genConfig := &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(summarisePrompt, genai.RoleUser),
		}

		result, err := g.client.Models.GenerateContent(ctx, g.model, contents, genConfig)
		if err != nil {
			if ctx.Err() != nil {
				return model.NewAdapterError("llm", model.ErrTimeout, err)
			}
			return model.NewAdapterError("llm", model.ErrUpstreamUnavailable, err)
		}

		summary = extractText(result)
		if summary == "" {
			return model.NewAdapterError("llm", model.ErrUpstreamRejected, fmt.Errorf("gemini returned no summary"))
		}
		return nil
	})

	if cbErr != nil {
		return "", cbErr
	}
	return summary, nil
}

func buildUserMessage(req Request) string {
	var sb strings.Builder
	sb.WriteString(req.UserText)
	if req.SessionHint != "" {
		sb.WriteString("\n\n(context hint: ")
		sb.WriteString(req.SessionHint)
		sb.WriteString(")")
	}
	if req.Memory.TimeInfo != "" {
		sb.WriteString("\n\n(current time: ")
		sb.WriteString(req.Memory.TimeInfo)
		sb.WriteString(")")
	}
	if req.Memory.AppInfo != "" {
		sb.WriteString("\n(active application: ")
		sb.WriteString(req.Memory.AppInfo)
		sb.WriteString(")")
	}
	return sb.String()
}

func buildHistoryContents(snap model.MemorySnapshot) []*genai.Content {
	var contents []*genai.Content
	if snap.Summary != "" {
		contents = append(contents, genai.NewContentFromText("Earlier conversation summary: "+snap.Summary, genai.RoleUser))
	}
	for _, t := range snap.RecentTurns {
		contents = append(contents, genai.NewContentFromText(t.UserText, genai.RoleUser))
		contents = append(contents, genai.NewContentFromText(t.AssistantText, genai.RoleModel))
	}
	return contents
}

func extractText(result *genai.GenerateContentResponse) string {
	if result == nil {
		return ""
	}
	return strings.TrimSpace(result.Text())
}
