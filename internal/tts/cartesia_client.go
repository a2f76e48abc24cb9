package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/conversation-orchestrator/internal/config"
	"github.com/lexiqai/conversation-orchestrator/internal/model"
	"github.com/lexiqai/conversation-orchestrator/internal/resilience"
)

// outputSampleRate is the rate we ask Cartesia to render at; it becomes
// the connection's audio_response sample rate directly, no resampling.
const outputSampleRate = 16000

// CartesiaClient implements Client using Cartesia's TTS REST API.
type CartesiaClient struct {
	apiKey         string
	apiURL         string
	modelID        string
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
	logger         zerolog.Logger
}

// NewCartesiaClient creates a new Cartesia TTS client.
func NewCartesiaClient(cfg *config.Config, logger zerolog.Logger) *CartesiaClient {
	return &CartesiaClient{
		apiKey:  cfg.CartesiaAPIKey,
		apiURL:  "https://api.cartesia.ai/tts/bytes",
		modelID: cfg.CartesiaModelID,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.StageDeadlineTTSSeconds) * time.Second,
		},
		circuitBreaker: resilience.NewCircuitBreaker(
			"cartesia",
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
	}
}

type cartesiaRequest struct {
	ModelID       string             `json:"model_id"`
	Transcript    string             `json:"transcript"`
	Voice         cartesiaVoiceRef   `json:"voice"`
	OutputFormat  cartesiaOutputSpec `json:"output_format"`
	Language      string             `json:"language,omitempty"`
}

type cartesiaVoiceRef struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputSpec struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// Synthesize renders text to mono float32 PCM at outputSampleRate, retried
// and circuit-broken per the uniform C1 adapter contract.
func (c *CartesiaClient) Synthesize(ctx context.Context, text string, voicePreset string) (Result, error) {
	started := time.Now()

	var result Result
	err := resilience.Retry(func() error {
		r, callErr := c.synthesizeOnce(ctx, text, voicePreset)
		if callErr != nil {
			return callErr
		}
		result = r
		return nil
	}, c.retryConfig, func(err error) bool {
		return model.KindOf(err).Retryable()
	})

	if err != nil {
		return Result{}, err
	}

	result.ProcessingMs = float64(time.Since(started).Milliseconds())
	return result, nil
}

func (c *CartesiaClient) synthesizeOnce(ctx context.Context, text string, voicePreset string) (Result, error) {
	var result Result

	cbErr := c.circuitBreaker.Call(func() error {
		reqBody := cartesiaRequest{
			ModelID:    c.modelID,
			Transcript: text,
			Voice:      cartesiaVoiceRef{Mode: "id", ID: voicePreset},
			OutputFormat: cartesiaOutputSpec{
				Container:  "raw",
				Encoding:   "pcm_f32le",
				SampleRate: outputSampleRate,
			},
		}

		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return model.NewAdapterError("tts", model.ErrInternal, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewBuffer(jsonData))
		if err != nil {
			return model.NewAdapterError("tts", model.ErrInternal, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Cartesia-Version", "2024-06-10")
		req.Header.Set("X-API-Key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return model.NewAdapterError("tts", model.ErrTimeout, err)
			}
			return model.NewAdapterError("tts", model.ErrUpstreamUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
			return model.NewAdapterError("tts", model.ErrUpstreamRejected, fmt.Errorf("cartesia returned status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 500 {
			return model.NewAdapterError("tts", model.ErrUpstreamUnavailable, fmt.Errorf("cartesia returned status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return model.NewAdapterError("tts", model.ErrInvalidInput, fmt.Errorf("cartesia returned status %d", resp.StatusCode))
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return model.NewAdapterError("tts", model.ErrUpstreamUnavailable, err)
		}
		if len(raw) == 0 {
			return model.NewAdapterError("tts", model.ErrUpstreamUnavailable, fmt.Errorf("cartesia returned empty audio"))
		}

		samples := decodeFloat32LE(raw)
		result = Result{
			Samples:    samples,
			SampleRate: outputSampleRate,
			DurationS:  float64(len(samples)) / float64(outputSampleRate),
		}
		return nil
	})

	if cbErr != nil {
		return Result{}, cbErr
	}
	return result, nil
}

func decodeFloat32LE(raw []byte) []float32 {
	n := len(raw) / 4
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}
