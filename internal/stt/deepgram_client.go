package stt

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/conversation-orchestrator/internal/config"
	"github.com/lexiqai/conversation-orchestrator/internal/model"
	"github.com/lexiqai/conversation-orchestrator/internal/resilience"
)

// messageCallbackHandler adapts Deepgram's callback-style streaming API to
// a single result delivered over a channel, since each DeepgramClient call
// transcribes exactly one utterance then tears the session down.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	results chan<- finalResult
}

type finalResult struct {
	text       string
	confidence float64
	err        error
}

func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return nil
	}
	alt := msg.Channel.Alternatives[0]
	if !msg.IsFinal || alt.Transcript == "" {
		return nil
	}
	select {
	case m.results <- finalResult{text: alt.Transcript, confidence: alt.Confidence}:
	default:
	}
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	select {
	case m.results <- finalResult{err: fmt.Errorf("deepgram error: %+v", errorResponse)}:
	default:
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramClient implements Client by opening a short-lived Deepgram
// streaming session per utterance: write the whole blob, await the final
// transcript, then finish the session.
type DeepgramClient struct {
	cfg            *config.Config
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
	logger         zerolog.Logger
}

// NewDeepgramClient creates a new Deepgram per-utterance transcription client.
func NewDeepgramClient(cfg *config.Config, logger zerolog.Logger) *DeepgramClient {
	return &DeepgramClient{
		cfg: cfg,
		circuitBreaker: resilience.NewCircuitBreaker(
			"deepgram",
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

// Transcribe sends one complete utterance to Deepgram and waits for the
// final transcript, retried and circuit-broken per the uniform contract.
func (d *DeepgramClient) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	if len(samples) == 0 {
		return Result{}, model.NewAdapterError("stt", model.ErrInvalidInput, fmt.Errorf("empty audio buffer"))
	}

	started := time.Now()

	var result Result
	err := resilience.Retry(func() error {
		r, callErr := d.transcribeOnce(ctx, samples, sampleRate)
		if callErr != nil {
			return callErr
		}
		result = r
		return nil
	}, d.retryConfig, func(err error) bool {
		return model.KindOf(err).Retryable()
	})
	if err != nil {
		return Result{}, err
	}

	result.ProcessingMs = float64(time.Since(started).Milliseconds())
	if result.Text == "" {
		return result, model.NewAdapterError("stt", model.ErrEmptyTranscription, nil)
	}
	return result, nil
}

func (d *DeepgramClient) transcribeOnce(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	var result Result

	cbErr := d.circuitBreaker.Call(func() error {
		results := make(chan finalResult, 4)

		sessionCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		tOptions := &interfaces.LiveTranscriptionOptions{
			Model:          d.cfg.DeepgramModel,
			Language:       d.cfg.DeepgramLanguage,
			Punctuate:      true,
			InterimResults: false,
			Encoding:       "linear16",
			Channels:       1,
			SampleRate:     sampleRate,
		}

		callback := &messageCallbackHandler{
			DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
			results:                results,
		}

		client, err := listenClient.NewWSUsingCallback(sessionCtx, d.cfg.DeepgramAPIKey, nil, tOptions, callback)
		if err != nil {
			return model.NewAdapterError("stt", model.ErrUpstreamUnavailable, err)
		}

		pcm := encodeLinear16(samples)
		if _, err := client.Write(pcm); err != nil {
			client.Finish()
			return model.NewAdapterError("stt", model.ErrUpstreamUnavailable, err)
		}
		client.Finish()

		select {
		case r := <-results:
			if r.err != nil {
				return model.NewAdapterError("stt", model.ErrUpstreamUnavailable, r.err)
			}
			result = Result{Text: r.text, Confidence: r.confidence}
			return nil
		case <-ctx.Done():
			return model.NewAdapterError("stt", model.ErrTimeout, ctx.Err())
		}
	})

	if cbErr != nil {
		return Result{}, cbErr
	}
	return result, nil
}

// encodeLinear16 converts [-1, 1] float32 samples to little-endian signed
// 16-bit PCM, the encoding Deepgram's linear16 option expects.
func encodeLinear16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(v))
	}
	return out
}
