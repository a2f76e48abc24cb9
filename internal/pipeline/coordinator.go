// Package pipeline implements the per-connection inference pipeline
// coordinator (C4): given a completed speech session, it drives
// STT -> LLM -> TTS, enforces at-most-one in-flight job with the
// preemption policy, and handles the screen-capture-on-demand round trip.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/conversation-orchestrator/internal/audio"
	"github.com/lexiqai/conversation-orchestrator/internal/llmclient"
	"github.com/lexiqai/conversation-orchestrator/internal/memory"
	"github.com/lexiqai/conversation-orchestrator/internal/model"
	"github.com/lexiqai/conversation-orchestrator/internal/observability"
	"github.com/lexiqai/conversation-orchestrator/internal/stt"
	"github.com/lexiqai/conversation-orchestrator/internal/tts"
)

// Config bounds one coordinator's stage deadlines and defaults.
type Config struct {
	STTDeadline           time.Duration
	LLMDeadline           time.Duration
	TTSDeadline           time.Duration
	ScreenCaptureDeadline time.Duration
	VoicePreset           string
}

// Coordinator drives the STT -> LLM -> TTS pipeline for one connection.
// It is the single mutator of its own state; the gateway's reader task is
// its only caller for Submit and SubmitScreenCaptureResponse.
type Coordinator struct {
	stt       stt.Client
	llm       llmclient.Client
	tts       tts.Client
	mem       *memory.Store
	heuristic llmclient.ScreenTriggerHeuristic
	cfg       Config
	events    chan<- model.OutboundEvent
	logger    zerolog.Logger

	mu              sync.Mutex
	activeCancel    context.CancelFunc
	activeGen       uint64
	activeCommitted bool
	queued          *model.SpeechSession
	wg              sync.WaitGroup

	screenMu   sync.Mutex
	screenWait chan *audio.ScreenImage
}

// New creates a coordinator for one connection.
func New(sttClient stt.Client, llmClient llmclient.Client, ttsClient tts.Client, mem *memory.Store, cfg Config, events chan<- model.OutboundEvent, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		stt:       sttClient,
		llm:       llmClient,
		tts:       ttsClient,
		mem:       mem,
		heuristic: llmclient.DefaultScreenTriggerHeuristic(),
		cfg:       cfg,
		events:    events,
		logger:    logger,
	}
}

// Submit hands a completed speech session to the coordinator, applying the
// preemption policy if a job is already in flight.
func (c *Coordinator) Submit(session model.SpeechSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeCancel == nil {
		c.startLocked(session)
		return
	}

	if !c.activeCommitted {
		observability.RecordPreemption()
		c.activeCancel()
		c.startLocked(session)
		return
	}

	if c.queued != nil {
		c.logger.Warn().Uint64("dropped_session_id", c.queued.ID).Msg("dropping queued session: a third session arrived while one was already queued")
	}
	sessionCopy := session
	c.queued = &sessionCopy
}

// SubmitScreenCaptureResponse forwards a screen_capture_response message to
// the coordinator's pending wait, if any is outstanding.
func (c *Coordinator) SubmitScreenCaptureResponse(img *audio.ScreenImage) {
	c.screenMu.Lock()
	wait := c.screenWait
	c.screenMu.Unlock()

	if wait == nil {
		return
	}
	select {
	case wait <- img:
	default:
	}
}

// Shutdown cancels any in-flight job and discards the queue. It does not
// wait for the job's goroutine to observe cancellation.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeCancel != nil {
		c.activeCancel()
	}
	c.queued = nil
}

// startLocked must be called with c.mu held.
func (c *Coordinator) startLocked(session model.SpeechSession) {
	ctx, cancel := context.WithCancel(context.Background())
	c.activeGen++
	gen := c.activeGen
	c.activeCancel = cancel
	c.activeCommitted = false

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runJob(ctx, session)
		c.onJobFinished(gen)
	}()
}

// onJobFinished clears the active job slot and promotes the queued
// session, if any, to active. gen identifies which startLocked call this
// goroutine belongs to, so a finishing preempted job never clobbers the
// job that superseded it.
func (c *Coordinator) onJobFinished(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeGen == gen {
		c.activeCancel = nil
		c.activeCommitted = false
	}

	if c.queued != nil && c.activeCancel == nil {
		next := *c.queued
		c.queued = nil
		c.startLocked(next)
	}
}

func (c *Coordinator) emit(ctx context.Context, ev model.OutboundEvent) {
	if ctx.Err() != nil {
		return
	}
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Coordinator) markCommitted() {
	c.mu.Lock()
	c.activeCommitted = true
	c.mu.Unlock()
}

// runJob drives one utterance through STT -> LLM -> TTS. It never panics
// and never emits events once ctx is cancelled.
func (c *Coordinator) runJob(ctx context.Context, session model.SpeechSession) {
	if ctx.Err() != nil {
		return
	}

	transcript, ok := c.runSTT(ctx, session)
	if !ok {
		return
	}

	assistantText, screenSummary, ok := c.runLLM(ctx, session, transcript)
	if !ok {
		return
	}

	c.runTTS(ctx, session, transcript, assistantText, screenSummary)
}

func (c *Coordinator) runSTT(ctx context.Context, session model.SpeechSession) (string, bool) {
	sttCtx, cancel := context.WithTimeout(ctx, c.cfg.STTDeadline)
	defer cancel()

	start := time.Now()
	result, err := c.stt.Transcribe(sttCtx, session.Samples, session.SampleRate)
	if err != nil {
		kind := model.KindOf(err)
		if kind == model.ErrEmptyTranscription {
			observability.RecordStage("stt", time.Since(start), true)
			return "", false
		}
		observability.RecordStage("stt", time.Since(start), false)
		observability.RecordError(string(kind), "stt")
		c.emit(ctx, model.OutboundEvent{Type: model.EventError, Kind: "stt_failed", Message: err.Error()})
		return "", false
	}
	observability.RecordStage("stt", time.Since(start), true)

	c.emit(ctx, model.OutboundEvent{
		Type:           model.EventTranscriptionResult,
		Text:           result.Text,
		Confidence:     result.Confidence,
		ProcessingTime: result.ProcessingMs,
	})
	return result.Text, true
}

func (c *Coordinator) runLLM(ctx context.Context, session model.SpeechSession, transcript string) (assistantText, screenSummary string, ok bool) {
	if ctx.Err() != nil {
		return "", "", false
	}

	llmCtx, cancel := context.WithTimeout(ctx, c.cfg.LLMDeadline)
	defer cancel()

	snapshot := c.mem.Snapshot()
	var hint string
	if session.ScreenShareOn {
		_, hint = c.heuristic.Score(transcript)
	}

	req := llmclient.Request{
		UserText:    transcript,
		Memory:      snapshot,
		ScreenImage: session.ScreenImage,
		SessionHint: hint,
	}

	start := time.Now()
	resp, err := c.llm.Respond(llmCtx, req)
	if err != nil {
		observability.RecordStage("llm", time.Since(start), false)
		observability.RecordError(string(model.KindOf(err)), "llm")
		c.emit(ctx, model.OutboundEvent{Type: model.EventError, Kind: "llm_failed", Message: err.Error()})
		return "", "", false
	}

	if resp.ScreenCaptureRequested && session.ScreenImage == nil {
		resp, ok = c.handleScreenCaptureRequest(ctx, llmCtx, req, resp)
		if !ok {
			observability.RecordStage("llm", time.Since(start), false)
			return "", "", false
		}
	}

	if resp.Text == "" {
		observability.RecordStage("llm", time.Since(start), false)
		c.emit(ctx, model.OutboundEvent{Type: model.EventError, Kind: model.ErrScreenUnavailable, Message: "no answer available without screen context"})
		return "", "", false
	}
	observability.RecordStage("llm", time.Since(start), true)

	c.markCommitted()
	c.emit(ctx, model.OutboundEvent{
		Type:           model.EventAIResponse,
		Text:           resp.Text,
		ProcessingTime: resp.ProcessingMs,
	})
	return resp.Text, resp.ScreenSummary, true
}

// handleScreenCaptureRequest emits a screen_capture_request and awaits the
// client's response within the configured deadline, then re-invokes the
// LLM with the supplied image. On timeout it falls back to whatever text
// the model already produced, or fails with kScreenUnavailable.
func (c *Coordinator) handleScreenCaptureRequest(ctx, llmCtx context.Context, req llmclient.Request, initial llmclient.Response) (llmclient.Response, bool) {
	c.emit(ctx, model.OutboundEvent{
		Type:         model.EventScreenCaptureRequest,
		Reason:       initial.ScreenCaptureReason,
		OriginalText: req.UserText,
	})

	wait := make(chan *audio.ScreenImage, 1)
	c.screenMu.Lock()
	c.screenWait = wait
	c.screenMu.Unlock()
	defer func() {
		c.screenMu.Lock()
		c.screenWait = nil
		c.screenMu.Unlock()
	}()

	select {
	case img := <-wait:
		req.ScreenImage = img
		resp, err := c.llm.Respond(llmCtx, req)
		if err != nil {
			observability.RecordScreenCaptureOutcome("resolved_llm_failed")
			c.emit(ctx, model.OutboundEvent{Type: model.EventError, Kind: "llm_failed", Message: err.Error()})
			return llmclient.Response{}, false
		}
		observability.RecordScreenCaptureOutcome("resolved")
		return resp, true

	case <-time.After(c.cfg.ScreenCaptureDeadline):
		if initial.Text != "" {
			observability.RecordScreenCaptureOutcome("timed_out_fallback")
			return initial, true
		}
		observability.RecordScreenCaptureOutcome("timed_out_unavailable")
		c.emit(ctx, model.OutboundEvent{Type: model.EventError, Kind: model.ErrScreenUnavailable, Message: "screen capture request timed out"})
		return llmclient.Response{}, false

	case <-ctx.Done():
		return llmclient.Response{}, false
	}
}

func (c *Coordinator) runTTS(ctx context.Context, session model.SpeechSession, transcript, assistantText, screenSummary string) {
	if ctx.Err() != nil {
		return
	}

	ttsCtx, cancel := context.WithTimeout(ctx, c.cfg.TTSDeadline)
	defer cancel()

	start := time.Now()
	result, err := c.tts.Synthesize(ttsCtx, assistantText, c.cfg.VoicePreset)
	if err != nil {
		observability.RecordStage("tts", time.Since(start), false)
		observability.RecordError(string(model.KindOf(err)), "tts")
		c.mem.Append(transcript, assistantText, screenSummary)
		c.emit(ctx, model.OutboundEvent{Type: model.EventError, Kind: "tts_failed", Message: err.Error()})
		return
	}
	observability.RecordStage("tts", time.Since(start), true)

	c.mem.Append(transcript, assistantText, screenSummary)
	c.emit(ctx, model.OutboundEvent{
		Type:       model.EventAudioResponse,
		AudioData:  result.Samples,
		SampleRate: result.SampleRate,
		Duration:   result.DurationS,
	})
}
