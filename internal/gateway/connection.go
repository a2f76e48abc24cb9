// Package gateway implements the connection supervisor (C5): it accepts a
// /ws upgrade, demultiplexes inbound client messages to the speech session
// aggregator and the pipeline coordinator, and owns the single writer that
// serialises outbound events back to the client.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/conversation-orchestrator/internal/audio"
	"github.com/lexiqai/conversation-orchestrator/internal/config"
	"github.com/lexiqai/conversation-orchestrator/internal/llmclient"
	"github.com/lexiqai/conversation-orchestrator/internal/memory"
	"github.com/lexiqai/conversation-orchestrator/internal/model"
	"github.com/lexiqai/conversation-orchestrator/internal/observability"
	"github.com/lexiqai/conversation-orchestrator/internal/pipeline"
	"github.com/lexiqai/conversation-orchestrator/internal/session"
	"github.com/lexiqai/conversation-orchestrator/internal/stt"
	"github.com/lexiqai/conversation-orchestrator/internal/tts"
)

// registry retains memory stores across reconnects for the grace period
// configured via ConnectionGraceSeconds. Shared across all connections
// served by this process.
var registry = newMemoryRegistry()

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Browser/desktop clients only; origin validation happens upstream
		// at the deployment's ingress.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// llmAdapter is everything a connection needs from the LLM: the Respond
// contract the coordinator drives, plus the Summarise contract the memory
// store drives. GeminiClient satisfies both.
type llmAdapter interface {
	llmclient.Client
	memory.Summariser
}

// Dependencies bundles the shared, connection-independent adapters every
// new Connection is wired against.
type Dependencies struct {
	STT    stt.Client
	LLM    llmAdapter
	TTS    tts.Client
	Config *config.Config
	Logger zerolog.Logger
}

// Handler upgrades incoming requests on /ws and runs one Connection per
// socket until it closes.
func Handler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Logger.Warn().Err(err).Msg("failed to upgrade websocket connection")
			return
		}
		newConnection(conn, r.URL.Query().Get("connection_id"), deps).run()
	}
}

// Connection supervises one client socket end to end: reading, the speech
// session state machine, the pipeline coordinator, and the single outbound
// writer.
type Connection struct {
	id     string
	conn   *websocket.Conn
	cfg    *config.Config
	logger zerolog.Logger

	aggregator  *session.Aggregator
	mem         *memory.Store
	coordinator *pipeline.Coordinator

	coordinatorEvents chan model.OutboundEvent
	outbound          chan model.OutboundEvent
	metrics           *observability.ConnectionMetrics

	cancel    context.CancelFunc
	closeOnce sync.Once

	mu            sync.Mutex
	ingestEnabled bool
	screenShareOn bool
	lastActivity  time.Time
}

func newConnection(conn *websocket.Conn, requestedID string, deps Dependencies) *Connection {
	id := requestedID
	resumed := false
	if id != "" {
		resumed = true
	} else {
		id = uuid.New().String()
	}
	logger := deps.Logger.With().Str("connection_id", id).Logger()

	mem := registry.take(id)
	if mem != nil {
		logger.Info().Msg("resumed memory record from grace period")
	} else {
		if resumed {
			logger.Info().Msg("no retained memory record for requested connection id; starting fresh")
		}
		mem = memory.New(
			deps.Config.MemoryMaxTokens,
			deps.LLM,
			time.Duration(deps.Config.SummariseTimeoutS)*time.Second,
			logger,
		)
	}

	coordinatorEvents := make(chan model.OutboundEvent, deps.Config.OutboundQueueDepth)
	coordinator := pipeline.New(deps.STT, deps.LLM, deps.TTS, mem, pipeline.Config{
		STTDeadline:           time.Duration(deps.Config.StageDeadlineSTTSeconds) * time.Second,
		LLMDeadline:           time.Duration(deps.Config.StageDeadlineLLMSeconds) * time.Second,
		TTSDeadline:           time.Duration(deps.Config.StageDeadlineTTSSeconds) * time.Second,
		ScreenCaptureDeadline: time.Duration(deps.Config.ScreenCaptureTimeoutS) * time.Second,
		VoicePreset:           deps.Config.VoicePreset,
	}, coordinatorEvents, logger)

	aggregatorCfg := session.DefaultConfig(deps.Config.SampleRate)
	aggregatorCfg.MinSpeechDurationS = deps.Config.MinSpeechDurationS
	aggregatorCfg.MaxSpeechDurationS = deps.Config.MaxSpeechDurationS

	return &Connection{
		id:                id,
		conn:              conn,
		cfg:               deps.Config,
		logger:            logger,
		aggregator:        session.New(id, aggregatorCfg),
		mem:               mem,
		coordinator:       coordinator,
		coordinatorEvents: coordinatorEvents,
		outbound:          make(chan model.OutboundEvent, deps.Config.OutboundQueueDepth),
		metrics:           observability.NewConnectionMetrics(id),
		ingestEnabled:     true,
		lastActivity:      time.Now(),
	}
}

func (c *Connection) run() {
	defer c.conn.Close()
	c.logger.Info().Msg("connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.forwardCoordinatorEvents(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.keepaliveLoop(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info().Err(err).Msg("connection ending")
	}

	c.coordinator.Shutdown()
	registry.retain(c.id, c.mem, time.Duration(c.cfg.ConnectionGraceSeconds)*time.Second)
	c.metrics.RecordConnectionEnd()
	c.logger.Info().Msg("connection closed")
}

// readLoop is the demultiplexer: every inbound frame is routed to the
// session aggregator, the coordinator, or handled inline (heartbeat).
// It is the aggregator's only caller, per the single-writer rule.
func (c *Connection) readLoop(ctx context.Context) error {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		c.touch()

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("failed to parse inbound message")
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.handleInbound(ctx, msg)
	}
}

func (c *Connection) handleInbound(ctx context.Context, msg inboundMessage) {
	switch msg.Type {
	case inAudioData:
		c.handleAudioFrame(msg, false)

	case inVADState:
		c.handleAudioFrame(msg, true)

	case inScreenShareStart:
		c.mu.Lock()
		c.screenShareOn = true
		c.mu.Unlock()

	case inScreenShareStop:
		c.mu.Lock()
		c.screenShareOn = false
		c.mu.Unlock()

	case inVoiceAssistantStart:
		c.mu.Lock()
		c.ingestEnabled = true
		c.mu.Unlock()

	case inVoiceAssistantStop:
		c.mu.Lock()
		c.ingestEnabled = false
		c.mu.Unlock()

	case inScreenCaptureResponse:
		img, err := decodeScreenImage(msg.ScreenImage)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to decode screen_capture_response image")
			return
		}
		c.coordinator.SubmitScreenCaptureResponse(img)

	case inHeartbeat:
		c.enqueue(model.OutboundEvent{Type: model.EventHeartbeatAck})

	default:
		c.logger.Warn().Str("type", string(msg.Type)).Msg("ignoring unknown inbound message type")
	}
}

// handleAudioFrame feeds one frame into the aggregator and forwards its
// outcome to the coordinator/outbound queue. forceSilence is set for
// vad_state messages, which never carry samples of their own.
func (c *Connection) handleAudioFrame(msg inboundMessage, forceSilence bool) {
	c.mu.Lock()
	enabled := c.ingestEnabled
	screenShareOn := c.screenShareOn
	c.mu.Unlock()
	if !enabled {
		return
	}

	screenImage, err := decodeScreenImage(msg.ScreenImage)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to decode audio_data screen image; proceeding without it")
	}

	frame := audio.Frame{
		Samples:     msg.Samples,
		SampleRate:  msg.SampleRate,
		Verdict:     msg.VAD.toVerdict(),
		ScreenImage: screenImage,
		ReceivedAt:  time.Now().UnixMilli(),
	}
	if forceSilence {
		frame.Verdict.IsSpeaking = false
	}

	var outcome session.Outcome
	if !frame.Verdict.IsSpeaking && len(frame.Samples) > 0 {
		outcome = c.aggregator.StepWholeUtterance(frame)
	} else {
		outcome = c.aggregator.Step(frame)
	}

	if outcome.EmitSpeechActive {
		c.enqueue(model.OutboundEvent{Type: model.EventSpeechActive})
	}
	if outcome.CompletedSession != nil {
		outcome.CompletedSession.ScreenShareOn = screenShareOn
		observability.RecordSpeechSession(outcome.CompletedSession.DurationSeconds())
		c.coordinator.Submit(*outcome.CompletedSession)
	}
}

// forwardCoordinatorEvents relays the coordinator's events into the
// connection's drop-policy-aware outbound queue.
func (c *Connection) forwardCoordinatorEvents(ctx context.Context) error {
	for {
		select {
		case ev := <-c.coordinatorEvents:
			c.enqueue(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeLoop is the connection's single writer.
func (c *Connection) writeLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.outbound:
			if err := c.conn.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// keepaliveLoop pings the client every HeartbeatSeconds and closes the
// connection if nothing — ping response or otherwise — is heard back
// within IdleCloseSeconds.
func (c *Connection) keepaliveLoop(ctx context.Context) error {
	idle := time.Duration(c.cfg.IdleCloseSeconds) * time.Second
	heartbeat := time.Duration(c.cfg.HeartbeatSeconds) * time.Second

	c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
			if c.idleFor() >= idle {
				return errors.New("connection idle past the keepalive deadline")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// enqueue applies the outbound backpressure policy: under a full queue, a
// non-critical event (speech_active) is dropped outright; a critical event
// evicts the oldest queued event to make room. If the queue is still full
// after that — every queued event arrived concurrently — there is nothing
// left to drop that wouldn't lose a terminal outcome, so the connection is
// closed with a kBackpressure diagnostic as a last resort rather than
// blocking the single writer.
func (c *Connection) enqueue(ev model.OutboundEvent) {
	select {
	case c.outbound <- ev:
		return
	default:
	}

	if !ev.Critical() {
		observability.RecordOutboundQueueDrop("non_critical")
		c.logger.Warn().Str("event_type", string(ev.Type)).Msg("outbound queue full; dropping non-critical event")
		return
	}

	select {
	case dropped := <-c.outbound:
		observability.RecordOutboundQueueDrop("evicted_for_critical")
		c.logger.Warn().Str("dropped_event_type", string(dropped.Type)).Msg("outbound queue full; evicted oldest queued event for a critical event")
	default:
	}

	select {
	case c.outbound <- ev:
	default:
		observability.RecordOutboundQueueDrop("queue_full")
		c.logger.Error().Str("event_type", string(ev.Type)).Msg("outbound queue full even after eviction; closing connection")
		c.closeWithBackpressure()
	}
}

// closeWithBackpressure tears the connection down after sustained outbound
// backpressure. It writes the kBackpressure diagnostic directly, bypassing
// the single-writer queue that just proved unable to drain, then cancels
// the connection's context so every other loop unwinds through run().
func (c *Connection) closeWithBackpressure() {
	c.closeOnce.Do(func() {
		c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		diagnostic := model.OutboundEvent{
			Type:    model.EventError,
			Kind:    model.ErrBackpressure,
			Message: "outbound queue overflow",
		}
		if err := c.conn.WriteJSON(diagnostic); err != nil {
			c.logger.Warn().Err(err).Msg("failed to write kBackpressure diagnostic before closing")
		}
		if c.cancel != nil {
			c.cancel()
		}
	})
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}
