// Package session implements the per-connection speech session state
// machine (C3): it turns a stream of VAD-annotated audio frames into at
// most one completed utterance per natural pause in speech.
//
// The state machine does no I/O, so it can be unit-tested without a
// transport; Aggregator holds its state and advances it by one frame per
// Step call.
package session

import (
	"github.com/lexiqai/conversation-orchestrator/internal/audio"
	"github.com/lexiqai/conversation-orchestrator/internal/model"
)

// State is one of the three aggregator states.
type State int

const (
	Idle State = iota
	Capturing
	Closing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Outcome is everything a single Step call can produce: at most one
// completed session to hand to the coordinator, and whether a
// speech_active notification is due.
type Outcome struct {
	CompletedSession *model.SpeechSession
	EmitSpeechActive bool
}

// Config bounds how an aggregator turns frames into sessions.
type Config struct {
	MinSpeechDurationS float64
	MaxSpeechDurationS float64
	SampleRate         int
	// SpeechActiveRateLimitMillis limits speech_active to at most one per
	// window (2s by default). SpeechActiveSuppressAfterMillis is carried in
	// the config but not read: speech_active is only emitted on a speech
	// frame, which ends any silence streak, and no silence notification is
	// emitted at all.
	SpeechActiveRateLimitMillis     int64
	SpeechActiveSuppressAfterMillis int64
}

// DefaultConfig returns the canonical bounds.
func DefaultConfig(sampleRate int) Config {
	return Config{
		MinSpeechDurationS:              0.5,
		MaxSpeechDurationS:              30,
		SampleRate:                      sampleRate,
		SpeechActiveRateLimitMillis:     2000,
		SpeechActiveSuppressAfterMillis: 5000,
	}
}

// Aggregator owns the mutable session-machine state for one connection.
// It is not safe for concurrent use; the gateway's reader task is its
// only caller, per the single-writer ownership rule.
type Aggregator struct {
	cfg Config

	connectionID string
	nextSessionID uint64

	state State
	open  *model.SpeechSession

	speechActiveEmitted      bool
	lastSpeechActiveAtMillis int64
	silenceStreakMillis      int64
	lastFrameAtMillis        int64
}

// New creates an aggregator for one connection.
func New(connectionID string, cfg Config) *Aggregator {
	return &Aggregator{
		cfg:          cfg,
		connectionID: connectionID,
		state:        Idle,
	}
}

// State returns the aggregator's current state, for diagnostics/tests.
func (a *Aggregator) State() State {
	return a.state
}

// Step feeds one inbound audio frame into the state machine and returns
// what the caller must do as a result: possibly hand a completed session
// to the coordinator, possibly emit a speech_active notification.
func (a *Aggregator) Step(frame audio.Frame) Outcome {
	if frame.Verdict.IsSpeaking && len(frame.Samples) > 0 {
		return a.onSpeechFrame(frame)
	}
	return a.onSilenceMarker(frame)
}

// StepWholeUtterance handles the client-alternative-protocol edge case: a
// single frame carrying isSpeaking=false together with a non-empty sample
// buffer is treated as an atomic, pre-accumulated session. A buffer
// shorter than MinSpeechDurationS is discarded; MaxSpeechDurationS is not
// applied, so a buffer longer than it is handed on whole.
func (a *Aggregator) StepWholeUtterance(frame audio.Frame) Outcome {
	if len(frame.Samples) == 0 {
		return a.onSilenceMarker(frame)
	}

	duration := float64(len(frame.Samples)) / float64(effectiveSampleRate(frame, a.cfg))
	if duration < a.cfg.MinSpeechDurationS {
		return Outcome{}
	}

	session := &model.SpeechSession{
		ID:               a.allocateSessionID(),
		ConnectionID:     a.connectionID,
		Samples:          append([]float32(nil), frame.Samples...),
		SampleRate:       effectiveSampleRate(frame, a.cfg),
		StartedAtMillis:  frame.ReceivedAt,
		LastSpeechMillis: frame.ReceivedAt,
		ScreenImage:      frame.ScreenImage,
	}
	return Outcome{CompletedSession: session}
}

func (a *Aggregator) onSpeechFrame(frame audio.Frame) Outcome {
	a.lastFrameAtMillis = frame.ReceivedAt
	a.silenceStreakMillis = 0

	outcome := Outcome{}

	switch a.state {
	case Idle:
		a.open = &model.SpeechSession{
			ID:               a.allocateSessionID(),
			ConnectionID:     a.connectionID,
			SampleRate:       effectiveSampleRate(frame, a.cfg),
			StartedAtMillis:  frame.ReceivedAt,
			LastSpeechMillis: frame.ReceivedAt,
		}
		a.open.Samples = append(a.open.Samples, frame.Samples...)
		a.state = Capturing
		if frame.ScreenImage != nil {
			a.open.ScreenImage = frame.ScreenImage
		}

		if a.shouldEmitSpeechActive(frame.ReceivedAt) {
			outcome.EmitSpeechActive = true
			a.speechActiveEmitted = true
			a.lastSpeechActiveAtMillis = frame.ReceivedAt
		}

	case Capturing:
		a.open.Samples = append(a.open.Samples, frame.Samples...)
		a.open.LastSpeechMillis = frame.ReceivedAt
		if frame.ScreenImage != nil {
			a.open.ScreenImage = frame.ScreenImage
		}

		if a.open.DurationSeconds() >= a.cfg.MaxSpeechDurationS {
			outcome.CompletedSession = a.closeOpenSession()
		}

	case Closing:
		// Closing is internal-only (see closeOpenSession below); a
		// speech frame observed here means the caller fed a frame before
		// consuming the previous outcome. Treat it as starting fresh.
		a.state = Idle
		return a.onSpeechFrame(frame)
	}

	return outcome
}

func (a *Aggregator) onSilenceMarker(frame audio.Frame) Outcome {
	outcome := Outcome{}

	if a.lastFrameAtMillis > 0 && frame.ReceivedAt > a.lastFrameAtMillis {
		a.silenceStreakMillis += frame.ReceivedAt - a.lastFrameAtMillis
	}
	a.lastFrameAtMillis = frame.ReceivedAt

	switch a.state {
	case Idle:
		// Silence never triggers speech_active; only the idle->speech
		// edge does. Nothing to do here but the streak tracking above.

	case Capturing:
		if frame.ScreenImage != nil {
			a.open.ScreenImage = frame.ScreenImage
		}
		duration := a.open.DurationSeconds()
		if duration >= a.cfg.MinSpeechDurationS {
			outcome.CompletedSession = a.closeOpenSession()
		} else {
			// Too short: discard silently.
			a.open = nil
			a.state = Idle
		}
	}

	return outcome
}

// closeOpenSession transitions Capturing -> Closing -> Idle atomically
// (Closing has no externally observable duration) and returns the
// completed session by value semantics: the aggregator drops its
// reference once handed off, per the ownership rule in the data model.
func (a *Aggregator) closeOpenSession() *model.SpeechSession {
	a.state = Closing
	completed := a.open
	a.open = nil
	a.state = Idle
	return completed
}

// shouldEmitSpeechActive applies the rate limit on the idle->speech edge.
// The 5s suppression window lapses the moment a speech frame arrives,
// since that is exactly the edge the notification exists to announce.
func (a *Aggregator) shouldEmitSpeechActive(nowMillis int64) bool {
	if !a.speechActiveEmitted {
		return true
	}
	return nowMillis-a.lastSpeechActiveAtMillis >= a.cfg.SpeechActiveRateLimitMillis
}

func (a *Aggregator) allocateSessionID() uint64 {
	a.nextSessionID++
	return a.nextSessionID
}

func effectiveSampleRate(frame audio.Frame, cfg Config) int {
	if frame.SampleRate > 0 {
		return frame.SampleRate
	}
	return cfg.SampleRate
}
