package model

import "github.com/lexiqai/conversation-orchestrator/internal/audio"

// SpeechSession is the unit of transcription: one natural utterance's worth
// of accumulated speech samples, owned by a single connection.
type SpeechSession struct {
	ID              uint64
	ConnectionID    string
	Samples         []float32
	SampleRate      int
	StartedAtMillis int64
	LastSpeechMillis int64
	ScreenImage     *audio.ScreenImage
	ScreenShareOn   bool
}

// DurationSeconds returns the accumulated speech duration represented by
// Samples, independent of wall-clock time spent in silence.
func (s *SpeechSession) DurationSeconds() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(len(s.Samples)) / float64(s.SampleRate)
}

// Stage names a pipeline job's current position.
type Stage string

const (
	StageSTT    Stage = "stt"
	StageLLM    Stage = "llm"
	StageTTS    Stage = "tts"
	StageDone   Stage = "done"
	StageFailed Stage = "failed"
)

// PipelineJob is the ephemeral record of one utterance-to-response cycle.
// At most one non-terminal job exists per connection at a time.
type PipelineJob struct {
	SessionID   uint64
	Session     SpeechSession
	Stage       Stage
	Transcript  string
	AssistantText string
	ScreenSummary string
	Cancel      func()
}

// ConversationTurn is a completed (user, assistant) exchange, stored
// verbatim until summarisation absorbs it.
type ConversationTurn struct {
	UserText        string
	AssistantText   string
	ScreenSummary   string
	UserAtMillis    int64
	AssistantAtMillis int64
}

// EstimatedTokens approximates token count at four characters per token,
// the estimator the memory budget is defined against.
func (t ConversationTurn) EstimatedTokens() int {
	chars := len(t.UserText) + len(t.AssistantText) + len(t.ScreenSummary)
	return estimateTokens(chars)
}

func estimateTokens(chars int) int {
	const charsPerToken = 4
	if chars == 0 {
		return 0
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// MemorySnapshot is the opaque carrier C2 hands to the LLM adapter: a
// rolling summary of older turns plus the verbatim recent turns.
type MemorySnapshot struct {
	Summary      string
	RecentTurns  []ConversationTurn
	TimeInfo     string
	AppInfo      string
}

// EstimatedTokens returns the snapshot's total estimated token footprint.
func (m MemorySnapshot) EstimatedTokens() int {
	total := estimateTokens(len(m.Summary))
	for _, t := range m.RecentTurns {
		total += t.EstimatedTokens()
	}
	return total
}
