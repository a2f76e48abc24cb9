// Package memory implements the per-connection conversation memory store
// (C2): a bounded-token history of recent turns plus a rolling summary of
// everything older, kept under a fixed token budget by summarising the
// oldest verbatim turns through the LLM adapter when the budget is
// exceeded.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/conversation-orchestrator/internal/model"
	"github.com/lexiqai/conversation-orchestrator/internal/observability"
)

// Summariser is the narrow interface the memory store needs from the LLM
// adapter: compress a run of verbatim turns plus any existing summary into
// a new summary string.
type Summariser interface {
	Summarise(ctx context.Context, existingSummary string, turns []model.ConversationTurn) (string, error)
}

// Store holds one connection's conversation memory. It is safe for
// concurrent use, though in practice only the pipeline coordinator for
// that connection ever calls it.
type Store struct {
	mu sync.Mutex

	maxTokens    int
	summariser   Summariser
	summariseTimeout time.Duration
	logger       zerolog.Logger

	summary     string
	recentTurns []model.ConversationTurn
	timeInfo    string
	appInfo     string

	summarising     bool
	summariseDone   chan struct{}
	pendingSnapshot model.MemorySnapshot
}

// New creates an empty memory store bounded at maxTokens, using summariser
// to compress old turns when the budget is exceeded.
func New(maxTokens int, summariser Summariser, summariseTimeout time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		maxTokens:        maxTokens,
		summariser:       summariser,
		summariseTimeout: summariseTimeout,
		logger:           logger,
	}
}

// Append records a completed turn and triggers summarisation, in the
// background, if the budget is now exceeded. Append never drops data: the
// turn is always retained, verbatim or (eventually) folded into the
// summary.
func (s *Store) Append(userText, assistantText, screenSummary string) {
	s.mu.Lock()
	now := time.Now().UnixMilli()
	turn := model.ConversationTurn{
		UserText:          userText,
		AssistantText:     assistantText,
		ScreenSummary:     screenSummary,
		UserAtMillis:      now,
		AssistantAtMillis: now,
	}
	s.recentTurns = append(s.recentTurns, turn)
	needsSummary := s.snapshotLocked().EstimatedTokens() > s.maxTokens && !s.summarising
	s.mu.Unlock()

	if needsSummary {
		s.summariseAsync()
	}
}

// Snapshot returns the current opaque memory carrier. If summarisation is
// in flight it waits up to the configured timeout; on timeout it falls
// back to the pre-summarisation state rather than blocking indefinitely.
func (s *Store) Snapshot() model.MemorySnapshot {
	s.mu.Lock()
	if !s.summarising {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap
	}
	done := s.summariseDone
	fallback := s.pendingSnapshot
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(s.summariseTimeout):
		s.logger.Warn().Msg("memory snapshot timed out waiting for summarisation; using pre-summary state")
		observability.RecordSnapshotTimeout()
		return fallback
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Clear discards all retained history.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = ""
	s.recentTurns = nil
}

// WithContext attaches ambient context (wall-clock time, active
// application) that the LLM adapter can ground replies in without a
// separate side channel.
func (s *Store) WithContext(timeInfo, appInfo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeInfo = timeInfo
	s.appInfo = appInfo
}

func (s *Store) snapshotLocked() model.MemorySnapshot {
	turns := make([]model.ConversationTurn, len(s.recentTurns))
	copy(turns, s.recentTurns)
	return model.MemorySnapshot{
		Summary:     s.summary,
		RecentTurns: turns,
		TimeInfo:    s.timeInfo,
		AppInfo:     s.appInfo,
	}
}

// summariseAsync absorbs the oldest verbatim turns into the rolling
// summary until the budget is met. It runs detached from Append's caller;
// Snapshot synchronises with it via summariseDone.
func (s *Store) summariseAsync() {
	s.mu.Lock()
	if s.summarising {
		s.mu.Unlock()
		return
	}
	s.summarising = true
	s.summariseDone = make(chan struct{})
	s.pendingSnapshot = s.snapshotLocked()
	existingSummary := s.summary
	toCompress, _ := splitForBudget(s.recentTurns, s.maxTokens, existingSummary)
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.summarising = false
			close(s.summariseDone)
			s.mu.Unlock()
		}()

		for len(toCompress) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), s.summariseTimeout)
			newSummary, err := s.summariser.Summarise(ctx, existingSummary, toCompress)
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Msg("memory summarisation failed; retaining pre-summary state")
				observability.RecordSummarisation(false)
				return
			}
			observability.RecordSummarisation(true)

			s.mu.Lock()
			s.summary = newSummary
			// toCompress was a prefix of s.recentTurns as it stood when this
			// round started; Append only ever grows the slice from the tail, so
			// whatever was appended while summarisation was in flight is still
			// sitting after that same prefix now. Trim the prefix off the
			// current slice rather than replacing it with the stale keep
			// snapshot, so none of it is lost.
			if len(s.recentTurns) >= len(toCompress) {
				s.recentTurns = append([]model.ConversationTurn(nil), s.recentTurns[len(toCompress):]...)
			}
			// Turns appended during this round may still leave the snapshot
			// over budget; if so, run another round over them.
			existingSummary = s.summary
			toCompress, _ = splitForBudget(s.recentTurns, s.maxTokens, existingSummary)
			s.mu.Unlock()
		}
	}()
}

// splitForBudget decides how many of the oldest turns must be compressed
// to bring the snapshot back under budget, estimating the summary's own
// post-compression size conservatively as unchanged.
func splitForBudget(turns []model.ConversationTurn, maxTokens int, existingSummary string) (toCompress, keep []model.ConversationTurn) {
	summaryTokens := estimateTokens(len(existingSummary))
	total := summaryTokens
	for _, t := range turns {
		total += t.EstimatedTokens()
	}

	cut := 0
	for total > maxTokens && cut < len(turns) {
		total -= turns[cut].EstimatedTokens()
		cut++
	}
	return turns[:cut], turns[cut:]
}

func estimateTokens(chars int) int {
	const charsPerToken = 4
	if chars == 0 {
		return 0
	}
	return (chars + charsPerToken - 1) / charsPerToken
}
