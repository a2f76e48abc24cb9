package model

import "testing"

func TestSpeechSession_DurationSeconds(t *testing.T) {
	s := SpeechSession{Samples: make([]float32, 16000), SampleRate: 16000}
	if got := s.DurationSeconds(); got != 1.0 {
		t.Errorf("DurationSeconds() = %v, want 1.0", got)
	}
}

func TestConversationTurn_EstimatedTokens(t *testing.T) {
	turn := ConversationTurn{UserText: "12345678", AssistantText: "1234"} // 12 chars
	if got := turn.EstimatedTokens(); got != 3 {
		t.Errorf("EstimatedTokens() = %d, want 3", got)
	}

	empty := ConversationTurn{}
	if got := empty.EstimatedTokens(); got != 0 {
		t.Errorf("EstimatedTokens() on empty turn = %d, want 0", got)
	}
}

func TestMemorySnapshot_EstimatedTokens(t *testing.T) {
	snap := MemorySnapshot{
		Summary: "12345678", // 2 tokens
		RecentTurns: []ConversationTurn{
			{UserText: "1234", AssistantText: "1234"}, // 2 tokens
		},
	}
	if got := snap.EstimatedTokens(); got != 4 {
		t.Errorf("EstimatedTokens() = %d, want 4", got)
	}
}
