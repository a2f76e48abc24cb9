package llmclient

import "testing"

func TestScreenTriggerHeuristic_ExplicitTrigger(t *testing.T) {
	h := DefaultScreenTriggerHeuristic()

	confidence, hint := h.Score("what do you see on my screen right now?")
	if confidence < h.Threshold {
		t.Errorf("expected explicit trigger to clear threshold, got %v", confidence)
	}
	if hint == "" {
		t.Error("expected a non-empty hint for an explicit trigger")
	}
}

func TestScreenTriggerHeuristic_Unrelated(t *testing.T) {
	h := DefaultScreenTriggerHeuristic()

	confidence, hint := h.Score("what's the capital of France?")
	if confidence >= h.Threshold {
		t.Errorf("expected unrelated text to stay below threshold, got %v", confidence)
	}
	if hint != "" {
		t.Errorf("expected no hint for unrelated text, got %q", hint)
	}
}

func TestScreenTriggerHeuristic_ContextWordsWithQuestion(t *testing.T) {
	h := DefaultScreenTriggerHeuristic()

	confidence, _ := h.Score("why is this error showing in my code?")
	if confidence <= 0 {
		t.Errorf("expected non-zero confidence for context words + question, got %v", confidence)
	}
}

func TestScreenTriggerHeuristic_NoContextWords(t *testing.T) {
	h := DefaultScreenTriggerHeuristic()

	confidence, hint := h.Score("how are you today")
	if confidence != 0 {
		t.Errorf("expected zero confidence with no context words, got %v", confidence)
	}
	if hint != "" {
		t.Errorf("expected no hint, got %q", hint)
	}
}
