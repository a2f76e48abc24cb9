package llmclient

import "strings"

// explicitTriggers are phrases that unambiguously ask about the screen.
var explicitTriggers = []string{
	"what do you see", "what's on my screen", "what is on my screen",
	"look at my screen", "look at this", "can you see this",
	"what am i looking at", "describe my screen", "what's this",
}

// contextWords raise suspicion when combined with a question, without
// being conclusive on their own.
var contextWords = []string{
	"screen", "code", "error", "this page", "this window", "displayed",
	"showing", "visible", "highlighted",
}

// questionIndicators mark the text as interrogative.
var questionIndicators = []string{
	"what", "why", "how", "where", "is this", "can you", "could you",
}

// ScreenTriggerHeuristic scores transcribed text for how likely it is that
// answering requires a current screen image, checked before ever
// consulting the LLM. It never decides on its own whether to request a
// capture — that
// decision still belongs to the LLM adapter via the sentinel path; this
// only produces a hint the coordinator may attach to the request so a
// fake adapter in tests can exercise the screen-capture round trip
// deterministically.
type ScreenTriggerHeuristic struct {
	Threshold float64
}

// DefaultScreenTriggerHeuristic mirrors the original's should_capture
// confidence cutoff.
func DefaultScreenTriggerHeuristic() ScreenTriggerHeuristic {
	return ScreenTriggerHeuristic{Threshold: 0.6}
}

// Score returns a confidence in [0, 1] that text is asking about the
// screen, and the hint string to attach to the LLM request when that
// confidence clears the threshold.
func (h ScreenTriggerHeuristic) Score(text string) (confidence float64, hint string) {
	lower := strings.ToLower(text)

	for _, trigger := range explicitTriggers {
		if strings.Contains(lower, trigger) {
			return 1.0, "explicit_screen_reference"
		}
	}

	contextHits := 0
	for _, word := range contextWords {
		if strings.Contains(lower, word) {
			contextHits++
		}
	}

	isQuestion := strings.Contains(lower, "?")
	for _, q := range questionIndicators {
		if strings.HasPrefix(lower, q) {
			isQuestion = true
			break
		}
	}

	if contextHits == 0 {
		return 0, ""
	}

	confidence = float64(contextHits) * 0.3
	if isQuestion {
		confidence += 0.3
	}
	if confidence > 1.0 {
		confidence = 1.0
	}

	if confidence >= h.Threshold {
		return confidence, "likely_screen_reference"
	}
	return confidence, ""
}
