package session

import (
	"testing"

	"github.com/lexiqai/conversation-orchestrator/internal/audio"
)

func speechFrame(samples int, atMillis int64) audio.Frame {
	return audio.Frame{
		Samples:    make([]float32, samples),
		SampleRate: 16000,
		Verdict:    audio.VADVerdict{IsSpeaking: true, Confidence: 0.9},
		ReceivedAt: atMillis,
	}
}

func silenceFrame(atMillis int64) audio.Frame {
	return audio.Frame{
		SampleRate: 16000,
		Verdict:    audio.VADVerdict{IsSpeaking: false},
		ReceivedAt: atMillis,
	}
}

func TestAggregator_ScreenImageAttachedFromClosingFrame(t *testing.T) {
	a := New("conn-1", DefaultConfig(16000))

	a.Step(speechFrame(16000, 0)) // 1s of speech, no screen image yet

	closing := silenceFrame(1000)
	closing.ScreenImage = &audio.ScreenImage{MIMEType: "image/jpeg", Data: []byte{1, 2, 3}}
	out := a.Step(closing)

	if out.CompletedSession == nil {
		t.Fatal("expected a completed session")
	}
	if out.CompletedSession.ScreenImage == nil {
		t.Fatal("expected the screen image carried on the closing silence frame to attach to the session")
	}
}

func TestAggregator_ScreenImageLatestWins(t *testing.T) {
	a := New("conn-1", DefaultConfig(16000))

	first := speechFrame(8000, 0)
	first.ScreenImage = &audio.ScreenImage{MIMEType: "image/jpeg", Data: []byte{1}}
	a.Step(first)

	second := speechFrame(8000, 500)
	second.ScreenImage = &audio.ScreenImage{MIMEType: "image/jpeg", Data: []byte{2}}
	a.Step(second)

	out := a.Step(silenceFrame(1000))
	if out.CompletedSession == nil {
		t.Fatal("expected a completed session")
	}
	if got := out.CompletedSession.ScreenImage.Data; len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected the latest screen image to win, got %+v", got)
	}
}

func TestAggregator_SingleUtterance(t *testing.T) {
	a := New("conn-1", DefaultConfig(16000))

	out := a.Step(speechFrame(16000, 0)) // 1s of speech
	if !out.EmitSpeechActive {
		t.Error("expected speech_active on idle->speech edge")
	}
	if a.State() != Capturing {
		t.Fatalf("expected Capturing, got %s", a.State())
	}

	out = a.Step(silenceFrame(1000))
	if out.CompletedSession == nil {
		t.Fatal("expected a completed session on silence after speech >= min duration")
	}
	if out.CompletedSession.DurationSeconds() != 1.0 {
		t.Errorf("expected 1.0s session, got %v", out.CompletedSession.DurationSeconds())
	}
	if a.State() != Idle {
		t.Fatalf("expected Idle after close, got %s", a.State())
	}
}

func TestAggregator_SubThresholdDiscarded(t *testing.T) {
	a := New("conn-1", DefaultConfig(16000))

	a.Step(speechFrame(4000, 0)) // 0.25s
	out := a.Step(silenceFrame(250))

	if out.CompletedSession != nil {
		t.Error("expected no completed session for sub-threshold utterance")
	}
	if a.State() != Idle {
		t.Errorf("expected Idle after discard, got %s", a.State())
	}
}

func TestAggregator_ForcedClosureAtMaxDuration(t *testing.T) {
	a := New("conn-1", DefaultConfig(16000))

	var out Outcome
	// Feed 31 one-second speech frames; forced closure should fire once
	// accumulated duration reaches 30s, strictly before the 31st.
	for i := 0; i < 31; i++ {
		out = a.Step(speechFrame(16000, int64(i*1000)))
		if out.CompletedSession != nil {
			break
		}
	}

	if out.CompletedSession == nil {
		t.Fatal("expected forced closure at max duration")
	}
	if out.CompletedSession.DurationSeconds() < 30 {
		t.Errorf("expected >= 30s session, got %v", out.CompletedSession.DurationSeconds())
	}
	if a.State() != Idle {
		t.Errorf("expected Idle after forced closure, got %s", a.State())
	}
}

func TestAggregator_TwoUtterances(t *testing.T) {
	a := New("conn-1", DefaultConfig(16000))

	a.Step(speechFrame(16000, 0))
	first := a.Step(silenceFrame(1000))
	if first.CompletedSession == nil {
		t.Fatal("expected first session to complete")
	}

	a.Step(silenceFrame(3000))
	a.Step(speechFrame(16000, 3000))
	second := a.Step(silenceFrame(4000))
	if second.CompletedSession == nil {
		t.Fatal("expected second session to complete")
	}

	if first.CompletedSession.ID == second.CompletedSession.ID {
		t.Error("expected distinct session IDs for independent utterances")
	}
}

func TestAggregator_IdleSilenceNeverEmitsSpeechActive(t *testing.T) {
	a := New("conn-1", DefaultConfig(16000))

	out := a.Step(silenceFrame(0))
	if out.EmitSpeechActive {
		t.Error("silence while idle must never emit speech_active")
	}
}

func TestAggregator_SpeechActiveRateLimited(t *testing.T) {
	a := New("conn-1", DefaultConfig(16000))

	out := a.Step(speechFrame(16000, 0))
	if !out.EmitSpeechActive {
		t.Fatal("expected first speech_active")
	}
	a.Step(silenceFrame(1000))

	// Re-enter speech within the 2s rate-limit window.
	out = a.Step(speechFrame(8000, 1500))
	if out.EmitSpeechActive {
		t.Error("expected speech_active to be rate-limited within 2s window")
	}
}

func TestAggregator_WholeUtteranceProtocol(t *testing.T) {
	a := New("conn-1", DefaultConfig(16000))

	frame := audio.Frame{
		Samples:    make([]float32, 16000),
		SampleRate: 16000,
		Verdict:    audio.VADVerdict{IsSpeaking: false},
		ReceivedAt: 0,
	}

	out := a.StepWholeUtterance(frame)
	if out.CompletedSession == nil {
		t.Fatal("expected pre-accumulated whole utterance to complete atomically")
	}
	if a.State() != Idle {
		t.Errorf("expected Idle after whole-utterance completion, got %s", a.State())
	}
}

func TestAggregator_WholeUtteranceBelowMinDiscarded(t *testing.T) {
	a := New("conn-1", DefaultConfig(16000))

	frame := audio.Frame{
		Samples:    make([]float32, 4000), // 0.25s
		SampleRate: 16000,
		Verdict:    audio.VADVerdict{IsSpeaking: false},
		ReceivedAt: 0,
	}

	out := a.StepWholeUtterance(frame)
	if out.CompletedSession != nil {
		t.Error("expected sub-threshold whole utterance to be discarded")
	}
}

func TestAggregator_SilenceOnlyNeverCompletesSession(t *testing.T) {
	a := New("conn-1", DefaultConfig(16000))

	for i := int64(0); i < 35; i++ {
		out := a.Step(silenceFrame(i * 1000))
		if out.CompletedSession != nil {
			t.Fatal("silence-only input must never produce a completed session")
		}
	}
}
