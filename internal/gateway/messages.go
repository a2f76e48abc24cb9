package gateway

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/lexiqai/conversation-orchestrator/internal/audio"
)

// inboundType names the message kinds the client may send over /ws.
type inboundType string

const (
	inAudioData             inboundType = "audio_data"
	inVADState              inboundType = "vad_state"
	inScreenShareStart      inboundType = "screen_share_start"
	inScreenShareStop       inboundType = "screen_share_stop"
	inVoiceAssistantStart   inboundType = "voice_assistant_start"
	inVoiceAssistantStop    inboundType = "voice_assistant_stop"
	inScreenCaptureResponse inboundType = "screen_capture_response"
	inHeartbeat             inboundType = "heartbeat"
)

// vadPayload is the client's precomputed voice-activity verdict, attached
// to audio_data and vad_state messages alike.
type vadPayload struct {
	IsSpeaking bool    `json:"isSpeaking"`
	Energy     float64 `json:"energy"`
	Confidence float64 `json:"confidence"`
}

func (v *vadPayload) toVerdict() audio.VADVerdict {
	if v == nil {
		return audio.VADVerdict{}
	}
	return audio.VADVerdict{IsSpeaking: v.IsSpeaking, Energy: v.Energy, Confidence: v.Confidence}
}

// inboundMessage is the envelope every /ws text frame from the client is
// decoded into. Only the fields relevant to Type are populated.
type inboundMessage struct {
	Type inboundType `json:"type"`

	// audio_data / vad_state
	Samples     []float32   `json:"data,omitempty"`
	SampleRate  int         `json:"sample_rate,omitempty"`
	VAD         *vadPayload `json:"vad,omitempty"`
	ScreenImage string      `json:"screen_image,omitempty"`

	// screen_capture_response
	OriginalText string `json:"original_text,omitempty"`
}

// decodeScreenImage turns a data URI ("data:image/jpeg;base64,...") or a
// bare base64 string into a ScreenImage. An empty input yields (nil, nil).
func decodeScreenImage(raw string) (*audio.ScreenImage, error) {
	if raw == "" {
		return nil, nil
	}

	mimeType := "image/jpeg"
	payload := raw
	if idx := strings.Index(raw, ","); idx != -1 && strings.HasPrefix(raw, "data:") {
		header := raw[len("data:"):idx]
		if semi := strings.Index(header, ";"); semi != -1 {
			mimeType = header[:semi]
		}
		payload = raw[idx+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode screen image: %w", err)
	}
	return &audio.ScreenImage{MIMEType: mimeType, Data: data}, nil
}
