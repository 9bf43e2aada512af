package segment

import (
	"encoding/json"
	"fmt"
)

// AudioSegmentMessage is the JSON payload on voice/response/stream.
// AudioData is base64 in JSON and holds raw PCM in the fixed profile.
type AudioSegmentMessage struct {
	IsFinal   bool   `json:"is_final"`
	AudioData []byte `json:"audio_data"`
	Text      string `json:"text"`
	SegmentID int    `json:"segment_id"`
	TurnID    string `json:"turn_id,omitempty"`
}

// Encode serializes the message for the bus
func (m AudioSegmentMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a voice/response/stream payload
func DecodeMessage(data []byte) (AudioSegmentMessage, error) {
	var m AudioSegmentMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("invalid segment message: %w", err)
	}
	if m.SegmentID < 1 {
		return m, fmt.Errorf("invalid segment id %d", m.SegmentID)
	}
	return m, nil
}
