package session

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Vendor socket protocol. Outbound messages carry captured audio, keepalive
// replies and contextual updates; inbound messages are a tagged union keyed
// on "type", with audio sometimes appearing untagged at the top level.

type audioEvent struct {
	AudioBase64 string `json:"audio_base_64,omitempty"`
	Chunk       string `json:"chunk,omitempty"`
	EventID     int    `json:"event_id,omitempty"`
}

type initMetadataEvent struct {
	ConversationID string `json:"conversation_id"`
}

type agentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
	Audio         string `json:"audio,omitempty"`
}

type pingEvent struct {
	EventID int `json:"event_id"`
}

type inboundMessage struct {
	Type                                string              `json:"type"`
	Audio                               string              `json:"audio,omitempty"`
	AudioEvent                          *audioEvent         `json:"audio_event,omitempty"`
	ConversationInitiationMetadataEvent *initMetadataEvent  `json:"conversation_initiation_metadata_event,omitempty"`
	AgentResponseEvent                  *agentResponseEvent `json:"agent_response_event,omitempty"`
	PingEvent                           *pingEvent          `json:"ping_event,omitempty"`
}

func decodeInbound(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return inboundMessage{}, fmt.Errorf("session: decode inbound message: %w", err)
	}
	return msg, nil
}

func encodeAudioChunk(b64 string) ([]byte, error) {
	return sonic.Marshal(struct {
		UserAudioChunk string `json:"user_audio_chunk"`
	}{b64})
}

func encodePong(eventID int) ([]byte, error) {
	return sonic.Marshal(struct {
		Type    string `json:"type"`
		EventID int    `json:"event_id"`
	}{Type: "pong", EventID: eventID})
}

func encodeContextUpdate(text string) ([]byte, error) {
	return sonic.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "contextual_update", Text: text})
}
