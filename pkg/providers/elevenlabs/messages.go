package elevenlabs

import "encoding/json"

// Message types observed on the conversation socket.
const (
	TypeConversationInitiationMetadata = "conversation_initiation_metadata"
	TypeAudio                          = "audio"
	TypeInterruption                   = "interruption"
	TypePing                           = "ping"
	TypeAgentResponse                  = "agent_response"
	TypeAgentResponseCorrection        = "agent_response_correction"
	TypeUserTranscript                 = "user_transcript"
	TypeEndCall                        = "end_call"
)

// ServerMessage is a message received from the conversational agent.
// Only the fields relevant to the message type are populated.
type ServerMessage struct {
	Type       string      `json:"type"`
	Audio      *AudioChunk `json:"audio,omitempty"`
	AudioEvent *AudioEvent `json:"audio_event,omitempty"`
	PingEvent  *PingEvent  `json:"ping_event,omitempty"`
	Text       string      `json:"text,omitempty"`
}

type AudioChunk struct {
	Chunk string `json:"chunk"`
}

type AudioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
}

// PingEvent carries an opaque event identifier that must be echoed back in a
// pong. The identifier's JSON type is not specified, so it is kept raw.
type PingEvent struct {
	EventID json.RawMessage `json:"event_id"`
}

// ParseServerMessage decodes one frame from the agent leg.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// AudioPayload normalizes the two audio payload shapes the agent may use
// (a direct chunk field or a nested event field) into one base64 string.
func (m ServerMessage) AudioPayload() (string, bool) {
	if m.Audio != nil && m.Audio.Chunk != "" {
		return m.Audio.Chunk, true
	}
	if m.AudioEvent != nil && m.AudioEvent.AudioBase64 != "" {
		return m.AudioEvent.AudioBase64, true
	}
	return "", false
}

// InitiationClientData is the first message sent on the agent leg. The
// dynamic variables expose caller metadata to the agent's prompt.
type InitiationClientData struct {
	Type             string            `json:"type"`
	DynamicVariables map[string]string `json:"dynamic_variables"`
}

func NewInitiationClientData(vars map[string]string) InitiationClientData {
	if vars == nil {
		vars = map[string]string{}
	}
	return InitiationClientData{
		Type:             "conversation_initiation_client_data",
		DynamicVariables: vars,
	}
}

// Pong answers a ping, echoing the event identifier unchanged.
type Pong struct {
	Type    string          `json:"type"`
	EventID json.RawMessage `json:"event_id"`
}

func NewPong(eventID json.RawMessage) Pong {
	return Pong{Type: "pong", EventID: eventID}
}

// UserAudioChunk carries one base64 caller audio chunk to the agent.
type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}
