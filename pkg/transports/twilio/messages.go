package twilio

import "encoding/json"

// StreamEvent is one frame of the media-stream protocol. Only the member
// matching Event is populated.
type StreamEvent struct {
	Event string       `json:"event"`
	Start *StreamStart `json:"start,omitempty"`
	Media *MediaChunk  `json:"media,omitempty"`
	Stop  *StreamStop  `json:"stop,omitempty"`
}

// StreamStart announces the stream identifier a call's outbound media must
// be addressed to, and echoes the custom parameters set in the TwiML.
type StreamStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type MediaChunk struct {
	Payload string `json:"payload"`
}

type StreamStop struct {
	CallSID string `json:"callSid"`
}

const (
	EventStart = "start"
	EventMedia = "media"
	EventStop  = "stop"
)

// ParseStreamEvent decodes one frame from the telephony leg.
func ParseStreamEvent(data []byte) (StreamEvent, error) {
	var evt StreamEvent
	err := json.Unmarshal(data, &evt)
	return evt, err
}

// MediaMessage addresses one base64 audio payload to an active stream.
type MediaMessage struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid"`
	Media     MediaChunk `json:"media"`
}

func NewMediaMessage(streamSID, payload string) MediaMessage {
	return MediaMessage{
		Event:     "media",
		StreamSID: streamSID,
		Media:     MediaChunk{Payload: payload},
	}
}

// ClearMessage instructs the stream to flush any buffered audio that has not
// been played yet.
type ClearMessage struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func NewClearMessage(streamSID string) ClearMessage {
	return ClearMessage{Event: "clear", StreamSID: streamSID}
}
