package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Agent leg (conversational AI provider).
	ReasonAgentAuth    ReasonCode = "agent_auth"
	ReasonAgentConnect ReasonCode = "agent_connect"
	ReasonAgentSend    ReasonCode = "agent_send"

	// Telephony leg.
	ReasonTelephonySend ReasonCode = "telephony_send"
	ReasonCallCreate    ReasonCode = "call_create"
	ReasonCallTerminate ReasonCode = "call_terminate"

	// Relay message handling. Absorbed locally, never terminate a session.
	ReasonMalformedMessage  ReasonCode = "malformed_message"
	ReasonProtocolViolation ReasonCode = "protocol_violation"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
)
