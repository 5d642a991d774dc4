package relay

import (
	"fmt"
	"log/slog"
)

// Severity classifies a close code for diagnostics. It never influences the
// termination decision: any agent-leg closure tears down the session.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

// String returns the string representation of a Severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Level maps a Severity to its slog level.
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityError:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// CloseClassification is a human-readable reading of a transport close code.
type CloseClassification struct {
	Code     int
	Reason   string
	Severity Severity
}

// ClassifyClose maps a websocket close code to a diagnostic classification.
// Code 3000 is the provider-specific media timeout.
func ClassifyClose(code int) CloseClassification {
	switch code {
	case 1000:
		return CloseClassification{code, "Normal closure (completed)", SeverityInfo}
	case 1001:
		return CloseClassification{code, "Going away (endpoint shutting down)", SeverityWarn}
	case 1002:
		return CloseClassification{code, "Protocol error", SeverityError}
	case 1003:
		return CloseClassification{code, "Unsupported data", SeverityError}
	case 1006:
		return CloseClassification{code, "Abnormal closure (connection lost/user hung up)", SeverityWarn}
	case 1007:
		return CloseClassification{code, "Invalid frame payload data", SeverityError}
	case 1008:
		return CloseClassification{code, "Policy violation", SeverityError}
	case 1009:
		return CloseClassification{code, "Message too big", SeverityError}
	case 1011:
		return CloseClassification{code, "Internal server error", SeverityError}
	case 3000:
		return CloseClassification{code, "Twilio Media Timeout", SeverityWarn}
	default:
		return CloseClassification{code, fmt.Sprintf("Unknown code: %d", code), SeverityWarn}
	}
}
