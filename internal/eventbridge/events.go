package eventbridge

import (
	"iter"

	"github.com/kingrea/concord/internal/eventlog"
	"github.com/kingrea/concord/internal/status"
)

// ProtocolVersion identifies the bridge contract version exposed via /health.
const ProtocolVersion = "2.0.0"

// EventSource is the read side of the coordination log.
type EventSource interface {
	ReadFrom(seq int64) iter.Seq[eventlog.Event]
	Subscribe() (<-chan struct{}, func())
}

// StatusSource supplies the most recent status record.
type StatusSource interface {
	Latest() (status.Status, bool)
}

// Logger records bridge status information. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	SessionID     string `json:"session_id,omitempty"`
	LastSeq       int64  `json:"last_seq"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type eventsResponse struct {
	From   int64            `json:"from"`
	Next   int64            `json:"next"`
	Events []eventlog.Event `json:"events"`
}
