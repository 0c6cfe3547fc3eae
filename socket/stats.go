package socket

import (
	"sync/atomic"
	"time"
)

// Stats captures connection-level metrics for the control channel, exposed
// for monitoring session health.
type Stats struct {
	State            string `json:"state"`
	MessagesSent     int64  `json:"messagesSent"`
	MessagesDropped  int64  `json:"messagesDropped"`
	MessagesReceived int64  `json:"messagesReceived"`
	UnknownMessages  int64  `json:"unknownMessages"`
	ProtocolErrors   int64  `json:"protocolErrors"`
	Reconnects       int64  `json:"reconnects"`
	ConnectedAt      int64  `json:"connectedAt,omitempty"`
	UptimeMs         int64  `json:"uptimeMs"`
}

type stats struct {
	messagesSent     atomic.Int64
	messagesDropped  atomic.Int64
	messagesReceived atomic.Int64
	unknownMessages  atomic.Int64
	protocolErrors   atomic.Int64
	reconnects       atomic.Int64
	connectedAt      atomic.Int64 // unix ms, 0 while down
}

// Stats returns a snapshot of connection metrics.
func (m *Manager) Stats() Stats {
	connectedAt := m.stats.connectedAt.Load()
	var uptime int64
	if connectedAt > 0 {
		uptime = time.Now().UnixMilli() - connectedAt
	}
	return Stats{
		State:            m.State().String(),
		MessagesSent:     m.stats.messagesSent.Load(),
		MessagesDropped:  m.stats.messagesDropped.Load(),
		MessagesReceived: m.stats.messagesReceived.Load(),
		UnknownMessages:  m.stats.unknownMessages.Load(),
		ProtocolErrors:   m.stats.protocolErrors.Load(),
		Reconnects:       m.stats.reconnects.Load(),
		ConnectedAt:      connectedAt,
		UptimeMs:         uptime,
	}
}
