package gateway

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle transition observable through Manager.OnEvent.
type EventType string

const (
	// EventServerConnected fires when a session is established and the first
	// capability sync completed.
	EventServerConnected EventType = "server.connected"
	// EventServerDisconnected fires after an explicit disconnect or removal.
	EventServerDisconnected EventType = "server.disconnected"
	// EventServerError fires when a connect attempt fails or an established
	// session is lost.
	EventServerError EventType = "server.error"
	// EventServerReconnecting fires before each automatic reconnect attempt.
	EventServerReconnecting EventType = "server.reconnecting"
	// EventCapabilitiesSynced fires whenever a server's registry entries were
	// replaced, both on connect and on list-changed notifications.
	EventCapabilitiesSynced EventType = "capabilities.synced"
)

// Event describes one lifecycle transition of one server.
type Event struct {
	ID        string
	Type      EventType
	ServerID  string
	Timestamp time.Time
	// Data carries transition-specific details such as the error string, the
	// reconnect attempt number, or capability counts.
	Data map[string]any
}

// EventHandler receives lifecycle events. Handlers run synchronously on the
// emitting goroutine and must not block.
type EventHandler func(Event)

func newEvent(eventType EventType, serverID string, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		ServerID:  serverID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
