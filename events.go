package enginecache

import "time"

// EventType identifies a discrete change to the local store.
type EventType string

const (
	// EventInstalled fires after a version is verified and committed.
	EventInstalled EventType = "installed"

	// EventEvicted fires when culling removes a version.
	EventEvicted EventType = "evicted"

	// EventCleared fires after ClearAllEngines empties the store.
	EventCleared EventType = "cleared"
)

// Event is delivered on the Manager's event channel so a presentation
// layer can react to store changes without polling.
type Event struct {
	Type    EventType
	Version string
	Path    string
	Time    time.Time
}

// Events returns the manager's event channel. The channel is buffered;
// events are dropped rather than blocking cache operations when no one
// is draining it. The channel is closed by Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// emit publishes an event without ever blocking an install or cull.
func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
		m.logger.Debug("event dropped, subscriber not draining", "type", string(e.Type), "version", e.Version)
	}
}
