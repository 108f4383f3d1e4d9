package events

import "fmt"

// SessionTopic is the relay-side topic owning all writes to one client
// session's socket.
func SessionTopic(sessionID string) string {
	return fmt.Sprintf("session.%s", sessionID)
}

// CDPEventTopic is the client-side topic for one CDP event name.
func CDPEventTopic(eventName string) string {
	return fmt.Sprintf("cdp.event.%s", eventName)
}
