// Package protocol defines the JSON message envelope spoken between the
// extension agent, the relay server, and automation clients. One JSON object
// per WebSocket frame, discriminated by "type", with an optional "id" pairing
// requests to responses. Payload fields the relay does not interpret are
// carried verbatim.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Agent → relay message types.
const (
	TypeExtensionReady   = "EXTENSION_READY"
	TypePing             = "PING"
	TypeResponse         = "RESPONSE"
	TypeCDPEvent         = "CDP_EVENT"
	TypeDebuggerDetached = "DEBUGGER_DETACHED"
	TypeTabClosed        = "TAB_CLOSED"
)

// Relay → agent and relay → client message types.
const (
	TypePong                  = "PONG"
	TypeConnected             = "CONNECTED"
	TypeError                 = "ERROR"
	TypeExtensionDisconnected = "EXTENSION_DISCONNECTED"
)

// Client → relay command types. Commands carry an "id" when the caller wants
// a correlated response; fire-and-forget commands omit it.
const (
	TypeInit                  = "INIT"
	TypeGetActiveTab          = "GET_ACTIVE_TAB"
	TypeAttachDebugger        = "ATTACH_DEBUGGER"
	TypeDetachDebugger        = "DETACH_DEBUGGER"
	TypeSetCookies            = "SET_COOKIES"
	TypeNavigate              = "NAVIGATE"
	TypeGetTabInfo            = "GET_TAB_INFO"
	TypeEvaluate              = "EVALUATE"
	TypeCloseTab              = "CLOSE_TAB"
	TypeCDPCommand            = "CDP_COMMAND"
	TypeRegisterCDPListener   = "REGISTER_CDP_LISTENER"
	TypeUnregisterCDPListener = "UNREGISTER_CDP_LISTENER"
)

// Message is the decoded header of a wire frame. Fields beyond the header are
// type-specific; the original bytes are retained so the relay can forward a
// frame without re-encoding it.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TabID   *int            `json:"tabId,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`

	raw []byte
}

// Decode parses a wire frame. The returned message keeps a reference to data
// for verbatim forwarding via Raw.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	m.raw = data
	return &m, nil
}

// Raw returns the original frame bytes, or a fresh encoding for messages
// constructed in-process.
func (m *Message) Raw() ([]byte, error) {
	if m.raw != nil {
		return m.raw, nil
	}
	return json.Marshal(m)
}

// IsSuccess reports whether a RESPONSE carries success=true.
func (m *Message) IsSuccess() bool {
	return m.Success != nil && *m.Success
}

// Envelope builds a command frame from a type, correlation id, and flattened
// payload fields. Payload keys must not collide with "type" or "id".
func Envelope(msgType, id string, payload map[string]any) ([]byte, error) {
	frame := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		frame[k] = v
	}
	frame["type"] = msgType
	if id != "" {
		frame["id"] = id
	}
	return json.Marshal(frame)
}

// ResultResponse builds a success RESPONSE frame for a correlation id.
func ResultResponse(id string, result any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":    TypeResponse,
		"id":      id,
		"success": true,
		"result":  result,
	})
}

// ErrorResponse builds a failure RESPONSE frame for a correlation id.
func ErrorResponse(id string, errMsg string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":    TypeResponse,
		"id":      id,
		"success": false,
		"error":   errMsg,
	})
}
