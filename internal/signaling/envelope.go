package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Lifecycle events published locally on every Subscribe channel. They never
// travel on the wire.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Envelope is one message on the signaling socket.
type Envelope struct {
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload in an envelope with a fresh message id.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{ID: uuid.NewString(), Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Decode parses one wire message.
func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("decode envelope: missing event")
	}
	return &env, nil
}

func lifecycle(event string, err error) *Envelope {
	env := &Envelope{Event: event}
	if err != nil {
		env.Data, _ = json.Marshal(map[string]string{"message": err.Error()})
	}
	return env
}
