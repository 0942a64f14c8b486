// Package hub fans telemetry messages out to websocket clients using a
// channel-based broadcast loop.
package hub

import "github.com/teslashibe/go-dogbot/pkg/protocol"

// Message is one JSON text message for clients.
type Message struct {
	Data []byte
}

// NewJSONMessage creates a message from pre-encoded JSON.
func NewJSONMessage(data []byte) Message {
	return Message{Data: data}
}

// FromProtocol encodes a telemetry envelope.
func FromProtocol(m *protocol.Message) (Message, error) {
	data, err := m.Bytes()
	if err != nil {
		return Message{}, err
	}
	return NewJSONMessage(data), nil
}
