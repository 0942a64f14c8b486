package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies a telemetry message sent over the state websocket.
type MessageType string

const (
	// Bridge → client
	TypeState    MessageType = "state"    // Joint state snapshot
	TypeCounters MessageType = "counters" // Link and router counters

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the envelope of every telemetry message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into v.
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// JointStateData is the published state of one host-loop joint.
type JointStateData struct {
	Name        string  `json:"name"`
	Actuator    string  `json:"actuator,omitempty"` // empty when unresolved
	Position    float64 `json:"position"`           // rad
	Velocity    float64 `json:"velocity"`           // rad/s
	Effort      float64 `json:"effort"`             // N·m
	Command     float64 `json:"command"`            // rad
	Stale       bool    `json:"stale"`
	Calibration string  `json:"calibration,omitempty"`
}

// StateData is a snapshot of every host-loop joint.
type StateData struct {
	Session string           `json:"session"`
	Cycle   uint64           `json:"cycle"`
	Control bool             `json:"control"`
	Joints  []JointStateData `json:"joints"`
}

// CountersData exposes the observability counters of the bridge.
type CountersData struct {
	RxBytes        uint64 `json:"rx_bytes"`
	Frames         uint64 `json:"frames"`
	FramingErrors  uint64 `json:"framing_errors"`
	CRCErrors      uint64 `json:"crc_errors"`
	NoiseBytes     uint64 `json:"noise_bytes"`
	TxFrames       uint64 `json:"tx_frames"`
	TxDropped      uint64 `json:"tx_dropped"`
	UnknownTags    uint64 `json:"unknown_tags"`
	HandlerPanics  uint64 `json:"handler_panics"`
	BadReports     uint64 `json:"bad_reports"`
	UnknownJoints  uint64 `json:"unknown_joints"`
	DroppedDemands uint64 `json:"dropped_demands"`
	OutOfOrder     uint64 `json:"out_of_order"`
	TickGaps       uint64 `json:"tick_gaps"`
}

// NewStateMessage wraps a state snapshot.
func NewStateMessage(state StateData) (*Message, error) {
	return NewMessage(TypeState, state)
}

// NewCountersMessage wraps a counters snapshot.
func NewCountersMessage(c CountersData) (*Message, error) {
	return NewMessage(TypeCounters, c)
}

// StatusData describes a running bridge.
type StatusData struct {
	Session    string  `json:"session"`
	Device     string  `json:"device"`
	Uptime     float64 `json:"uptime"` // seconds
	Control    bool    `json:"control"`
	LoopPeriod float64 `json:"loop_period"` // seconds
	Joints     int     `json:"joints"`
	Bound      int     `json:"bound"`
	LinkClosed bool    `json:"link_closed"`
}
