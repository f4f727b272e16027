// Package devices owns the gateway side of the device WebSocket protocol: the
// registry of live device sessions and command dispatch with correlated
// responses.
package devices

import (
	"encoding/json"
	"errors"
	"time"
)

// Message types exchanged over /ws/devices.
const (
	MsgRegister        = "device_register"
	MsgRegistered      = "device_registered"
	MsgHeartbeat       = "heartbeat"
	MsgCommand         = "command"
	MsgCommandResponse = "command_response"
	MsgPing            = "ping"
	MsgPong            = "pong"
	MsgError           = "error"
)

var (
	ErrDeviceOffline = errors.New("device offline")
	ErrDeviceTimeout = errors.New("device did not respond in time")
	ErrDeviceFailed  = errors.New("device reported failure")
)

// Message is the single JSON envelope used in both directions.
type Message struct {
	Type         string          `json:"type"`
	DeviceID     string          `json:"deviceId,omitempty"`
	CommandID    string          `json:"commandId,omitempty"`
	Command      string          `json:"command,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        string          `json:"error,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"` // unix millis
}

// Conn is the subset of a WebSocket connection the hub needs. Both the fiber
// websocket.Conn and gorilla's *websocket.Conn satisfy it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Info is the public view of a registered device.
type Info struct {
	DeviceID     string    `json:"deviceId"`
	Capabilities []string  `json:"capabilities"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen"`
	Busy         bool      `json:"busy"`
}

// Result is a successful command response.
type Result struct {
	CommandID string          `json:"commandId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func boolPtr(b bool) *bool { return &b }
