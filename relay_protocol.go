package plansync

import (
	"encoding/json"
	"fmt"
)

// Relay wire protocol: message-oriented JSON over a single websocket, one
// logical event per text message. Every message is an envelope carrying a
// type tag and a type-specific payload.

// MessageType tags a relay protocol message.
type MessageType string

const (
	// Client → server
	MsgRegister        MessageType = "register"
	MsgSubmitChange    MessageType = "submit-change"
	MsgSubmitBatch     MessageType = "submit-batch"
	MsgRequestFullSync MessageType = "request-full-sync"
	MsgPing            MessageType = "ping"
	MsgGetDevices      MessageType = "get-devices"

	// Server → sender
	MsgRegistered     MessageType = "registered"
	MsgSyncSaved      MessageType = "sync-saved"
	MsgSyncBatchSaved MessageType = "sync-batch-saved"
	MsgFullSyncData   MessageType = "full-sync-data"
	MsgPong           MessageType = "pong"
	MsgDevicesList    MessageType = "devices-list"
	MsgError          MessageType = "error"

	// Server → peers
	MsgSyncData           MessageType = "sync-data"
	MsgSyncBatchData      MessageType = "sync-batch-data"
	MsgDeviceConnected    MessageType = "device-connected"
	MsgDeviceDisconnected MessageType = "device-disconnected"
)

// Envelope is the outer frame of every relay message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload announces a device under a user identity.
type RegisterPayload struct {
	UserID     string     `json:"userId"`
	DeviceID   string     `json:"deviceId"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

// RegisteredPayload acknowledges registration.
type RegisteredPayload struct {
	UserID           string `json:"userId"`
	ConnectionID     string `json:"connectionId"`
	ConnectedDevices int    `json:"connectedDevices"`
}

// SubmitBatchPayload carries a debounced batch of change records.
type SubmitBatchPayload struct {
	Items     []ChangeRecord `json:"items"`
	Timestamp int64          `json:"timestamp"`
}

// SyncSavedPayload acknowledges a single submitted change. Sent regardless
// of whether the merge accepted the record.
type SyncSavedPayload struct {
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
}

// SyncBatchSavedPayload acknowledges a submitted batch.
type SyncBatchSavedPayload struct {
	Count     int   `json:"count"`
	Timestamp int64 `json:"timestamp"`
}

// SyncBatchDataPayload fans a batch out to room peers. Items contains only
// the records the room cache accepted.
type SyncBatchDataPayload struct {
	Items     []ChangeRecord `json:"items"`
	Timestamp int64          `json:"timestamp"`
	UpdatedBy string         `json:"updatedBy"`
}

// FullSyncDataPayload carries a room's full cache snapshot.
type FullSyncDataPayload struct {
	Data      Snapshot `json:"data"`
	Timestamp int64    `json:"timestamp"`
}

// PongPayload answers a ping with server time. Liveness only; record
// timestamps are always produced client-side.
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// DeviceSummary describes one connected device in a devices listing.
type DeviceSummary struct {
	ConnectionID string     `json:"connectionId"`
	DeviceID     string     `json:"deviceId"`
	DeviceInfo   DeviceInfo `json:"deviceInfo"`
	ConnectedAt  int64      `json:"connectedAt"`
}

// DevicesListPayload lists the devices currently in the sender's room.
type DevicesListPayload struct {
	Devices []DeviceSummary `json:"devices"`
}

// DeviceEventPayload announces a peer joining or leaving the room.
type DeviceEventPayload struct {
	ConnectionID string `json:"connectionId"`
	DeviceID     string `json:"deviceId"`
	TotalDevices int    `json:"totalDevices"`
}

// ErrorPayload is the server's reply to a malformed or out-of-state message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in ErrorPayload.
const (
	ErrCodeUnregistered = "unregistered"
	ErrCodeBadMessage   = "bad-message"
	ErrCodeUnknownType  = "unknown-type"
)

// encodeMessage marshals an envelope with the given payload.
func encodeMessage(t MessageType, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		raw = data
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// decodePayload unmarshals an envelope payload into dst.
func decodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
