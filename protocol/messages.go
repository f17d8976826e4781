// Package protocol defines the controller/device wire messages.
//
// Every frame is a JSON object carrying a "type" discriminator and a
// "timestamp" (Unix milliseconds, sender clock). Parse validates a frame
// against the embedded JSON schema for its type before decoding it into the
// matching typed message, so components only ever see well-formed values.
// Sync exchange times and sample times are Unix nanoseconds of the clock that
// took them.
package protocol

import (
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

// Type is the message discriminator.
type Type string

const (
	TypeHandshake    Type = "handshake"
	TypeHandshakeAck Type = "handshake_ack"
	TypeSyncRequest  Type = "sync_request"
	TypeSyncResponse Type = "sync_response"
	TypeStartRecord  Type = "start_record"
	TypeStopRecord   Type = "stop_record"
	TypeAck          Type = "ack"
	TypeDeviceStatus Type = "device_status"
	TypeSensorData   Type = "sensor_data"
	TypeFileInfo     Type = "file_info"
	TypeFileChunk    Type = "file_chunk"
	TypeFileEnd      Type = "file_end"
)

// Types lists every known message type.
var Types = []Type{
	TypeHandshake, TypeHandshakeAck, TypeSyncRequest, TypeSyncResponse,
	TypeStartRecord, TypeStopRecord, TypeAck, TypeDeviceStatus,
	TypeSensorData, TypeFileInfo, TypeFileChunk, TypeFileEnd,
}

// IsPriority reports whether messages of type t travel on the priority lane.
func IsPriority(t Type) bool {
	switch t {
	case TypeHandshake, TypeSyncResponse, TypeAck, TypeDeviceStatus:
		return true
	default:
		return false
	}
}

// Header is the envelope shared by every message.
type Header struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

func (h *Header) header() *Header { return h }

// Message is implemented by every typed message.
type Message interface {
	Kind() Type
	header() *Header
}

// Command is a session command that the device must acknowledge.
type Command interface {
	Message
	CommandID() string
	SetCommandID(id string)
}

// Handshake opens a link. It is always the first frame from a device.
type Handshake struct {
	Header
	DeviceID        string                 `json:"device_id"`
	DeviceName      string                 `json:"device_name,omitempty"`
	ProtocolVersion string                 `json:"protocol_version"`
	Transport       registry.TransportKind `json:"transport,omitempty"`
	Capabilities    []registry.Channel     `json:"capabilities"`
}

// HandshakeAck answers a handshake.
type HandshakeAck struct {
	Header
	Compatible      bool   `json:"compatible"`
	ProtocolVersion string `json:"protocol_version"`
	Message         string `json:"message,omitempty"`
}

// SyncRequest starts a four-timestamp exchange. T1 is the controller send time.
type SyncRequest struct {
	Header
	Seq uint64 `json:"seq"`
	T1  int64  `json:"t1"`
}

// SyncResponse echoes T1 and adds the device receive (T2) and send (T3) times.
type SyncResponse struct {
	Header
	Seq uint64 `json:"seq"`
	T1  int64  `json:"t1"`
	T2  int64  `json:"t2"`
	T3  int64  `json:"t3"`
}

// StartRecord asks a device to begin recording for a session.
type StartRecord struct {
	Header
	ID        string `json:"command_id"`
	SessionID string `json:"session_id"`
}

// StopRecord asks a device to stop recording.
type StopRecord struct {
	Header
	ID        string `json:"command_id"`
	SessionID string `json:"session_id"`
}

// Ack acknowledges a command.
type Ack struct {
	Header
	ID      string `json:"command_id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// DeviceStatus is the periodic heartbeat.
type DeviceStatus struct {
	Header
	Battery   float64 `json:"battery"`
	Quality   float64 `json:"quality"`
	Recording bool    `json:"recording,omitempty"`
}

// Reading is one raw sample: device-clock time in ns and value.
type Reading struct {
	T int64   `json:"t"`
	V float64 `json:"v"`
}

// SensorData is a batch of samples for one channel.
type SensorData struct {
	Header
	DeviceID string    `json:"device_id"`
	Channel  string    `json:"channel"`
	Samples  []Reading `json:"samples"`
}

// FileInfo announces a bulk file transfer.
type FileInfo struct {
	Header
	TransferID string `json:"transfer_id"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256"`
}

// FileChunk carries one base64-encoded chunk of a transfer.
type FileChunk struct {
	Header
	TransferID string `json:"transfer_id"`
	Seq        int64  `json:"seq"`
	Data       []byte `json:"data"`
}

// FileEnd closes a transfer.
type FileEnd struct {
	Header
	TransferID string `json:"transfer_id"`
}

func (*Handshake) Kind() Type    { return TypeHandshake }
func (*HandshakeAck) Kind() Type { return TypeHandshakeAck }
func (*SyncRequest) Kind() Type  { return TypeSyncRequest }
func (*SyncResponse) Kind() Type { return TypeSyncResponse }
func (*StartRecord) Kind() Type  { return TypeStartRecord }
func (*StopRecord) Kind() Type   { return TypeStopRecord }
func (*Ack) Kind() Type          { return TypeAck }
func (*DeviceStatus) Kind() Type { return TypeDeviceStatus }
func (*SensorData) Kind() Type   { return TypeSensorData }
func (*FileInfo) Kind() Type     { return TypeFileInfo }
func (*FileChunk) Kind() Type    { return TypeFileChunk }
func (*FileEnd) Kind() Type      { return TypeFileEnd }

func (m *StartRecord) CommandID() string      { return m.ID }
func (m *StartRecord) SetCommandID(id string) { m.ID = id }
func (m *StopRecord) CommandID() string       { return m.ID }
func (m *StopRecord) SetCommandID(id string)  { m.ID = id }

func newMessage(t Type) Message {
	switch t {
	case TypeHandshake:
		return &Handshake{}
	case TypeHandshakeAck:
		return &HandshakeAck{}
	case TypeSyncRequest:
		return &SyncRequest{}
	case TypeSyncResponse:
		return &SyncResponse{}
	case TypeStartRecord:
		return &StartRecord{}
	case TypeStopRecord:
		return &StopRecord{}
	case TypeAck:
		return &Ack{}
	case TypeDeviceStatus:
		return &DeviceStatus{}
	case TypeSensorData:
		return &SensorData{}
	case TypeFileInfo:
		return &FileInfo{}
	case TypeFileChunk:
		return &FileChunk{}
	case TypeFileEnd:
		return &FileEnd{}
	default:
		return nil
	}
}
