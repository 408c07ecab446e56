package wireproto

import "encoding/json"

// Header tokens for every message in the protocol (spec.md §6).
const (
	// Client -> Server
	HeaderAuth            = "auth"
	HeaderSessionCreate    = "session_create"
	HeaderSessionSwitch    = "session_switch"
	HeaderSessionReady     = "session_ready"
	HeaderBufferRequest    = "buffer_request"
	HeaderFramebufferLink  = "framebuffer_link"

	// Server -> Client
	HeaderHello            = "hello"
	HeaderAuthOK           = "auth_ok"
	HeaderAuthError        = "auth_error"
	HeaderSessionCreated   = "session_created"
	HeaderSessionState     = "session_state"
	HeaderSessionActive    = "session_active"
	HeaderSessionAwake     = "session_awake"
	HeaderSessionSleep     = "session_sleep"
	HeaderMonitorAdded     = "monitor_added"
	HeaderMonitorRemoved   = "monitor_removed"
	HeaderBufferRequestAck = "buffer_request_ack"
	HeaderBufferRelease    = "buffer_release"
	HeaderInputEvent       = "input_event"
	HeaderError            = "error"
)

// ProtocolVersion is the version advertised in the first Hello frame.
const ProtocolVersion = 1

// Role distinguishes a session's privilege level.
type Role string

const (
	RoleAdmin  Role = "Admin"
	RoleNormal Role = "Session"
)

// BufferIndex mirrors ids.BufferIndex on the wire.
type BufferIndex uint8

// MonitorInfo is the wire form of a monitor's immutable description.
type MonitorInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Width       int32  `json:"width"`
	Height      int32  `json:"height"`
	RefreshRate int32  `json:"refresh_rate"`
}

// SessionInfo is the wire form of a session's externally-visible state.
type SessionInfo struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	Ready       bool   `json:"ready"`
	DisplayName string `json:"display_name,omitempty"`
}

// --- Client -> Server payloads ---

type AuthPayload struct {
	Token string `json:"token"`
}

type SessionCreatePayload struct {
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
}

type SessionSwitchPayload struct {
	SessionID  string  `json:"session_id"`
	Animation  *string `json:"animation,omitempty"`
	DurationMS int64   `json:"duration_ms"`
}

type SessionReadyPayload struct {
	SessionID string `json:"session_id"`
}

type BufferRequestPayload struct {
	MonitorID   string      `json:"monitor_id"`
	BufferIndex BufferIndex `json:"buffer_index"`
}

type FramebufferLinkPayload struct {
	MonitorID string `json:"monitor_id"`
	Width     int32  `json:"width"`
	Height    int32  `json:"height"`
	Stride    int32  `json:"stride"`
	Offset    int32  `json:"offset"`
	Fourcc    int32  `json:"fourcc"`
}

// --- Server -> Client payloads ---

type HelloPayload struct {
	Server          string `json:"server"`
	ProtocolVersion int    `json:"protocol_version"`
}

type AuthOKPayload struct {
	Session  SessionInfo   `json:"session"`
	Monitors []MonitorInfo `json:"monitors"`
}

type AuthErrorPayload struct {
	Error string `json:"error"`
}

type SessionCreatedPayload struct {
	Token   string      `json:"token"`
	Session SessionInfo `json:"session"`
}

type SessionStatePayload struct {
	Session SessionInfo `json:"session"`
}

type SessionIDPayload struct {
	SessionID string `json:"session_id"`
}

type MonitorAddedPayload struct {
	Monitor MonitorInfo `json:"monitor"`
}

type MonitorRemovedPayload struct {
	MonitorID string `json:"monitor_id"`
	Name      string `json:"name"`
}

type BufferRequestAckPayload struct {
	MonitorID   string      `json:"monitor_id"`
	BufferIndex BufferIndex `json:"buffer_index"`
}

type BufferReleasePayload struct {
	MonitorID   string      `json:"monitor_id"`
	BufferIndex BufferIndex `json:"buffer_index"`
}

// ErrorCode enumerates the error codes a server may report to a client.
type ErrorCode string

const (
	ErrForbidden             ErrorCode = "forbidden"
	ErrInvalidSessionID      ErrorCode = "invalid_session_id"
	ErrUnknownSession        ErrorCode = "unknown_session"
	ErrSessionLoading        ErrorCode = "session_loading"
	ErrSessionSleeping       ErrorCode = "session_sleeping"
	ErrOwnershipViolation    ErrorCode = "ownership_violation"
	ErrBufferRequestInflight ErrorCode = "buffer_request_inflight"
	ErrBufferRequestRejected ErrorCode = "buffer_request_rejected"
	ErrRenderUnavailable     ErrorCode = "render_unavailable"
	ErrInvalidTransition     ErrorCode = "invalid_transition"
)

// ErrorPayload is the payload of an `error` frame.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// ProtocolError is a server-reported error keyed by ErrorCode, used both as
// the in-process error type and marshalled into ErrorPayload for the wire.
type ProtocolError struct {
	Code    ErrorCode
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func NewProtocolError(code ErrorCode, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// EncodePayload marshals v to JSON for use as a Frame's Payload.
func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload unmarshals a Frame's Payload into v.
func DecodePayload(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}
