// Package wire defines the JSON frame shape exchanged over the gateway's
// WebSocket connections and the typed payloads carried inside it.
package wire

import "encoding/json"

// Frame types.
const (
	TypeAuth    = "auth"
	TypePTY     = "pty"
	TypeService = "service"
	TypeSystem  = "system"
)

// Actions carried by each frame type.
const (
	ActionAuthSuccess = "success"

	ActionPTYCreate      = "create"
	ActionPTYCreated     = "created"
	ActionPTYWrite       = "write"
	ActionPTYResize      = "resize"
	ActionPTYClose       = "close"
	ActionPTYList        = "list"
	ActionPTYGet         = "get"
	ActionPTYData        = "data"
	ActionPTYExit        = "exit"
	ActionPTYSubscribe   = "subscribe"
	ActionPTYUnsubscribe = "unsubscribe"

	ActionServiceStart     = "start"
	ActionServiceStop      = "stop"
	ActionServiceRestart   = "restart"
	ActionServiceStatus    = "status"
	ActionServiceList      = "list"
	ActionServiceOutput    = "output"
	ActionServiceSubscribe = "subscribe"

	ActionSystemPing  = "ping"
	ActionSystemPong  = "pong"
	ActionSystemInfo  = "info"
	ActionSystemError = "error"
)

// Envelope is the outer shape of every frame exchanged over the WebSocket.
// The payload is decoded once here, then re-decoded into the per-action
// struct the handler expects — the dynamic part of the protocol stops at
// this boundary (spec §9 "Dynamic frame shape").
type Envelope struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Reply builds a response envelope carrying the same requestId as the
// originating frame, so the caller can correlate it. Events (produced
// outside of a request) are built with it too, passing an empty
// requestID. The router answers a request whether or not it carried a
// requestId; without one the reply is simply uncorrelated.
func Reply(typ, action string, payload any, requestID string) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Action: action, Payload: data, RequestID: requestID}, nil
}

// ErrorPayload is the payload of a system/error frame.
type ErrorPayload struct {
	Error string `json:"error"`
}

// AuthPayload is the payload of an auth frame sent by the client.
type AuthPayload struct {
	Token      string `json:"token"`
	ClientID   string `json:"clientId"`
	DeviceName string `json:"deviceName"`
}

// AuthSuccessPayload is the payload of the server's auth/success reply.
type AuthSuccessPayload struct {
	ConnectionID string             `json:"connectionId"`
	Sessions     []PTYSessionDTO    `json:"sessions"`
	Services     []ServiceStatusDTO `json:"services"`
}

// PTYSessionDTO is the wire representation of a PTYSession.
type PTYSessionDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	CWD       string `json:"cwd"`
	Shell     string `json:"shell"`
	CreatedAt int64  `json:"createdAt"`
}

// PTYCreatePayload requests a new PTY session.
type PTYCreatePayload struct {
	Name  string `json:"name,omitempty"`
	Cols  int    `json:"cols,omitempty"`
	Rows  int    `json:"rows,omitempty"`
	CWD   string `json:"cwd,omitempty"`
	Shell string `json:"shell,omitempty"`
}

// PTYSessionRefPayload is any payload that only needs to name a session —
// close/subscribe/unsubscribe/get use it as is; the write and resize
// payloads carry their own SessionID field.
type PTYSessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

// PTYWritePayload carries bytes typed by the remote client into the PTY.
type PTYWritePayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// PTYResizePayload resizes a PTY.
type PTYResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// PTYDataPayload carries PTY output data to a subscriber.
type PTYDataPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// PTYExitPayload reports PTY child termination.
type PTYExitPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
	Signal    string `json:"signal,omitempty"`
}

// ServiceStatusDTO is the wire representation of a ServiceStatus.
type ServiceStatusDTO struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	PID       int    `json:"pid,omitempty"`
	UptimeMS  int64  `json:"uptime,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// ServiceRefPayload names a service for start/stop/restart/subscribe.
type ServiceRefPayload struct {
	ServiceID string `json:"serviceId"`
}

// ServiceOutputPayload carries a chunk of service stdio.
type ServiceOutputPayload struct {
	ServiceID string `json:"serviceId"`
	Stream    string `json:"stream"`
	Data      string `json:"data"`
}

// SystemPongPayload answers a system/ping.
type SystemPongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// SystemInfoPayload answers a system/info request with a host snapshot.
type SystemInfoPayload struct {
	Platform string `json:"platform"`
	Hostname string `json:"hostname"`
}
