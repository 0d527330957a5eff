package protocol

import (
	"encoding/json"
)

// Command is a CDP command sent by an automation client.
type Command struct {
	ID        int64
	Method    string
	Params    json.RawMessage
	SessionID string
}

type commandFrame struct {
	ID        *int64          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId"`
}

// DecodeCommand decodes a client frame. A frame without a numeric id or a
// method is a *ViolationError.
func DecodeCommand(data []byte) (*Command, error) {
	var f commandFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, malformed("malformed client frame", err)
	}
	if f.ID == nil {
		return nil, violation("command without id", nil)
	}
	if f.Method == "" {
		return nil, violation("command without method", nil)
	}

	cmd := &Command{ID: *f.ID, Method: f.Method, SessionID: f.SessionID}
	if present(f.Params) {
		cmd.Params = f.Params
	}
	return cmd, nil
}

// CommandResponse is the relay's terminal reply to a client command.
type CommandResponse struct {
	ID        int64           `json:"id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// ErrorBody is the client-facing error object.
type ErrorBody struct {
	Message string `json:"message"`
}

// NewResult answers cmd with a result payload.
func NewResult(cmd *Command, result json.RawMessage) *CommandResponse {
	return &CommandResponse{ID: cmd.ID, Result: result, SessionID: cmd.SessionID}
}

// NewError answers cmd with an error.
func NewError(cmd *Command, err error) *CommandResponse {
	return &CommandResponse{
		ID:        cmd.ID,
		Error:     &ErrorBody{Message: err.Error()},
		SessionID: cmd.SessionID,
	}
}

// Event is an unsolicited CDP event delivered to clients.
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId,omitempty"`
}

var emptyParams = json.RawMessage(`{}`)

// EventFromExtension unwraps a forwarded event for clients. Params default to
// an empty object.
func EventFromExtension(evt *ForwardEvent) *Event {
	params := evt.Params
	if !present(params) {
		params = emptyParams
	}
	return &Event{Method: evt.Method, Params: params, SessionID: evt.SessionID}
}
