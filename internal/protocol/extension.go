package protocol

import (
	"encoding/json"
)

// AttachToTab asks the extension to attach its debugger to the current tab.
type AttachToTab struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
}

// NewAttachToTab builds an attach request with the given relay-assigned id.
func NewAttachToTab(id int64) *AttachToTab {
	return &AttachToTab{ID: id, Method: MethodAttachToTab}
}

// ForwardCommand wraps a CDP command for execution by the extension.
type ForwardCommand struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params CDPEnvelope `json:"params"`
}

// CDPEnvelope is the inner CDP call or event carried by forward envelopes.
type CDPEnvelope struct {
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// NewForwardCommand wraps cmd under the relay-assigned id.
func NewForwardCommand(id int64, cmd *Command) *ForwardCommand {
	return &ForwardCommand{
		ID:     id,
		Method: MethodForwardCDPCommand,
		Params: CDPEnvelope{
			Method:    cmd.Method,
			SessionID: cmd.SessionID,
			Params:    cmd.Params,
		},
	}
}

// ExtensionMessage is one decoded frame from the extension: *Response,
// *ForwardEvent or *Log.
type ExtensionMessage interface {
	extensionMessage()
}

// Response answers an AttachToTab or ForwardCommand. Exactly one of Result
// and Error is set; IsError tells which.
type Response struct {
	ID      int64
	Result  json.RawMessage
	Error   string
	IsError bool
}

// ForwardEvent is an unsolicited CDP event observed by the extension.
type ForwardEvent struct {
	CDPEnvelope
}

// Log is a diagnostic line from the extension.
type Log struct {
	Level LogLevel
	Args  []string
}

func (*Response) extensionMessage()     {}
func (*ForwardEvent) extensionMessage() {}
func (*Log) extensionMessage()          {}

type extensionFrame struct {
	ID     *int64          `json:"id"`
	Method *string         `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

type logParams struct {
	Level LogLevel `json:"level"`
	Args  []string `json:"args"`
}

// DecodeExtensionMessage decodes one extension frame. Any shape other than a
// response, a forwarded event or a log line yields a *ViolationError.
func DecodeExtensionMessage(data []byte) (ExtensionMessage, error) {
	var f extensionFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, malformed("malformed extension frame", err)
	}

	switch {
	case f.ID != nil && f.Method == nil:
		return decodeResponse(&f)
	case f.ID == nil && f.Method != nil:
		switch *f.Method {
		case MethodForwardCDPEvent:
			return decodeForwardEvent(&f)
		case MethodLog:
			return decodeLog(&f)
		default:
			return nil, violation("unknown extension method "+*f.Method, nil)
		}
	default:
		return nil, violation("frame is neither a response nor an event", nil)
	}
}

func decodeResponse(f *extensionFrame) (*Response, error) {
	hasResult := present(f.Result)
	hasError := present(f.Error)
	if hasResult == hasError {
		return nil, violation("response must carry exactly one of result and error", nil)
	}

	resp := &Response{ID: *f.ID}
	if hasResult {
		resp.Result = f.Result
		return resp, nil
	}
	if err := json.Unmarshal(f.Error, &resp.Error); err != nil {
		return nil, violation("response error is not a string", err)
	}
	resp.IsError = true
	return resp, nil
}

func decodeForwardEvent(f *extensionFrame) (*ForwardEvent, error) {
	if !present(f.Params) {
		return nil, violation("forwarded event without params", nil)
	}
	var evt ForwardEvent
	if err := json.Unmarshal(f.Params, &evt.CDPEnvelope); err != nil {
		return nil, violation("malformed forwarded event", err)
	}
	if evt.Method == "" {
		return nil, violation("forwarded event without method", nil)
	}
	return &evt, nil
}

func decodeLog(f *extensionFrame) (*Log, error) {
	var p logParams
	if present(f.Params) {
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, violation("malformed log params", err)
		}
	}
	if p.Level == "" {
		p.Level = LogLevelLog
	}
	return &Log{Level: p.Level, Args: p.Args}, nil
}
