package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeExtensionResponse(t *testing.T) {
	msg, err := DecodeExtensionMessage([]byte(`{"id":7,"result":{"frameId":"F1"}}`))
	require.NoError(t, err)

	resp, ok := msg.(*Response)
	require.True(t, ok, "expected *Response, got %T", msg)
	assert.Equal(t, int64(7), resp.ID)
	assert.False(t, resp.IsError)
	assert.JSONEq(t, `{"frameId":"F1"}`, string(resp.Result))
}

func TestDecodeExtensionErrorResponse(t *testing.T) {
	msg, err := DecodeExtensionMessage([]byte(`{"id":3,"error":"No tab with given id"}`))
	require.NoError(t, err)

	resp := msg.(*Response)
	assert.True(t, resp.IsError)
	assert.Equal(t, "No tab with given id", resp.Error)
	assert.Nil(t, resp.Result)
}

func TestDecodeExtensionResponseViolations(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"neither result nor error", `{"id":1}`},
		{"both result and error", `{"id":1,"result":{},"error":"boom"}`},
		{"null result", `{"id":1,"result":null}`},
		{"non-string error", `{"id":1,"error":{"message":"boom"}}`},
		{"not json", `{"id":`},
		{"no id and no method", `{"result":{}}`},
		{"id and method", `{"id":1,"method":"forwardCDPEvent"}`},
		{"unknown method", `{"method":"ping"}`},
		{"event without params", `{"method":"forwardCDPEvent"}`},
		{"event without inner method", `{"method":"forwardCDPEvent","params":{"params":{}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeExtensionMessage([]byte(tt.frame))
			require.Error(t, err)
			assert.Nil(t, msg)
			assert.True(t, IsViolation(err), "expected violation, got %v", err)
		})
	}
}

func TestDecodeForwardEvent(t *testing.T) {
	frame := `{"method":"forwardCDPEvent","params":{"method":"Page.loadEventFired","sessionId":"S1","params":{"timestamp":1.5}}}`
	msg, err := DecodeExtensionMessage([]byte(frame))
	require.NoError(t, err)

	evt, ok := msg.(*ForwardEvent)
	require.True(t, ok)
	assert.Equal(t, "Page.loadEventFired", evt.Method)
	assert.Equal(t, "S1", evt.SessionID)
	assert.JSONEq(t, `{"timestamp":1.5}`, string(evt.Params))

	out, err := json.Marshal(EventFromExtension(evt))
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"Page.loadEventFired","sessionId":"S1","params":{"timestamp":1.5}}`, string(out))
}

func TestEventWithoutParamsGetsEmptyObject(t *testing.T) {
	msg, err := DecodeExtensionMessage([]byte(`{"method":"forwardCDPEvent","params":{"method":"Page.frameResized"}}`))
	require.NoError(t, err)

	out, err := json.Marshal(EventFromExtension(msg.(*ForwardEvent)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"Page.frameResized","params":{}}`, string(out))
}

func TestDecodeLog(t *testing.T) {
	msg, err := DecodeExtensionMessage([]byte(`{"method":"log","params":{"level":"warn","args":["tab","closed"]}}`))
	require.NoError(t, err)

	l, ok := msg.(*Log)
	require.True(t, ok)
	assert.Equal(t, LogLevelWarn, l.Level)
	assert.Equal(t, []string{"tab", "closed"}, l.Args)

	msg, err = DecodeExtensionMessage([]byte(`{"method":"log"}`))
	require.NoError(t, err)
	assert.Equal(t, LogLevelLog, msg.(*Log).Level)
}

func TestForwardCommandWireShape(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"id":1,"method":"Page.navigate","params":{"url":"https://example.com"}}`))
	require.NoError(t, err)

	out, err := json.Marshal(NewForwardCommand(7, cmd))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"id":7,"method":"forwardCDPCommand","params":{"method":"Page.navigate","params":{"url":"https://example.com"}}}`,
		string(out))

	out, err = json.Marshal(NewAttachToTab(1))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"method":"attachToTab"}`, string(out))
}

func TestForwardCommandKeepsSessionID(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"id":4,"method":"Runtime.evaluate","sessionId":"S9","params":{"expression":"1+1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "S9", cmd.SessionID)

	out, err := json.Marshal(NewForwardCommand(2, cmd))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"id":2,"method":"forwardCDPCommand","params":{"method":"Runtime.evaluate","sessionId":"S9","params":{"expression":"1+1"}}}`,
		string(out))
}

func TestDecodeCommandViolations(t *testing.T) {
	for _, frame := range []string{`{"method":"Page.enable"}`, `{"id":1}`, `[1,2]`, `nope`} {
		_, err := DecodeCommand([]byte(frame))
		assert.True(t, IsViolation(err), "frame %s: %v", frame, err)
	}
}

func TestCommandResponses(t *testing.T) {
	cmd := &Command{ID: 1, Method: "Page.navigate"}

	out, err := json.Marshal(NewResult(cmd, json.RawMessage(`{"frameId":"F1"}`)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"result":{"frameId":"F1"}}`, string(out))

	out, err = json.Marshal(NewError(cmd, errors.New("extension disconnected")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"error":{"message":"extension disconnected"}}`, string(out))

	cmd.SessionID = "S1"
	out, err = json.Marshal(NewError(cmd, errors.New("not attached")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"sessionId":"S1","error":{"message":"not attached"}}`, string(out))
}

func TestMalformedOnlyForUndecodableFrames(t *testing.T) {
	_, err := DecodeExtensionMessage([]byte(`{"id":`))
	assert.True(t, IsMalformed(err))

	_, err = DecodeExtensionMessage([]byte(`{"id":1}`))
	assert.True(t, IsViolation(err))
	assert.False(t, IsMalformed(err))

	_, err = DecodeCommand([]byte(`garbage`))
	assert.True(t, IsMalformed(err))
}

func TestViolationErrorUnwraps(t *testing.T) {
	inner := errors.New("inner")
	err := violation("bad", inner)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "protocol violation: bad: inner", err.Error())
}
