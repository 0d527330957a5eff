package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedHandlers(t *testing.T) {
	m := New()

	var attached []byte
	var detached DetachEventData
	var connected, disconnected ClientEventData
	shutdown := false

	m.OnAttached(func(target []byte) { attached = target })
	m.OnDetached(func(d DetachEventData) { detached = d })
	m.OnClientConnected(func(d ClientEventData) { connected = d })
	m.OnClientDisconnected(func(d ClientEventData) { disconnected = d })
	m.OnShutdown(func() { shutdown = true })

	reason := errors.New("extension disconnected")
	m.Emit(EventAttached, []byte(`{"targetInfo":{}}`))
	m.Emit(EventDetached, DetachEventData{Reason: reason, Pending: 2})
	m.Emit(EventClientConnected, ClientEventData{ClientID: "c1", RemoteAddr: "127.0.0.1:5000"})
	m.Emit(EventClientDisconnected, ClientEventData{ClientID: "c1"})
	m.Emit(EventShutdownStarted, nil)

	assert.JSONEq(t, `{"targetInfo":{}}`, string(attached))
	assert.Equal(t, 2, detached.Pending)
	assert.ErrorIs(t, detached.Reason, reason)
	assert.Equal(t, "c1", connected.ClientID)
	assert.Equal(t, "c1", disconnected.ClientID)
	assert.True(t, shutdown)
}

func TestHandlersIgnoreMismatchedData(t *testing.T) {
	m := New()
	called := false
	m.OnDetached(func(DetachEventData) { called = true })

	m.Emit(EventDetached, "not detach data")
	assert.False(t, called)
}

func TestNilManagerIsInert(t *testing.T) {
	var m *Manager
	m.On(EventAttached, func(Event, any) { t.Fatal("nil manager must not dispatch") })
	m.Emit(EventAttached, nil)
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	m := New()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		m.On(EventServerStarted, func(Event, any) { order = append(order, i) })
	}
	m.Emit(EventServerStarted, nil)
	assert.Equal(t, []int{0, 1, 2}, order)
}
