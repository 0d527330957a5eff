package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neboloop/tabrelay/internal/httputil"
	"github.com/neboloop/tabrelay/internal/lifecycle"
	"github.com/neboloop/tabrelay/internal/pending"
	"github.com/neboloop/tabrelay/internal/protocol"
)

// extensionConn is the single live channel to the extension. Writes are
// serialized by writeMu; one goroutine reads.
type extensionConn struct {
	ws      *websocket.Conn
	remote  string
	writeMu sync.Mutex

	// gen is the pending table generation this connection's ids belong to.
	// It is set before the read loop starts.
	gen uint64

	closeOnce sync.Once
	done      chan struct{}
}

func newExtensionConn(ws *websocket.Conn, remote string) *extensionConn {
	return &extensionConn{ws: ws, remote: remote, done: make(chan struct{})}
}

func (c *extensionConn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *extensionConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// HandleExtensionWS accepts the extension's WebSocket. A new connection
// replaces any existing one.
func (r *Relay) HandleExtensionWS(w http.ResponseWriter, req *http.Request) {
	if !r.allowPeer(w, req) {
		return
	}
	if r.isStopped() {
		httputil.Unavailable(w, ErrRelayStopped.Error())
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug("extension upgrade failed", "error", err)
		return
	}

	conn := newExtensionConn(ws, req.RemoteAddr)
	r.log.Info("extension connected", "remote", conn.remote)

	ws.SetReadLimit(maxMessageSize)
	r.startKeepalive(ws, conn.done)

	if !r.attachExtension(conn) {
		conn.close()
		return
	}

	r.readExtension(conn)
	r.extensionLost(conn, ErrExtensionDisconnected)
}

func (r *Relay) readExtension(conn *extensionConn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.Warn("extension read error", "error", err)
			} else {
				r.log.Debug("extension channel closed", "error", err)
			}
			return
		}
		r.extendReadDeadline(conn.ws)

		if err := r.handleExtensionMessage(conn, data); err != nil {
			r.log.Error("extension sent an undecodable frame, disconnecting",
				"error", err, "frame", truncate(string(data), 300))
			return
		}
	}
}

// handleExtensionMessage routes one extension frame. It returns an error only
// when the frame is not decodable at all; shape violations are dropped.
func (r *Relay) handleExtensionMessage(conn *extensionConn, data []byte) error {
	r.log.Debug("← extension", "frame", truncate(string(data), 300))

	msg, err := protocol.DecodeExtensionMessage(data)
	if err != nil {
		r.metrics.Violations.WithLabelValues("extension").Inc()
		if protocol.IsMalformed(err) {
			return err
		}
		r.log.Warn("dropping extension frame", "error", err, "frame", truncate(string(data), 300))
		return nil
	}

	r.mu.RLock()
	current := r.ext == conn
	r.mu.RUnlock()
	if !current {
		r.log.Debug("dropping frame from superseded extension connection")
		return nil
	}

	switch m := msg.(type) {
	case *protocol.Response:
		r.resolveResponse(conn, m)
	case *protocol.ForwardEvent:
		r.broadcast(protocol.EventFromExtension(m))
	case *protocol.Log:
		r.logExtension(m)
	default:
		r.log.Error("unhandled extension message", "type", fmt.Sprintf("%T", msg))
	}
	return nil
}

// resolveResponse completes the pending request m answers. Only requests
// sent on conn can match, even when a newer connection reuses the id.
func (r *Relay) resolveResponse(conn *extensionConn, m *protocol.Response) bool {
	out := pending.Outcome{Result: m.Result}
	if m.IsError {
		out = pending.Outcome{Err: errors.New(m.Error)}
	}
	if !r.pending.ResolveIn(conn.gen, m.ID, out) {
		r.metrics.Violations.WithLabelValues("extension").Inc()
		r.log.Warn("dropping response for unknown request", "id", m.ID)
		return false
	}
	return true
}

// attachExtension installs conn as the live channel and asks it to attach.
// Any previous channel is torn down first, failing its pending commands.
func (r *Relay) attachExtension(conn *extensionConn) bool {
	r.attachMu.Lock()
	defer r.attachMu.Unlock()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	stale := r.ext
	var orphaned []*clientConn
	if stale != nil {
		orphaned = r.detachLocked()
	}
	r.ext = conn
	r.setStateLocked(AttachState{Phase: Attaching})
	r.mu.Unlock()

	r.metrics.ExtensionConnects.Inc()
	if stale != nil {
		r.log.Info("extension connection superseded", "old", stale.remote, "new", conn.remote)
		stale.close()
		r.finishDetach(orphaned, ErrExtensionDisconnected)
	}
	r.hooks.Emit(lifecycle.EventExtensionConnected, conn.remote)

	// Ids restart for each extension connection. Anything still in the table
	// belonged to the previous one.
	conn.gen = r.pending.Reset(ErrExtensionDisconnected)

	id := r.pending.Register(pending.Origin{}, func(out pending.Outcome) {
		r.attachResolved(conn, out)
	})
	if err := conn.send(protocol.NewAttachToTab(id)); err != nil {
		r.pending.Resolve(id, pending.Outcome{Err: fmt.Errorf("send attachToTab: %w", err)})
		conn.close()
	}
	return true
}

func (r *Relay) attachResolved(conn *extensionConn, out pending.Outcome) {
	r.mu.Lock()
	if r.ext != conn || r.state.Phase != Attaching {
		r.mu.Unlock()
		return
	}
	if out.Err != nil {
		r.setStateLocked(AttachState{Phase: Detached})
		r.mu.Unlock()

		r.log.Error("attach to tab failed", "error", out.Err)
		r.hooks.Emit(lifecycle.EventDetached, lifecycle.DetachEventData{Reason: out.Err})
		return
	}

	t := newAttachedTarget(out.Result)
	r.setStateLocked(AttachState{Phase: Attached, Target: t})
	r.mu.Unlock()

	if t.Info != nil {
		r.log.Info("attached to tab", "target", t.Info.TargetID, "url", t.Info.URL, "session", t.SessionID)
	} else {
		r.log.Info("attached to tab")
	}
	r.hooks.Emit(lifecycle.EventAttached, []byte(out.Result))
}

// extensionLost handles the end of conn's read loop. It is a no-op when conn
// was already superseded.
func (r *Relay) extensionLost(conn *extensionConn, reason error) {
	r.attachMu.Lock()
	defer r.attachMu.Unlock()

	r.mu.Lock()
	if r.ext != conn {
		r.mu.Unlock()
		conn.close()
		return
	}
	clients := r.detachLocked()
	r.mu.Unlock()

	conn.close()
	r.log.Warn("extension disconnected", "pending", r.pending.Len(), "clients", len(clients))
	r.finishDetach(clients, reason)
}

// detachLocked drops the extension channel and unroutes every client.
// Must be called with r.mu held for writing.
func (r *Relay) detachLocked() []*clientConn {
	r.ext = nil
	r.setStateLocked(AttachState{Phase: Detached})
	return r.takeClientsLocked()
}

// finishDetach fails every pending command, then closes the clients that
// were connected through the lost channel. Each client receives its error
// responses before the close frame.
func (r *Relay) finishDetach(clients []*clientConn, reason error) {
	n := r.pending.FailAll(reason)
	for _, c := range clients {
		r.notifyClose(c, websocket.CloseInternalServerErr, reason.Error())
	}
	r.hooks.Emit(lifecycle.EventExtensionDisconnected, nil)
	r.hooks.Emit(lifecycle.EventDetached, lifecycle.DetachEventData{Reason: reason, Pending: n})
}

func (r *Relay) logExtension(m *protocol.Log) {
	level := m.Level
	switch level {
	case protocol.LogLevelLog, protocol.LogLevelDebug, protocol.LogLevelInfo,
		protocol.LogLevelWarn, protocol.LogLevelError:
	default:
		level = protocol.LogLevelLog
	}
	r.metrics.ExtensionLogs.WithLabelValues(string(level)).Inc()

	text := strings.Join(m.Args, " ")
	if level == protocol.LogLevelError {
		r.sink.Error(text)
		return
	}
	r.sink.Log(text, "ext_level", string(level))
}
