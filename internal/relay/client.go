package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/neboloop/tabrelay/internal/events"
	"github.com/neboloop/tabrelay/internal/httputil"
	"github.com/neboloop/tabrelay/internal/lifecycle"
	"github.com/neboloop/tabrelay/internal/metrics"
	"github.com/neboloop/tabrelay/internal/pending"
	"github.com/neboloop/tabrelay/internal/protocol"
)

// clientConn is one CDP client. The event bus hands it messages in emit
// order; writePump writes them so a slow peer only holds up itself.
type clientConn struct {
	id     string
	ws     *websocket.Conn
	remote string
	sub    events.Subscription

	send    chan outbound
	drained chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// outbound is one queued frame, or a close notice when notice is set.
type outbound struct {
	data   []byte
	notice *closeNotice
}

func newClientConn(id string, ws *websocket.Conn, remote string, queue int) *clientConn {
	return &clientConn{
		id:      id,
		ws:      ws,
		remote:  remote,
		send:    make(chan outbound, queue),
		drained: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// closeNotice asks the writer to send a close frame after everything queued
// ahead of it for the same client.
type closeNotice struct {
	code   int
	reason string
}

// writePump writes queued frames until the client closes or a close notice
// has been sent.
func (c *clientConn) writePump() {
	defer close(c.drained)
	for {
		select {
		case <-c.done:
			return
		case out := <-c.send:
			if out.notice != nil {
				c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(out.notice.code, out.notice.reason),
					time.Now().Add(writeWait))
				c.close()
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, out.data); err != nil {
				c.close()
				return
			}
		}
	}
}

// enqueue runs on the bus goroutine and never blocks. A client whose queue is
// full is disconnected.
func (r *Relay) enqueue(c *clientConn, msg any) error {
	var out outbound
	if n, ok := msg.(closeNotice); ok {
		out.notice = &n
	} else {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode client message: %w", err)
		}
		out.data = data
	}

	select {
	case c.send <- out:
		return nil
	case <-c.done:
		return nil
	default:
	}

	r.metrics.ClientsDropped.Inc()
	r.log.Warn("client send queue full, disconnecting", "client", c.id, "queued", len(c.send))
	c.close()
	return ErrClientSendQueueFull
}

// HandleCdpWS accepts a CDP client. The client id comes from the path when
// given and is generated otherwise.
func (r *Relay) HandleCdpWS(w http.ResponseWriter, req *http.Request) {
	if !r.allowPeer(w, req) || !r.checkAuth(w, req) {
		return
	}
	if r.isStopped() {
		httputil.Unavailable(w, ErrRelayStopped.Error())
		return
	}

	clientID := chi.URLParam(req, "clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	} else if r.hasClient(clientID) {
		httputil.Conflict(w, "client id already connected")
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug("client upgrade failed", "error", err)
		return
	}

	c := newClientConn(clientID, ws, req.RemoteAddr, r.opts.ClientQueueSize)
	c.sub = events.Subscribe[any](r.bus, events.ClientTopic(c.id), func(_ context.Context, msg any) error {
		return r.enqueue(c, msg)
	})
	go c.writePump()
	if err := r.addClient(c); err != nil {
		c.sub.Unsubscribe()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		c.close()
		return
	}

	info := lifecycle.ClientEventData{ClientID: c.id, RemoteAddr: c.remote}
	r.log.Info("client connected", "client", c.id, "remote", c.remote)
	r.hooks.Emit(lifecycle.EventClientConnected, info)

	ws.SetReadLimit(maxMessageSize)
	r.startKeepalive(ws, c.done)
	r.readClient(c)

	r.removeClient(c)
	c.sub.Unsubscribe()
	c.close()
	r.log.Info("client disconnected", "client", c.id)
	r.hooks.Emit(lifecycle.EventClientDisconnected, info)
}

func (r *Relay) readClient(c *clientConn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			r.log.Debug("client read ended", "client", c.id, "error", err)
			return
		}
		r.extendReadDeadline(c.ws)

		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			r.metrics.Violations.WithLabelValues("client").Inc()
			r.log.Warn("dropping client frame", "client", c.id, "error", err,
				"frame", truncate(string(data), 300))
			continue
		}
		r.handleCommand(c, cmd)
	}
}

// handleCommand forwards cmd to the extension under a fresh relay id, or
// answers it immediately when no tab is attached.
func (r *Relay) handleCommand(c *clientConn, cmd *protocol.Command) {
	r.log.Debug("← client", "client", c.id, "id", cmd.ID, "method", cmd.Method, "session", cmd.SessionID)

	// Holding the read lock across Register keeps a detach from slipping in
	// between the state check and the table entry.
	r.mu.RLock()
	ext := r.ext
	if r.state.Phase != Attached || ext == nil {
		r.mu.RUnlock()
		r.metrics.CommandsRejected.WithLabelValues("not_attached").Inc()
		r.emit(c.id, protocol.NewError(cmd, ErrNotAttached))
		return
	}
	issued := time.Now()
	origin := pending.Origin{ClientID: c.id, RequestID: cmd.ID, SessionID: cmd.SessionID}
	id := r.pending.Register(origin, func(out pending.Outcome) {
		r.respond(c.id, cmd, out, issued)
	})
	r.mu.RUnlock()

	r.metrics.CommandsForwarded.Inc()
	r.log.Debug("→ extension", "id", id, "client", c.id, "client_id", cmd.ID, "method", cmd.Method)
	if err := ext.send(protocol.NewForwardCommand(id, cmd)); err != nil {
		r.pending.Resolve(id, pending.Outcome{Err: fmt.Errorf("%w: %v", ErrExtensionDisconnected, err)})
		ext.close()
	}
}

// forwardInternal sends a command on the relay's own behalf and waits for its
// outcome. Nothing is sent unless a tab is attached.
func (r *Relay) forwardInternal(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	cmd := &protocol.Command{Method: method, Params: raw}
	done := make(chan pending.Outcome, 1)

	r.mu.RLock()
	ext := r.ext
	if r.state.Phase != Attached || ext == nil {
		r.mu.RUnlock()
		r.metrics.CommandsRejected.WithLabelValues("not_attached").Inc()
		return nil, ErrNotAttached
	}
	id := r.pending.Register(pending.Origin{}, func(out pending.Outcome) {
		done <- out
	})
	r.mu.RUnlock()

	r.metrics.CommandsForwarded.Inc()
	r.log.Debug("→ extension", "id", id, "method", method)
	if err := ext.send(protocol.NewForwardCommand(id, cmd)); err != nil {
		r.pending.Resolve(id, pending.Outcome{Err: fmt.Errorf("%w: %v", ErrExtensionDisconnected, err)})
		ext.close()
	}

	select {
	case out := <-done:
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// respond delivers the terminal outcome of a forwarded command to the client
// that issued it, restoring the client's own id.
func (r *Relay) respond(clientID string, cmd *protocol.Command, out pending.Outcome, issued time.Time) {
	var resp *protocol.CommandResponse
	outcome := metrics.OutcomeResult
	switch {
	case out.Err == nil:
		resp = protocol.NewResult(cmd, out.Result)
	case errors.Is(out.Err, pending.ErrTimeout):
		outcome = metrics.OutcomeTimeout
		resp = protocol.NewError(cmd, out.Err)
	case errors.Is(out.Err, ErrExtensionDisconnected), errors.Is(out.Err, ErrRelayStopped):
		outcome = metrics.OutcomeDisconnected
		resp = protocol.NewError(cmd, out.Err)
	default:
		outcome = metrics.OutcomeError
		resp = protocol.NewError(cmd, out.Err)
	}
	r.metrics.Responses.WithLabelValues(outcome).Inc()
	r.metrics.ResponseLatency.Observe(time.Since(issued).Seconds())
	r.emit(clientID, resp)
}

// broadcast fans an extension event out to every connected client.
func (r *Relay) broadcast(evt *protocol.Event) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	if len(ids) == 0 {
		r.log.Debug("no clients for event", "method", evt.Method)
		return
	}
	r.metrics.EventsForwarded.Inc()
	for _, id := range ids {
		r.emit(id, evt)
	}
}

func (r *Relay) notifyClose(c *clientConn, code int, reason string) {
	if err := events.Emit[any](r.bus, events.ClientTopic(c.id), closeNotice{code: code, reason: reason}); err != nil {
		c.close()
	}
}

func (r *Relay) hasClient(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[id]
	return ok
}

func (r *Relay) addClient(c *clientConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRelayStopped
	}
	if _, ok := r.clients[c.id]; ok {
		return errors.New("client id already connected")
	}
	r.clients[c.id] = c
	r.metrics.ClientsConnected.Set(float64(len(r.clients)))
	return nil
}

func (r *Relay) removeClient(c *clientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[c.id] == c {
		delete(r.clients, c.id)
		r.metrics.ClientsConnected.Set(float64(len(r.clients)))
	}
}

// startKeepalive arms the read deadline and pings ws until done closes.
// It must run on the reading goroutine before the read loop starts.
func (r *Relay) startKeepalive(ws *websocket.Conn, done <-chan struct{}) {
	interval := r.opts.PingInterval
	if interval <= 0 {
		return
	}
	r.extendReadDeadline(ws)
	ws.SetPongHandler(func(string) error {
		r.extendReadDeadline(ws)
		return nil
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()
}

func (r *Relay) extendReadDeadline(ws *websocket.Conn) {
	if r.opts.PingInterval <= 0 {
		return
	}
	ws.SetReadDeadline(time.Now().Add(2 * r.opts.PingInterval))
}
