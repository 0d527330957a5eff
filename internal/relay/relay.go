// Package relay bridges CDP automation clients to a browser extension that
// owns a debugger attachment on a real tab.
//
// Clients speak plain CDP over /cdp. The extension speaks the envelope
// protocol over /extension. The relay rewrites command ids so that commands
// from many clients can share the single extension channel, routes responses
// back to the client that issued them, and fans extension events out to every
// connected client.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/neboloop/tabrelay/internal/events"
	"github.com/neboloop/tabrelay/internal/lifecycle"
	"github.com/neboloop/tabrelay/internal/logging"
	"github.com/neboloop/tabrelay/internal/metrics"
	"github.com/neboloop/tabrelay/internal/pending"
)

var (
	// ErrNotAttached answers commands that arrive while no tab is attached.
	ErrNotAttached = errors.New("not attached")

	// ErrExtensionDisconnected fails commands whose extension channel went away.
	ErrExtensionDisconnected = errors.New("extension disconnected")

	// ErrRelayStopped fails commands still in flight when the relay closes.
	ErrRelayStopped = errors.New("relay stopped")

	// ErrClientSendQueueFull is logged when a client that stopped reading is
	// disconnected.
	ErrClientSendQueueFull = errors.New("client send queue full")
)

// AuthHeader carries the optional client token on /cdp and /json requests.
const AuthHeader = "x-tabrelay-token"

const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultClientQueueSize = 256

	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 20
	shutdownWait   = 5 * time.Second
)

// Options configures a Relay. The zero value is usable.
type Options struct {
	// RequestTimeout bounds how long a forwarded command may wait for the
	// extension. Zero uses DefaultRequestTimeout; negative disables it.
	RequestTimeout time.Duration

	// PingInterval is the WebSocket keepalive period. Zero disables pings.
	PingInterval time.Duration

	// AllowRemote accepts non-loopback peers.
	AllowRemote bool

	// AuthToken, when set, must be presented by clients in AuthHeader.
	AuthToken string

	// ClientQueueSize bounds the frames waiting to be written to one client.
	// A client that falls further behind is disconnected. Zero uses
	// DefaultClientQueueSize.
	ClientQueueSize int

	Logger   *slog.Logger
	Sink     logging.Sink
	Hooks    *lifecycle.Manager
	Registry *prometheus.Registry
}

// Relay owns the extension channel, the client channels and the pending
// request table that links them.
type Relay struct {
	opts     Options
	log      *slog.Logger
	sink     logging.Sink
	hooks    *lifecycle.Manager
	registry *prometheus.Registry
	metrics  *metrics.Relay

	// attachMu orders extension connects and disconnects so that one
	// channel's failures are delivered before the next channel attaches.
	attachMu sync.Mutex

	mu      sync.RWMutex
	state   AttachState
	ext     *extensionConn
	clients map[string]*clientConn
	server  *http.Server
	stopped bool

	pending  *pending.Table
	bus      *events.Subject
	upgrader websocket.Upgrader
}

// New creates a relay in the Disconnected state. It does not listen; use
// Listen or mount Handler on an existing server.
func New(opts Options) *Relay {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.RequestTimeout < 0 {
		opts.RequestTimeout = 0
	}
	if opts.ClientQueueSize <= 0 {
		opts.ClientQueueSize = DefaultClientQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.With("relay")
	}
	if opts.Sink == nil {
		opts.Sink = logging.NewSink(opts.Logger.With("source", "extension"))
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	r := &Relay{
		opts:     opts,
		log:      opts.Logger,
		sink:     opts.Sink,
		hooks:    opts.Hooks,
		registry: opts.Registry,
		clients:  make(map[string]*clientConn),
		pending:  pending.NewTable(opts.RequestTimeout),
		bus: events.NewSubject(
			events.WithBufferSize(512),
			events.WithLogger(opts.Logger),
		),
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
	r.metrics = metrics.NewRelay(r.registry, func() float64 {
		return float64(r.pending.Len())
	})
	r.metrics.SetAttachState(Disconnected.String(), phaseNames)
	return r
}

// Listen binds addr and serves Handler on it in the background.
func (r *Relay) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		ln.Close()
		return nil, ErrRelayStopped
	}
	r.server = srv
	r.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("relay server error", "error", err)
		}
	}()

	r.log.Info("relay listening", "addr", ln.Addr().String())
	r.hooks.Emit(lifecycle.EventServerStarted, ln.Addr().String())
	return ln.Addr(), nil
}

// Close fails every pending command, disconnects every peer and stops the
// server if Listen started one. It is safe to call more than once.
func (r *Relay) Close() error {
	r.attachMu.Lock()
	defer r.attachMu.Unlock()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	ext := r.ext
	r.ext = nil
	clients := r.takeClientsLocked()
	r.setStateLocked(AttachState{Phase: Disconnected})
	srv := r.server
	r.mu.Unlock()

	r.hooks.Emit(lifecycle.EventShutdownStarted, nil)

	n := r.pending.FailAll(ErrRelayStopped)
	r.log.Info("relay stopping", "failed_pending", n, "clients", len(clients))
	for _, c := range clients {
		r.notifyClose(c, websocket.CloseGoingAway, ErrRelayStopped.Error())
	}

	// Complete flushes the close notices queued above into each client's
	// queue; the writers then get a bounded time to send them.
	events.Complete(r.bus)
	deadline := time.After(shutdownWait)
	expired := false
	for _, c := range clients {
		if !expired {
			select {
			case <-c.drained:
			case <-deadline:
				expired = true
			}
		}
		c.close()
	}
	if ext != nil {
		ext.close()
	}

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	return srv.Shutdown(ctx)
}

// State returns a snapshot of the attach state.
func (r *Relay) State() AttachState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// ExtensionConnected reports whether an extension channel is open.
func (r *Relay) ExtensionConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ext != nil
}

// ClientCount returns the number of connected CDP clients.
func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// PendingCount returns the number of commands awaiting the extension,
// including an in-flight attach request.
func (r *Relay) PendingCount() int {
	return r.pending.Len()
}

// Registry exposes the relay's Prometheus registry.
func (r *Relay) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Relay) isStopped() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stopped
}

// setStateLocked must be called with r.mu held for writing.
func (r *Relay) setStateLocked(s AttachState) {
	if r.state.Phase != s.Phase {
		r.log.Debug("attach state", "from", r.state.Phase, "to", s.Phase)
	}
	r.state = s
	r.metrics.SetAttachState(s.Phase.String(), phaseNames)
}

// takeClientsLocked removes every client from the routing map and returns
// them. Events fanned out afterwards no longer reach them.
func (r *Relay) takeClientsLocked() []*clientConn {
	out := make([]*clientConn, 0, len(r.clients))
	for id, c := range r.clients {
		out = append(out, c)
		delete(r.clients, id)
	}
	r.metrics.ClientsConnected.Set(0)
	return out
}

// emit queues msg for delivery to one client. Messages for clients that have
// gone away are dropped by the bus.
func (r *Relay) emit(clientID string, msg any) {
	if err := events.Emit[any](r.bus, events.ClientTopic(clientID), msg); err != nil {
		r.log.Debug("dropping client message", "client", clientID, "error", err)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
