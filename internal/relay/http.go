package relay

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/chromedp/cdproto/target"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neboloop/tabrelay/internal/httputil"
	"github.com/neboloop/tabrelay/internal/protocol"
)

// BrowserName is reported by /json/version.
const BrowserName = "TabRelay/extension-relay"

// Status is the body of /extension/status.
type Status struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Clients   int    `json:"clients"`
	Pending   int    `json:"pending"`
	Protocol  int    `json:"protocol"`
}

// Status returns a snapshot for /extension/status.
func (r *Relay) Status() Status {
	r.mu.RLock()
	s := Status{
		Connected: r.ext != nil,
		State:     r.state.Phase.String(),
		Clients:   len(r.clients),
		Protocol:  protocol.Version,
	}
	r.mu.RUnlock()
	s.Pending = r.pending.Len()
	return s
}

// Handler returns the relay's routes. It can be served directly or mounted
// on an existing router.
func (r *Relay) Handler() http.Handler {
	router := chi.NewRouter()
	router.Get("/", r.HandleRoot)
	router.Head("/", r.HandleRoot)
	router.Get("/extension/status", r.HandleExtensionStatus)
	router.Get("/json/version", r.HandleJSONVersion)
	router.Get("/json", r.HandleJSONList)
	router.Get("/json/list", r.HandleJSONList)
	router.Get("/json/activate/{targetId}", r.HandleJSONActivate)
	router.Get("/json/close/{targetId}", r.HandleJSONClose)
	router.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/extension", r.HandleExtensionWS)
	router.HandleFunc("/cdp", r.HandleCdpWS)
	router.HandleFunc("/cdp/{clientId}", r.HandleCdpWS)
	return router
}

func (r *Relay) HandleRoot(w http.ResponseWriter, req *http.Request) {
	w.Write([]byte("OK"))
}

func (r *Relay) HandleExtensionStatus(w http.ResponseWriter, req *http.Request) {
	if !r.allowPeer(w, req) {
		return
	}
	httputil.OkJSON(w, r.Status())
}

func (r *Relay) HandleJSONVersion(w http.ResponseWriter, req *http.Request) {
	if !r.allowPeer(w, req) || !r.checkAuth(w, req) {
		return
	}

	payload := map[string]any{
		"Browser":          BrowserName,
		"Protocol-Version": "1.3",
	}
	if r.State().Phase == Attached {
		payload["webSocketDebuggerUrl"] = cdpWebSocketURL(req)
	}
	httputil.OkJSON(w, payload)
}

func (r *Relay) HandleJSONList(w http.ResponseWriter, req *http.Request) {
	if !r.allowPeer(w, req) || !r.checkAuth(w, req) {
		return
	}

	list := make([]map[string]string, 0, 1)
	st := r.State()
	if st.Phase == Attached && st.Target != nil {
		entry := map[string]string{
			"type":                 "page",
			"webSocketDebuggerUrl": cdpWebSocketURL(req),
		}
		if info := st.Target.Info; info != nil {
			entry["id"] = string(info.TargetID)
			entry["title"] = info.Title
			entry["url"] = info.URL
			if info.Type != "" {
				entry["type"] = info.Type
			}
		}
		list = append(list, entry)
	}
	httputil.OkJSON(w, list)
}

// HandleJSONActivate focuses a target through the extension.
func (r *Relay) HandleJSONActivate(w http.ResponseWriter, req *http.Request) {
	r.handleTargetCommand(w, req, target.CommandActivateTarget, func(id target.ID) any {
		return target.ActivateTarget(id)
	})
}

// HandleJSONClose closes a target through the extension.
func (r *Relay) HandleJSONClose(w http.ResponseWriter, req *http.Request) {
	r.handleTargetCommand(w, req, target.CommandCloseTarget, func(id target.ID) any {
		return target.CloseTarget(id)
	})
}

func (r *Relay) handleTargetCommand(w http.ResponseWriter, req *http.Request, method string, params func(target.ID) any) {
	if !r.allowPeer(w, req) || !r.checkAuth(w, req) {
		return
	}

	targetID := chi.URLParam(req, "targetId")
	if targetID == "" {
		httputil.ErrorWithCode(w, http.StatusBadRequest, "targetId required")
		return
	}

	_, err := r.forwardInternal(req.Context(), method, params(target.ID(targetID)))
	switch {
	case err == nil:
		w.Write([]byte("OK"))
	case errors.Is(err, ErrNotAttached):
		httputil.Unavailable(w, err.Error())
	default:
		r.log.Warn("target command failed", "method", method, "target", targetID, "error", err)
		httputil.ErrorWithCode(w, http.StatusBadGateway, err.Error())
	}
}

// cdpWebSocketURL builds the client endpoint as seen by the requester.
func cdpWebSocketURL(req *http.Request) string {
	u := url.URL{Scheme: "ws", Host: req.Host, Path: "/cdp"}
	if req.TLS != nil {
		u.Scheme = "wss"
	}
	return u.String()
}

// allowPeer rejects non-loopback peers unless remote access is enabled.
func (r *Relay) allowPeer(w http.ResponseWriter, req *http.Request) bool {
	if r.opts.AllowRemote {
		return true
	}
	if !httputil.IsLoopbackIP(httputil.RemoteIP(req)) {
		r.log.Warn("rejecting non-loopback peer", "remote", req.RemoteAddr, "path", req.URL.Path)
		httputil.Forbidden(w, "loopback peers only")
		return false
	}
	return true
}

// checkAuth enforces the client token when one is configured.
func (r *Relay) checkAuth(w http.ResponseWriter, req *http.Request) bool {
	if r.opts.AuthToken == "" {
		return true
	}
	token := req.Header.Get(AuthHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(r.opts.AuthToken)) != 1 {
		httputil.Unauthorized(w, "missing or invalid "+AuthHeader)
		return false
	}
	return true
}

func checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || strings.HasPrefix(origin, "chrome-extension://") {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	h := u.Hostname()
	return h == "localhost" || httputil.IsLoopbackIP(h)
}
