// Package router carries user traffic into session backends. Requests
// under /app/{specID}/ are bound to the caller's session for that spec,
// provisioning one on first contact, and are then reverse-proxied to
// the backend endpoint. WebSocket upgrades get a bidirectional relay.
package router

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/EndangeredF1sh/vlabcontroller/internal/config"
	"github.com/EndangeredF1sh/vlabcontroller/internal/engine"
	"github.com/EndangeredF1sh/vlabcontroller/internal/metrics"
	"github.com/EndangeredF1sh/vlabcontroller/internal/middleware"
	"github.com/EndangeredF1sh/vlabcontroller/internal/session"
	"github.com/EndangeredF1sh/vlabcontroller/internal/spec"
)

const wsReadLimit = 4 * 1024 * 1024

type Router struct {
	engine   *engine.Engine
	registry *spec.Registry
	store    *session.Store
}

func New(eng *engine.Engine, registry *spec.Registry, store *session.Store) *Router {
	return &Router{engine: eng, registry: registry, store: store}
}

// ServeApp handles GET/POST/... /app/{specID}/* for an authenticated
// principal. A spec the caller may not access is reported as not found,
// identically to a spec that does not exist.
func (rt *Router) ServeApp(w http.ResponseWriter, r *http.Request) {
	specID := chi.URLParam(r, "specID")
	principal, ok := middleware.GetPrincipal(r)
	if !ok {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	spc, err := rt.registry.ResolveFor(specID, principal.Groups)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues(specID, "denied").Inc()
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	sess, err := rt.engine.Acquire(r.Context(), principal.ID, principal.Groups, spc)
	if err != nil {
		log.Printf("Proxy: acquire session [user: %s] [spec: %s]: %v", principal.ID, specID, err)
		metrics.ProxyRequests.WithLabelValues(specID, "error").Inc()
		http.Error(w, "Failed to acquire session", http.StatusInternalServerError)
		return
	}

	if sess.State != session.StateRunning {
		readyCtx, cancel := context.WithTimeout(r.Context(), rt.readinessWindow(spc))
		sess, err = rt.engine.WaitReady(readyCtx, sess.ID)
		cancel()
		switch {
		case errors.Is(err, engine.ErrNotReady):
			metrics.ProxyRequests.WithLabelValues(specID, "not_ready").Inc()
			w.Header().Set("Retry-After", "5")
			http.Error(w, "Session is starting, retry shortly", http.StatusServiceUnavailable)
			return
		case err != nil:
			metrics.ProxyRequests.WithLabelValues(specID, "failed").Inc()
			http.Error(w, "Session failed to start", http.StatusBadGateway)
			return
		}
	}

	rt.store.Touch(r.Context(), sess.ID)

	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		rt.relayWebSocket(w, r, sess, specID)
		return
	}
	rt.proxyHTTP(w, r, sess, specID)
}

// proxyHTTP performs a single reverse-proxied round trip. The spec
// prefix is stripped so the backend sees paths rooted at /.
func (rt *Router) proxyHTTP(w http.ResponseWriter, r *http.Request, sess *session.Session, specID string) {
	target := &url.URL{Scheme: "http", Host: sess.Endpoint}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = backendPath(r, specID)
			pr.Out.URL.RawQuery = r.URL.RawQuery
			pr.Out.Host = target.Host
			// Identity headers stay inside the control plane.
			pr.Out.Header.Del(config.Cfg.UserHeader)
			pr.Out.Header.Del(config.Cfg.GroupsHeader)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Printf("Proxy: session %s upstream error: %v", sess.ID, err)
			metrics.ProxyErrors.WithLabelValues("upstream").Inc()
			if errors.Is(err, context.DeadlineExceeded) {
				http.Error(w, "Backend timed out", http.StatusGatewayTimeout)
				return
			}
			http.Error(w, "Backend unavailable", http.StatusBadGateway)
		},
	}

	metrics.ProxyRequests.WithLabelValues(specID, "ok").Inc()
	proxy.ServeHTTP(w, r)
}

// relayWebSocket accepts the client upgrade, dials the same path on the
// backend and shovels messages both ways until either side closes or
// the tunnel sits idle past the configured limit.
func (rt *Router) relayWebSocket(w http.ResponseWriter, r *http.Request, sess *session.Session, specID string) {
	subprotocols := parseSubprotocols(r.Header.Get("Sec-WebSocket-Protocol"))

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       subprotocols,
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Proxy: websocket accept: %v", err)
		metrics.ProxyErrors.WithLabelValues("ws_accept").Inc()
		return
	}
	defer clientConn.CloseNow()

	upstreamURL := "ws://" + sess.Endpoint + backendPath(r, specID)
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	upstreamConn, _, err := websocket.Dial(r.Context(), upstreamURL, &websocket.DialOptions{
		Subprotocols: subprotocols,
	})
	if err != nil {
		log.Printf("Proxy: session %s websocket dial: %v", sess.ID, err)
		metrics.ProxyErrors.WithLabelValues("ws_dial").Inc()
		clientConn.Close(4502, "Cannot connect to backend")
		return
	}
	defer upstreamConn.CloseNow()

	clientConn.SetReadLimit(wsReadLimit)
	upstreamConn.SetReadLimit(wsReadLimit)

	metrics.ProxyRequests.WithLabelValues(specID, "ws").Inc()
	metrics.ActiveTunnels.Inc()
	defer metrics.ActiveTunnels.Dec()

	relayCtx, relayCancel := context.WithCancel(r.Context())
	defer relayCancel()

	// A tunnel with no traffic in either direction for the idle window
	// is torn down so it cannot pin the session live forever.
	idle := time.AfterFunc(config.Cfg.TunnelIdleTimeout, relayCancel)
	defer idle.Stop()
	activity := func() {
		idle.Reset(config.Cfg.TunnelIdleTimeout)
		rt.store.Touch(relayCtx, sess.ID)
	}

	// Client → Backend
	go func() {
		defer relayCancel()
		for {
			msgType, data, err := clientConn.Read(relayCtx)
			if err != nil {
				return
			}
			activity()
			if err := upstreamConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
		}
	}()

	// Backend → Client
	func() {
		defer relayCancel()
		for {
			msgType, data, err := upstreamConn.Read(relayCtx)
			if err != nil {
				return
			}
			activity()
			if err := clientConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
		}
	}()

	clientConn.Close(websocket.StatusNormalClosure, "")
	upstreamConn.Close(websocket.StatusNormalClosure, "")
}

// parseSubprotocols splits a Sec-WebSocket-Protocol header. Clients
// are not required to put a space after the comma.
func parseSubprotocols(header string) []string {
	if header == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(header, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// backendPath maps the public /app/{specID}/... path to the path the
// backend workload serves.
func backendPath(r *http.Request, specID string) string {
	rest := chi.URLParam(r, "*")
	if rest == "" {
		prefix := "/app/" + specID
		rest = strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, prefix), "/")
	}
	return "/" + rest
}

func (rt *Router) readinessWindow(spc spec.ProxySpec) time.Duration {
	if spc.ReadinessTimeout > 0 {
		return spc.ReadinessTimeout
	}
	return config.Cfg.ReadinessTimeout
}
