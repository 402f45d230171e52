// Package gateway binds the TLS listener, performs the WebSocket upgrade,
// and runs the per-connection lifecycle: origin admission, the
// authentication window, then a read loop dispatching frames to the
// router and a writer pump draining the client's outbox.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/embergate/gatewayd/internal/authgate"
	"github.com/embergate/gatewayd/internal/originfilter"
	"github.com/embergate/gatewayd/internal/router"
	"github.com/embergate/gatewayd/internal/wire"
)

const readLimitBytes = 1024 * 1024

// closeNotAllowed is sent when a connection is admitted by TCP/TLS but
// its remote address fails the origin filter. The upgrade still happens
// so the close code and reason travel over a proper WebSocket close
// frame instead of a bare HTTP status the client library would have to
// special-case.
var closeNotAllowed = authgate.CloseReason{Code: 4000, Message: "not allowed from this address"}

// Config bundles a Gateway's collaborators. TLSConfig may be nil, in
// which case the listener serves plaintext — diagnostic mode only, and
// Start logs a warning when it does.
type Config struct {
	Addr      string
	TLSConfig *tls.Config

	Filter originfilter.Filter
	Gate   *authgate.Gate
	Router *router.Router
}

// Gateway is the top-level network entry point.
type Gateway struct {
	cfg Config

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func New(cfg Config) *Gateway {
	return &Gateway{cfg: cfg}
}

// Start binds the listener and serves until Close is called. It blocks
// the calling goroutine; callers typically run it in a goroutine of
// their own.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", g.cfg.Addr, err)
	}
	if g.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, g.cfg.TLSConfig)
	} else {
		log.Printf("gateway: WARNING serving plaintext on %s — diagnostic mode only", g.cfg.Addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleUpgrade)

	srv := &http.Server{Handler: mux}

	g.mu.Lock()
	g.listener = ln
	g.server = srv
	g.mu.Unlock()

	log.Printf("gateway: listening on %s (tls=%v)", g.cfg.Addr, g.cfg.TLSConfig != nil)
	err = srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts down the HTTP server, which stops the listener and closes
// idle HTTP connections. Connections already upgraded to WebSocket are
// hijacked from the server, so Close does not close them.
func (g *Gateway) Close() error {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	peerHost := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peerHost = h
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		log.Printf("gateway: websocket accept: %v", err)
		return
	}
	conn.SetReadLimit(readLimitBytes)

	if !g.cfg.Filter.Allow(peerHost) {
		conn.Close(websocket.StatusCode(closeNotAllowed.Code), closeNotAllowed.Message)
		return
	}

	isLocal := isLoopback(peerHost)
	g.serveConnection(r.Context(), conn, isLocal)
}

func (g *Gateway) serveConnection(ctx context.Context, conn *websocket.Conn, isLocal bool) {
	clientID := uuid.New().String()
	client := router.NewClient(clientID, isLocal)
	g.cfg.Router.AddPending(client)
	defer func() {
		g.cfg.Router.Unregister(clientID)
		client.Close()
	}()

	timer := g.cfg.Gate.Timer()
	defer timer.Stop()

	go g.writePump(ctx, conn, client)

	authenticated := false
	for !authenticated {
		env, ok := g.readFrame(ctx, conn, timer.C)
		if !ok {
			return
		}
		if env == nil {
			continue // malformed frame: error already sent, keep waiting for auth
		}
		if env.Type != wire.TypeAuth {
			g.sendError(client, env.RequestID, "not authenticated")
			continue
		}
		var payload wire.AuthPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			g.sendError(client, env.RequestID, "malformed auth payload")
			continue
		}
		ok2, reason := g.cfg.Gate.Check(payload.Token)
		if !ok2 {
			conn.Close(websocket.StatusCode(reason.Code), reason.Message)
			return
		}
		timer.Stop()
		g.cfg.Router.Authenticate(client, payload.ClientID, payload.DeviceName)
		authenticated = true
	}

	var never <-chan time.Time
	for {
		env, ok := g.readFrame(ctx, conn, never)
		if !ok {
			return
		}
		if env == nil {
			continue
		}
		if repl := g.cfg.Router.Handle(client, *env); repl != nil {
			client.Send(*repl)
		}
	}
}

// readFrame reads and parses one frame. A nil, true result means a
// malformed frame was received and an error was already sent — callers
// should loop. A false ok means the connection is gone (read error or
// auth deadline).
func (g *Gateway) readFrame(ctx context.Context, conn *websocket.Conn, deadline <-chan time.Time) (*wire.Envelope, bool) {
	type result struct {
		data []byte
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		_, data, err := conn.Read(ctx)
		resultCh <- result{data, err}
	}()

	select {
	case <-deadline:
		conn.Close(websocket.StatusCode(authgate.CloseAuthTimeout.Code), authgate.CloseAuthTimeout.Message)
		return nil, false
	case res := <-resultCh:
		if res.err != nil {
			return nil, false
		}
		var env wire.Envelope
		if err := json.Unmarshal(res.data, &env); err != nil {
			errEnv, _ := wire.Reply(wire.TypeSystem, wire.ActionSystemError, wire.ErrorPayload{Error: "malformed frame"}, "")
			conn.Write(ctx, websocket.MessageText, mustMarshal(errEnv))
			return nil, true
		}
		return &env, true
	}
}

func (g *Gateway) writePump(ctx context.Context, conn *websocket.Conn, client *router.Client) {
	for env := range client.Outbox {
		if err := conn.Write(ctx, websocket.MessageText, mustMarshal(env)); err != nil {
			return
		}
	}
}

func (g *Gateway) sendError(client *router.Client, requestID, msg string) {
	env, _ := wire.Reply(wire.TypeSystem, wire.ActionSystemError, wire.ErrorPayload{Error: msg}, requestID)
	client.Send(env)
}

func mustMarshal(env wire.Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		// Envelope always marshals — Payload is pre-encoded json.RawMessage.
		panic(err)
	}
	return data
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
