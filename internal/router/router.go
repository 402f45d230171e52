// Package router parses wire frames, dispatches them to the PTY pool,
// the service supervisor, or system handlers, enforces per-device
// authorization, and fans out produced events to subscribed clients.
//
// Event delivery from the pool and supervisor is drained by one goroutine
// per producer (each selecting over that producer's event channels)
// rather than invoked as a callback from inside
// their locks — this keeps map mutation under lock free of reentrancy
// (see the producer/consumer split in internal/ptypool and
// internal/supervisor).
package router

import (
	"encoding/json"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/embergate/gatewayd/internal/ptypool"
	"github.com/embergate/gatewayd/internal/sessions"
	"github.com/embergate/gatewayd/internal/supervisor"
	"github.com/embergate/gatewayd/internal/wire"
)

// Router owns every connected Client and fans out PTY/service events to
// the subset authorized to receive them.
type Router struct {
	pool       *ptypool.Pool
	supervisor *supervisor.Supervisor
	registry   *sessions.Registry

	mu      sync.RWMutex
	clients map[string]*Client

	stop chan struct{}
}

func New(pool *ptypool.Pool, sup *supervisor.Supervisor, registry *sessions.Registry) *Router {
	r := &Router{
		pool:       pool,
		supervisor: sup,
		registry:   registry,
		clients:    make(map[string]*Client),
		stop:       make(chan struct{}),
	}
	go r.fanOutPTY()
	go r.fanOutServices()
	return r
}

// Close stops the fan-out goroutines. Connections themselves are closed
// by the Gateway.
func (r *Router) Close() {
	close(r.stop)
}

// AddPending registers a not-yet-authenticated connection so Unregister
// has something to clean up even if auth never completes.
func (r *Router) AddPending(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID] = c
}

// Unregister drops a disconnected client. Per the concurrency model,
// ownership in the global SessionRegistry is left intact — only this
// connection's subscriptions disappear.
func (r *Router) Unregister(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
}

// Authenticate rebuilds a pending client's ownedSessions from the global
// registry, enqueues the auth/success envelope, and only then flips the
// client to authenticated. That order matters: fan-out delivery gates on
// isAuthenticated, so a pty/data or service/status event produced after
// this call can never overtake auth/success in the client's outbox — if
// the flag were set first, a fan-out goroutine could slip an event in
// ahead of the success reply this function is still assembling.
func (r *Router) Authenticate(c *Client, deviceID, deviceName string) wire.Envelope {
	c.mu.Lock()
	c.DeviceID = deviceID
	c.DeviceName = deviceName
	c.mu.Unlock()

	for _, sessionID := range r.registry.SessionsOwnedBy(deviceID) {
		c.addOwnedAndSubscribed(sessionID)
	}

	var visible []wire.PTYSessionDTO
	if c.IsLocal {
		visible = sessionDTOs(r.pool.List())
	} else {
		visible = sessionDTOs(r.ownedSessionInfo(c))
	}

	payload := wire.AuthSuccessPayload{
		ConnectionID: c.ID,
		Sessions:     visible,
		Services:     serviceDTOs(r.supervisor.ListAll()),
	}
	env, _ := wire.Reply(wire.TypeAuth, wire.ActionAuthSuccess, payload, "")
	c.Send(env)

	c.mu.Lock()
	c.authenticated = true
	c.AuthenticatedAt = time.Now()
	c.mu.Unlock()

	return env
}

func (r *Router) ownedSessionInfo(c *Client) []ptypool.Session {
	var out []ptypool.Session
	for _, id := range r.registry.SessionsOwnedBy(c.DeviceID) {
		if sess, ok := r.pool.Get(id); ok {
			out = append(out, sess)
		}
	}
	return out
}

// Handle processes one parsed frame from an authenticated client and
// returns the reply to send back, if any. Pure events produced as a side
// effect (pty/data, service/status, ...) are delivered separately by the
// fan-out goroutines, never from here.
func (r *Router) Handle(c *Client, env wire.Envelope) *wire.Envelope {
	switch env.Type {
	case wire.TypePTY:
		return r.handlePTY(c, env)
	case wire.TypeService:
		return r.handleService(c, env)
	case wire.TypeSystem:
		return r.handleSystem(c, env)
	default:
		return errorReply(env.RequestID, "unknown message type")
	}
}

func (r *Router) handlePTY(c *Client, env wire.Envelope) *wire.Envelope {
	switch env.Action {
	case wire.ActionPTYCreate:
		var req wire.PTYCreatePayload
		_ = json.Unmarshal(env.Payload, &req)
		sess, err := r.pool.Create(ptypool.CreateOptions{
			Name: req.Name, Cols: req.Cols, Rows: req.Rows, CWD: req.CWD, Shell: req.Shell,
		})
		if err != nil {
			return errorReply(env.RequestID, err.Error())
		}
		r.registry.Claim(sess.ID, c.DeviceID)
		c.addOwnedAndSubscribed(sess.ID)
		repl, _ := wire.Reply(wire.TypePTY, wire.ActionPTYCreated, sessionDTO(sess), env.RequestID)
		return &repl

	case wire.ActionPTYList:
		repl, _ := wire.Reply(wire.TypePTY, wire.ActionPTYList, sessionDTOs(r.pool.List()), env.RequestID)
		return &repl

	case wire.ActionPTYGet:
		var ref wire.PTYSessionRefPayload
		_ = json.Unmarshal(env.Payload, &ref)
		sess, ok := r.pool.Get(ref.SessionID)
		if !ok {
			return errorReply(env.RequestID, "unknown session")
		}
		repl, _ := wire.Reply(wire.TypePTY, wire.ActionPTYGet, sessionDTO(sess), env.RequestID)
		return &repl

	case wire.ActionPTYWrite:
		var req wire.PTYWritePayload
		_ = json.Unmarshal(env.Payload, &req)
		if _, ok := r.pool.Get(req.SessionID); !ok {
			return nil // unknown session: silent no-op
		}
		if !r.authorizedForSession(c, req.SessionID) {
			return errorReply(env.RequestID, "access denied")
		}
		r.pool.Write(req.SessionID, []byte(req.Data))
		return nil

	case wire.ActionPTYResize:
		var req wire.PTYResizePayload
		_ = json.Unmarshal(env.Payload, &req)
		if _, ok := r.pool.Get(req.SessionID); !ok {
			return nil
		}
		if !r.authorizedForSession(c, req.SessionID) {
			return errorReply(env.RequestID, "access denied")
		}
		r.pool.Resize(req.SessionID, req.Cols, req.Rows)
		return nil

	case wire.ActionPTYClose:
		var ref wire.PTYSessionRefPayload
		_ = json.Unmarshal(env.Payload, &ref)
		if _, ok := r.pool.Get(ref.SessionID); !ok {
			return nil
		}
		if !r.authorizedForSession(c, ref.SessionID) {
			return errorReply(env.RequestID, "access denied")
		}
		r.pool.Close(ref.SessionID)
		return nil

	case wire.ActionPTYSubscribe:
		var ref wire.PTYSessionRefPayload
		_ = json.Unmarshal(env.Payload, &ref)
		if _, ok := r.pool.Get(ref.SessionID); !ok {
			return errorReply(env.RequestID, "unknown session")
		}
		if !c.IsLocal && !c.owns(ref.SessionID) {
			return errorReply(env.RequestID, "access denied")
		}
		c.subscribeSession(ref.SessionID)
		return nil

	case wire.ActionPTYUnsubscribe:
		var ref wire.PTYSessionRefPayload
		_ = json.Unmarshal(env.Payload, &ref)
		c.unsubscribeSession(ref.SessionID)
		return nil

	default:
		return errorReply(env.RequestID, "unknown pty action")
	}
}

// authorizedForSession implements §4.8: write/resize/close are allowed if
// the client owns the session, is subscribed to it, or is local.
func (r *Router) authorizedForSession(c *Client, sessionID string) bool {
	if c.IsLocal {
		return true
	}
	return c.owns(sessionID) || c.subscribedToSession(sessionID)
}

func (r *Router) handleService(c *Client, env wire.Envelope) *wire.Envelope {
	switch env.Action {
	case wire.ActionServiceList:
		repl, _ := wire.Reply(wire.TypeService, wire.ActionServiceList, serviceDTOs(r.supervisor.ListAll()), env.RequestID)
		return &repl

	case wire.ActionServiceStart:
		var ref wire.ServiceRefPayload
		_ = json.Unmarshal(env.Payload, &ref)
		if err := r.supervisor.Start(ref.ServiceID); err != nil {
			return errorReply(env.RequestID, err.Error())
		}
		return nil

	case wire.ActionServiceStop:
		var ref wire.ServiceRefPayload
		_ = json.Unmarshal(env.Payload, &ref)
		if err := r.supervisor.Stop(ref.ServiceID); err != nil {
			return errorReply(env.RequestID, err.Error())
		}
		return nil

	case wire.ActionServiceRestart:
		var ref wire.ServiceRefPayload
		_ = json.Unmarshal(env.Payload, &ref)
		if err := r.supervisor.Restart(ref.ServiceID); err != nil {
			return errorReply(env.RequestID, err.Error())
		}
		return nil

	case wire.ActionServiceStatus:
		var ref wire.ServiceRefPayload
		_ = json.Unmarshal(env.Payload, &ref)
		st, ok := r.supervisor.Status(ref.ServiceID)
		if !ok {
			return errorReply(env.RequestID, "service not registered")
		}
		repl, _ := wire.Reply(wire.TypeService, wire.ActionServiceStatus, serviceDTO(st), env.RequestID)
		return &repl

	case wire.ActionServiceSubscribe:
		var ref wire.ServiceRefPayload
		_ = json.Unmarshal(env.Payload, &ref)
		if _, ok := r.supervisor.Status(ref.ServiceID); !ok {
			return errorReply(env.RequestID, "service not registered")
		}
		c.subscribeService(ref.ServiceID)
		return nil

	default:
		return errorReply(env.RequestID, "unknown service action")
	}
}

func (r *Router) handleSystem(c *Client, env wire.Envelope) *wire.Envelope {
	switch env.Action {
	case wire.ActionSystemPing:
		repl, _ := wire.Reply(wire.TypeSystem, wire.ActionSystemPong, wire.SystemPongPayload{Timestamp: time.Now().UnixMilli()}, env.RequestID)
		return &repl
	case wire.ActionSystemInfo:
		hostname, _ := os.Hostname()
		repl, _ := wire.Reply(wire.TypeSystem, wire.ActionSystemInfo, wire.SystemInfoPayload{Platform: runtime.GOOS, Hostname: hostname}, env.RequestID)
		return &repl
	default:
		return errorReply(env.RequestID, "unknown system action")
	}
}

func (r *Router) fanOutPTY() {
	for {
		select {
		case <-r.stop:
			return
		case ev, ok := <-r.pool.Data():
			if !ok {
				return
			}
			env, _ := wire.Reply(wire.TypePTY, wire.ActionPTYData, wire.PTYDataPayload{SessionID: ev.SessionID, Data: string(ev.Data)}, "")
			r.deliverToSessionSubscribers(ev.SessionID, env)
		case ev, ok := <-r.pool.Exit():
			if !ok {
				return
			}
			r.registry.Release(ev.SessionID)
			env, _ := wire.Reply(wire.TypePTY, wire.ActionPTYExit, wire.PTYExitPayload{SessionID: ev.SessionID, ExitCode: ev.ExitCode, Signal: ev.Signal}, "")
			r.deliverToSessionSubscribers(ev.SessionID, env)
		}
	}
}

func (r *Router) fanOutServices() {
	for {
		select {
		case <-r.stop:
			return
		case ev, ok := <-r.supervisor.StatusEvents():
			if !ok {
				return
			}
			env, _ := wire.Reply(wire.TypeService, wire.ActionServiceStatus, wire.ServiceStatusDTO{
				ID: ev.ID, Status: string(ev.Status), PID: ev.PID, UptimeMS: ev.UptimeMS, LastError: ev.LastError,
			}, "")
			r.broadcast(env)
		case ev, ok := <-r.supervisor.OutputEvents():
			if !ok {
				return
			}
			env, _ := wire.Reply(wire.TypeService, wire.ActionServiceOutput, wire.ServiceOutputPayload{
				ServiceID: ev.ID, Stream: ev.Stream, Data: string(ev.Data),
			}, "")
			r.deliverToServiceSubscribers(ev.ID, env)
		}
	}
}

func (r *Router) snapshotClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// deliverToSessionSubscribers snapshots the subscriber list under lock
// and sends outside it, so one stalled client cannot hold up delivery to
// the rest.
func (r *Router) deliverToSessionSubscribers(sessionID string, env wire.Envelope) {
	for _, c := range r.snapshotClients() {
		if !c.isAuthenticated() || !c.subscribedToSession(sessionID) {
			continue
		}
		if !c.Send(env) {
			log.Printf("router: dropping event for slow client %s", c.ID)
		}
	}
}

func (r *Router) deliverToServiceSubscribers(serviceID string, env wire.Envelope) {
	for _, c := range r.snapshotClients() {
		if !c.isAuthenticated() || !c.subscribedToService(serviceID) {
			continue
		}
		if !c.Send(env) {
			log.Printf("router: dropping event for slow client %s", c.ID)
		}
	}
}

func (r *Router) broadcast(env wire.Envelope) {
	for _, c := range r.snapshotClients() {
		if !c.isAuthenticated() {
			continue
		}
		if !c.Send(env) {
			log.Printf("router: dropping event for slow client %s", c.ID)
		}
	}
}

func errorReply(requestID, msg string) *wire.Envelope {
	env, _ := wire.Reply(wire.TypeSystem, wire.ActionSystemError, wire.ErrorPayload{Error: msg}, requestID)
	return &env
}

func sessionDTO(s ptypool.Session) wire.PTYSessionDTO {
	return wire.PTYSessionDTO{ID: s.ID, Name: s.Name, Cols: s.Cols, Rows: s.Rows, CWD: s.CWD, Shell: s.Shell, CreatedAt: s.CreatedAt}
}

func sessionDTOs(in []ptypool.Session) []wire.PTYSessionDTO {
	out := make([]wire.PTYSessionDTO, 0, len(in))
	for _, s := range in {
		out = append(out, sessionDTO(s))
	}
	return out
}

func serviceDTO(s supervisor.ServiceStatus) wire.ServiceStatusDTO {
	return wire.ServiceStatusDTO{ID: s.ID, Status: string(s.Status), PID: s.PID, UptimeMS: s.UptimeMS, LastError: s.LastError}
}

func serviceDTOs(in []supervisor.ServiceStatus) []wire.ServiceStatusDTO {
	out := make([]wire.ServiceStatusDTO, 0, len(in))
	for _, s := range in {
		out = append(out, serviceDTO(s))
	}
	return out
}
