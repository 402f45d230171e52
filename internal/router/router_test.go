package router

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/embergate/gatewayd/internal/ptypool"
	"github.com/embergate/gatewayd/internal/sessions"
	"github.com/embergate/gatewayd/internal/supervisor"
	"github.com/embergate/gatewayd/internal/wire"
)

func newTestRouter(t *testing.T) (*Router, *ptypool.Pool) {
	t.Helper()
	pool := ptypool.New(64)
	sup := supervisor.New(64)
	reg := sessions.New()
	r := New(pool, sup, reg)
	t.Cleanup(func() {
		r.Close()
	})
	return r, pool
}

func authenticate(r *Router, deviceID string, isLocal bool) *Client {
	c := NewClient(deviceID+"-conn", isLocal)
	r.AddPending(c)
	r.Authenticate(c, deviceID, "device-name")
	return c
}

func recvReply(t *testing.T, r *Router, c *Client, env wire.Envelope) wire.Envelope {
	t.Helper()
	repl := r.Handle(c, env)
	if repl == nil {
		t.Fatal("expected a reply, got nil")
	}
	return *repl
}

func TestCreateGrantsOwnershipAndWriteWorks(t *testing.T) {
	r, _ := newTestRouter(t)
	a := authenticate(r, "device-a", false)

	createPayload, _ := json.Marshal(wire.PTYCreatePayload{Shell: "/bin/sh", Cols: 80, Rows: 24})
	repl := recvReply(t, r, a, wire.Envelope{Type: wire.TypePTY, Action: wire.ActionPTYCreate, Payload: createPayload, RequestID: "r1"})
	if repl.Action != wire.ActionPTYCreated {
		t.Fatalf("action = %q, want %q", repl.Action, wire.ActionPTYCreated)
	}
	var sess wire.PTYSessionDTO
	if err := json.Unmarshal(repl.Payload, &sess); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if !a.owns(sess.ID) {
		t.Error("creator should own the new session")
	}

	writePayload, _ := json.Marshal(wire.PTYWritePayload{SessionID: sess.ID, Data: "echo hi\n"})
	if out := r.Handle(a, wire.Envelope{Type: wire.TypePTY, Action: wire.ActionPTYWrite, Payload: writePayload}); out != nil {
		t.Errorf("write should produce no reply, got %+v", out)
	}
	r.pool.Close(sess.ID)
}

func TestAuthorizationIsolationBetweenDevices(t *testing.T) {
	r, _ := newTestRouter(t)
	a := authenticate(r, "device-a", false)
	b := authenticate(r, "device-b", false)

	createPayload, _ := json.Marshal(wire.PTYCreatePayload{Shell: "/bin/sh"})
	repl := recvReply(t, r, a, wire.Envelope{Type: wire.TypePTY, Action: wire.ActionPTYCreate, Payload: createPayload})
	var sess wire.PTYSessionDTO
	json.Unmarshal(repl.Payload, &sess)
	defer r.pool.Close(sess.ID)

	// B's auth/success payload must not have listed the session.
	if b.owns(sess.ID) {
		t.Fatal("device B should not own device A's session")
	}

	writePayload, _ := json.Marshal(wire.PTYWritePayload{SessionID: sess.ID, Data: "should not land"})
	errEnv := r.Handle(b, wire.Envelope{Type: wire.TypePTY, Action: wire.ActionPTYWrite, Payload: writePayload, RequestID: "req"})
	if errEnv == nil || errEnv.Action != wire.ActionSystemError {
		t.Fatalf("expected system/error for unauthorized write, got %+v", errEnv)
	}
}

func TestUnknownSessionWriteIsSilentNoop(t *testing.T) {
	r, _ := newTestRouter(t)
	a := authenticate(r, "device-a", false)
	writePayload, _ := json.Marshal(wire.PTYWritePayload{SessionID: "does-not-exist", Data: "x"})
	if out := r.Handle(a, wire.Envelope{Type: wire.TypePTY, Action: wire.ActionPTYWrite, Payload: writePayload}); out != nil {
		t.Errorf("expected silent no-op for unknown session, got %+v", out)
	}
}

func TestLocalClientCanAccessAnySession(t *testing.T) {
	r, _ := newTestRouter(t)
	a := authenticate(r, "device-a", false)
	localClient := authenticate(r, "device-local", true)

	createPayload, _ := json.Marshal(wire.PTYCreatePayload{Shell: "/bin/sh"})
	repl := recvReply(t, r, a, wire.Envelope{Type: wire.TypePTY, Action: wire.ActionPTYCreate, Payload: createPayload})
	var sess wire.PTYSessionDTO
	json.Unmarshal(repl.Payload, &sess)
	defer r.pool.Close(sess.ID)

	closePayload, _ := json.Marshal(wire.PTYSessionRefPayload{SessionID: sess.ID})
	if out := r.Handle(localClient, wire.Envelope{Type: wire.TypePTY, Action: wire.ActionPTYClose, Payload: closePayload}); out != nil {
		t.Errorf("local client close should succeed silently, got %+v", out)
	}
}

func TestReconnectRestoresOwnership(t *testing.T) {
	r, pool := newTestRouter(t)
	a := authenticate(r, "device-a", false)

	createPayload, _ := json.Marshal(wire.PTYCreatePayload{Shell: "/bin/sh"})
	repl := recvReply(t, r, a, wire.Envelope{Type: wire.TypePTY, Action: wire.ActionPTYCreate, Payload: createPayload})
	var sess wire.PTYSessionDTO
	json.Unmarshal(repl.Payload, &sess)
	defer pool.Close(sess.ID)

	r.Unregister(a.ID)

	a2 := NewClient("device-a-conn-2", false)
	r.AddPending(a2)
	authEnv := r.Authenticate(a2, "device-a", "device-name")
	var success wire.AuthSuccessPayload
	if err := json.Unmarshal(authEnv.Payload, &success); err != nil {
		t.Fatalf("unmarshal auth/success: %v", err)
	}
	found := false
	for _, s := range success.Sessions {
		if s.ID == sess.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("reconnecting device should see its previously owned session")
	}

	writePayload, _ := json.Marshal(wire.PTYWritePayload{SessionID: sess.ID, Data: "x"})
	if out := r.Handle(a2, wire.Envelope{Type: wire.TypePTY, Action: wire.ActionPTYWrite, Payload: writePayload}); out != nil {
		t.Errorf("reclaimed session write should succeed, got %+v", out)
	}
}

func TestSystemPingPong(t *testing.T) {
	r, _ := newTestRouter(t)
	a := authenticate(r, "device-a", false)
	repl := recvReply(t, r, a, wire.Envelope{Type: wire.TypeSystem, Action: wire.ActionSystemPing, RequestID: "p1"})
	if repl.Action != wire.ActionSystemPong || repl.RequestID != "p1" {
		t.Errorf("unexpected pong reply: %+v", repl)
	}
}

func TestServiceSubscribeUnknownServiceFails(t *testing.T) {
	r, _ := newTestRouter(t)
	a := authenticate(r, "device-a", false)
	payload, _ := json.Marshal(wire.ServiceRefPayload{ServiceID: "ghost"})
	errEnv := r.Handle(a, wire.Envelope{Type: wire.TypeService, Action: wire.ActionServiceSubscribe, Payload: payload, RequestID: "s1"})
	if errEnv == nil || errEnv.Action != wire.ActionSystemError {
		t.Fatalf("expected system/error, got %+v", errEnv)
	}
}

func TestPTYDataFanOutOnlyToSubscribers(t *testing.T) {
	r, pool := newTestRouter(t)
	owner := authenticate(r, "device-owner", false)
	stranger := authenticate(r, "device-stranger", false)

	createPayload, _ := json.Marshal(wire.PTYCreatePayload{Shell: "/bin/sh"})
	repl := recvReply(t, r, owner, wire.Envelope{Type: wire.TypePTY, Action: wire.ActionPTYCreate, Payload: createPayload})
	var sess wire.PTYSessionDTO
	json.Unmarshal(repl.Payload, &sess)
	defer pool.Close(sess.ID)

	writePayload, _ := json.Marshal(wire.PTYWritePayload{SessionID: sess.ID, Data: "echo fanout_marker\n"})
	r.Handle(owner, wire.Envelope{Type: wire.TypePTY, Action: wire.ActionPTYWrite, Payload: writePayload})

	// authenticate() leaves each client's auth/success reply queued; take it
	// off first so the loop below only sees fan-out events.
	for _, c := range []*Client{owner, stranger} {
		if env := <-c.Outbox; env.Action != wire.ActionAuthSuccess {
			t.Fatalf("first envelope for %s = %+v, want auth/success", c.ID, env)
		}
	}

	deadline := time.After(5 * time.Second)
loop:
	for {
		select {
		case env := <-owner.Outbox:
			if env.Action == wire.ActionPTYData {
				break loop
			}
		case <-stranger.Outbox:
			t.Fatal("stranger should never receive pty/data for a session it isn't subscribed to")
		case <-deadline:
			t.Fatal("owner never received pty/data")
		}
	}
}
