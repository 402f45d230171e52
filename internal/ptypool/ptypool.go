// Package ptypool spawns and multiplexes pseudo-terminal-attached child
// processes. Each session owns a single PTY master/child pair; reads run
// one goroutine per session so a slow consumer on one session never
// blocks another.
package ptypool

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

const (
	defaultCols  = 80
	defaultRows  = 24
	defaultShell = "/bin/zsh"
	readChunk    = 32 * 1024
)

// allowedShells is the exhaustive set of shell binaries PTYPool.Create
// will exec. Short names like "zsh" are rejected — PATH resolution at
// spawn time is not trustworthy input.
var allowedShells = map[string]bool{
	"/bin/zsh":              true,
	"/bin/bash":             true,
	"/bin/sh":               true,
	"/usr/bin/zsh":          true,
	"/usr/bin/bash":         true,
	"/usr/local/bin/zsh":    true,
	"/usr/local/bin/bash":   true,
}

// Session is the public, immutable-after-create view of a live PTY.
// Cols/Rows reflect the last successful resize.
type Session struct {
	ID        string
	Name      string
	Cols      int
	Rows      int
	CWD       string
	Shell     string
	CreatedAt int64 // unix millis
}

// CreateOptions are the caller-supplied, pre-validation inputs to Create.
type CreateOptions struct {
	Name  string
	Cols  int
	Rows  int
	CWD   string
	Shell string
}

// DataEvent is emitted whenever a PTY master yields output.
type DataEvent struct {
	SessionID string
	Data      []byte
}

// ExitEvent is emitted once, after the child backing SessionID terminates.
// The session is removed from the pool before this event is sent.
type ExitEvent struct {
	SessionID string
	ExitCode  int
	Signal    string
}

type entry struct {
	mu      sync.Mutex
	info    Session
	ptmx    *os.File
	cmd     *exec.Cmd
	closing bool
}

// Pool owns every live PTY session. The zero value is not usable; use New.
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	dataCh chan DataEvent
	exitCh chan ExitEvent
}

// New returns a Pool whose Data() and Exit() channels are buffered to
// bufSize so a momentarily slow router fan-out does not stall PTY reads;
// producers drop the new event rather than block when a channel is full.
func New(bufSize int) *Pool {
	return &Pool{
		sessions: make(map[string]*entry),
		dataCh:   make(chan DataEvent, bufSize),
		exitCh:   make(chan ExitEvent, bufSize),
	}
}

// Data returns the pool-wide stream of PTY output events.
func (p *Pool) Data() <-chan DataEvent { return p.dataCh }

// Exit returns the pool-wide stream of PTY termination events.
func (p *Pool) Exit() <-chan ExitEvent { return p.exitCh }

// Create spawns a new PTY-attached shell and registers it.
func (p *Pool) Create(opts CreateOptions) (Session, error) {
	cols := opts.Cols
	if cols <= 0 {
		cols = defaultCols
	}
	rows := opts.Rows
	if rows <= 0 {
		rows = defaultRows
	}

	cwd := validateCWD(opts.CWD)
	shell := validateShell(opts.Shell)

	cmd := exec.Command(shell)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return Session{}, fmt.Errorf("ptypool: start shell %s: %w", shell, err)
	}

	id := uuid.New().String()
	name := opts.Name
	if name == "" {
		name = id[:8]
	}

	info := Session{
		ID:        id,
		Name:      name,
		Cols:      cols,
		Rows:      rows,
		CWD:       cwd,
		Shell:     shell,
		CreatedAt: time.Now().UnixMilli(),
	}
	e := &entry{info: info, ptmx: ptmx, cmd: cmd}

	p.mu.Lock()
	p.sessions[id] = e
	p.mu.Unlock()

	go p.readLoop(e)
	go p.waitLoop(e)

	return info, nil
}

// Write sends bytes to the PTY master. Unknown session IDs are a silent
// no-op.
func (p *Pool) Write(sessionID string, data []byte) {
	e := p.lookup(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return
	}
	if _, err := e.ptmx.Write(data); err != nil {
		log.Printf("ptypool: write %s: %v", sessionID, err)
	}
}

// Resize updates the kernel window size and the cached dimensions.
// Unknown session IDs are a silent no-op.
func (p *Pool) Resize(sessionID string, cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	e := p.lookup(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return
	}
	if err := pty.Setsize(e.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		log.Printf("ptypool: resize %s: %v", sessionID, err)
		return
	}
	e.info.Cols = cols
	e.info.Rows = rows
}

// Close marks the session as closing (later writes and resizes are
// ignored) and sends the child SIGTERM. The session stays in the pool
// until the child terminates; the wait goroutine then removes it and
// emits the exit event.
func (p *Pool) Close(sessionID string) {
	e := p.lookup(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.closing = true
	proc := e.cmd.Process
	e.mu.Unlock()
	if proc != nil {
		_ = proc.Signal(syscall.SIGTERM)
	}
}

// Get returns the current info for a session.
func (p *Pool) Get(sessionID string) (Session, bool) {
	e := p.lookup(sessionID)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info, true
}

// List returns a snapshot of every live session.
func (p *Pool) List() []Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Session, 0, len(p.sessions))
	for _, e := range p.sessions {
		e.mu.Lock()
		out = append(out, e.info)
		e.mu.Unlock()
	}
	return out
}

func (p *Pool) lookup(sessionID string) *entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessions[sessionID]
}

func (p *Pool) readLoop(e *entry) {
	buf := make([]byte, readChunk)
	for {
		n, err := e.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.emitData(DataEvent{SessionID: e.info.ID, Data: chunk})
		}
		if err != nil {
			return
		}
	}
}

func (p *Pool) waitLoop(e *entry) {
	err := e.cmd.Wait()
	exitCode := 0
	signal := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signal = status.Signal().String()
				exitCode = -1
			}
		} else {
			exitCode = 1
		}
	}
	e.ptmx.Close()

	p.mu.Lock()
	delete(p.sessions, e.info.ID)
	p.mu.Unlock()

	p.emitExit(ExitEvent{SessionID: e.info.ID, ExitCode: exitCode, Signal: signal})
}

// emitData drops the event rather than block the read loop when the
// consumer-side channel is momentarily full. This is a last-resort
// backstop, not the primary flow-control path: per-client bounded
// outboxes downstream are what actually apply backpressure to slow
// readers, so a drop here only happens if that layer's consumer itself
// stalls.
func (p *Pool) emitData(ev DataEvent) {
	select {
	case p.dataCh <- ev:
	default:
		log.Printf("ptypool: dropping data event for %s, consumer too slow", ev.SessionID)
	}
}

func (p *Pool) emitExit(ev ExitEvent) {
	select {
	case p.exitCh <- ev:
	default:
		log.Printf("ptypool: dropping exit event for %s, consumer too slow", ev.SessionID)
	}
}

func validateShell(shell string) string {
	if shell != "" && allowedShells[shell] {
		return shell
	}
	if shell != "" {
		log.Printf("ptypool: rejecting shell %q, not in allow-list; using default", shell)
	}
	if env := os.Getenv("SHELL"); allowedShells[env] {
		return env
	}
	return defaultShell
}

func validateCWD(cwd string) string {
	if cwd != "" && filepath.IsAbs(cwd) && !strings.Contains(cwd, "..") {
		return cwd
	}
	if cwd != "" {
		log.Printf("ptypool: rejecting cwd %q, using home directory", cwd)
	}
	if u, err := user.Current(); err == nil && u.HomeDir != "" {
		return u.HomeDir
	}
	return string(os.PathSeparator)
}
