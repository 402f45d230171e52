// Package supervisor registers, spawns, and restarts managed child
// processes on behalf of remote clients — long-running services rather
// than interactive PTYs.
package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Status is a service's lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

const (
	stopGrace      = 10 * time.Second
	restartBackoff = 5 * time.Second
)

// Definition describes a service to be registered. Env overlays the
// supervisor's own environment; it does not replace it.
type Definition struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Command          string            `json:"command"`
	Args             []string          `json:"args,omitempty"`
	CWD              string            `json:"cwd,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	AutoStart        bool              `json:"autoStart,omitempty"`
	RestartOnFailure bool              `json:"restartOnFailure,omitempty"`
}

// ServiceStatus is the queryable snapshot of a service's state.
type ServiceStatus struct {
	ID        string
	Status    Status
	PID       int
	UptimeMS  int64
	LastError string
}

// StatusEvent is emitted on every state transition.
type StatusEvent struct {
	ID        string
	Status    Status
	PID       int
	UptimeMS  int64
	LastError string
}

// OutputEvent carries one chunk of a service's stdout or stderr.
type OutputEvent struct {
	ID     string
	Stream string // "stdout" or "stderr"
	Data   []byte
}

type service struct {
	mu sync.Mutex

	def Definition

	status    Status
	pid       int
	startedAt time.Time
	lastError string

	cmd          *exec.Cmd
	waitDone     chan struct{} // closed by waitLoop once cmd.Wait() returns for this cmd
	restartTimer *time.Timer
	generation   uint64 // bumped on every spawn and every restart-timer cancellation; guards against a stale AfterFunc firing
	stopping     bool
}

// Supervisor owns every registered service definition and its current
// process, if running.
type Supervisor struct {
	mu       sync.RWMutex
	services map[string]*service

	statusCh chan StatusEvent
	outputCh chan OutputEvent
}

func New(bufSize int) *Supervisor {
	return &Supervisor{
		services: make(map[string]*service),
		statusCh: make(chan StatusEvent, bufSize),
		outputCh: make(chan OutputEvent, bufSize),
	}
}

// StatusEvents returns the supervisor-wide stream of service state transitions.
func (s *Supervisor) StatusEvents() <-chan StatusEvent { return s.statusCh }

// OutputEvents returns the supervisor-wide stream of service stdout/stderr chunks.
func (s *Supervisor) OutputEvents() <-chan OutputEvent { return s.outputCh }

// Register adds a service definition. Registering a duplicate ID fails.
func (s *Supervisor) Register(def Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.services[def.ID]; exists {
		return fmt.Errorf("supervisor: service %q already registered", def.ID)
	}
	s.services[def.ID] = &service{def: def, status: StatusStopped}
	return nil
}

// Start transitions a stopped or errored service to starting, then spawns
// its child process.
func (s *Supervisor) Start(id string) error {
	svc, err := s.find(id)
	if err != nil {
		return err
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.status == StatusRunning || svc.status == StatusStarting {
		return nil
	}
	return s.spawnLocked(svc)
}

// spawnLocked must be called with svc.mu held.
func (s *Supervisor) spawnLocked(svc *service) error {
	svc.generation++
	svc.stopping = false
	if svc.restartTimer != nil {
		svc.restartTimer.Stop()
		svc.restartTimer = nil
	}

	svc.status = StatusStarting
	s.emitStatus(svc)

	cmd := exec.Command(svc.def.Command, svc.def.Args...)
	if svc.def.CWD != "" {
		cmd.Dir = svc.def.CWD
	}
	env := os.Environ()
	for k, v := range svc.def.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.spawnFailedLocked(svc, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.spawnFailedLocked(svc, err)
	}

	if err := cmd.Start(); err != nil {
		return s.spawnFailedLocked(svc, err)
	}

	waitDone := make(chan struct{})
	svc.cmd = cmd
	svc.waitDone = waitDone
	svc.pid = cmd.Process.Pid
	svc.startedAt = time.Now()
	svc.lastError = ""
	svc.status = StatusRunning
	s.emitStatus(svc)

	go s.pumpOutput(svc.def.ID, "stdout", stdout)
	go s.pumpOutput(svc.def.ID, "stderr", stderr)
	go s.waitLoop(svc, cmd, waitDone)

	return nil
}

func (s *Supervisor) spawnFailedLocked(svc *service, err error) error {
	svc.status = StatusError
	svc.lastError = err.Error()
	s.emitStatus(svc)
	return fmt.Errorf("supervisor: spawn %s: %w", svc.def.ID, err)
}

func (s *Supervisor) pumpOutput(id, stream string, r io.ReadCloser) {
	reader := bufio.NewReaderSize(r, 32*1024)
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.emitOutput(OutputEvent{ID: id, Stream: stream, Data: chunk})
		}
		if err != nil {
			return
		}
	}
}

// waitLoop owns the single Wait() call for cmd. It closes waitDone the
// instant the process has exited — before taking svc.mu — so Stop and
// Restart can learn of the exit without calling Wait a second time.
func (s *Supervisor) waitLoop(svc *service, cmd *exec.Cmd, waitDone chan struct{}) {
	err := cmd.Wait()
	close(waitDone)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.cmd != cmd {
		// svc has already been respawned onto a different process;
		// this exit belongs to a cmd nobody references anymore.
		return
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	wasStopping := svc.stopping
	svc.cmd = nil
	svc.waitDone = nil
	svc.pid = 0
	svc.status = StatusStopped
	if exitCode != 0 {
		svc.lastError = fmt.Sprintf("exited with code %d", exitCode)
	}
	s.emitStatus(svc)

	if !wasStopping && exitCode != 0 && svc.def.RestartOnFailure {
		s.scheduleRestartLocked(svc, svc.generation)
	}
}

func (s *Supervisor) scheduleRestartLocked(svc *service, gen uint64) {
	svc.restartTimer = time.AfterFunc(restartBackoff, func() {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		if svc.generation != gen {
			return
		}
		if err := s.spawnLocked(svc); err != nil {
			log.Printf("supervisor: restart %s: %v", svc.def.ID, err)
		}
	})
}

// Stop sends SIGTERM, escalating to SIGKILL after 10 seconds if the
// child has not exited, and cancels any pending auto-restart.
func (s *Supervisor) Stop(id string) error {
	svc, err := s.find(id)
	if err != nil {
		return err
	}
	svc.mu.Lock()
	svc.stopping = true
	if svc.restartTimer != nil {
		svc.restartTimer.Stop()
		svc.restartTimer = nil
		svc.generation++ // invalidates the AfterFunc if it's already in flight
	}
	cmd := svc.cmd
	waitDone := svc.waitDone
	if cmd == nil || cmd.Process == nil {
		if svc.status != StatusStopped {
			svc.status = StatusStopped
			s.emitStatus(svc)
		}
		svc.mu.Unlock()
		return nil
	}
	pid := cmd.Process.Pid
	svc.mu.Unlock()

	_ = unix.Kill(pid, syscall.SIGTERM)

	go func() {
		timer := time.NewTimer(stopGrace)
		defer timer.Stop()
		select {
		case <-waitDone:
			// waitLoop records the stopped state; nothing left to do here.
		case <-timer.C:
			_ = unix.Kill(pid, syscall.SIGKILL)
		}
	}()

	return nil
}

// Restart stops the service (waiting for it to fully exit) then starts it
// again.
func (s *Supervisor) Restart(id string) error {
	svc, err := s.find(id)
	if err != nil {
		return err
	}

	svc.mu.Lock()
	cmd := svc.cmd
	waitDone := svc.waitDone
	svc.stopping = true
	if svc.restartTimer != nil {
		svc.restartTimer.Stop()
		svc.restartTimer = nil
		svc.generation++
	}
	svc.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = unix.Kill(cmd.Process.Pid, syscall.SIGTERM)
		select {
		case <-waitDone:
		case <-time.After(stopGrace):
			_ = unix.Kill(cmd.Process.Pid, syscall.SIGKILL)
			<-waitDone
		}
	}

	return s.Start(id)
}

// Status returns the current snapshot for a single service.
func (s *Supervisor) Status(id string) (ServiceStatus, bool) {
	svc, err := s.find(id)
	if err != nil {
		return ServiceStatus{}, false
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return snapshotLocked(svc), true
}

// ListAll returns a snapshot of every registered service.
func (s *Supervisor) ListAll() []ServiceStatus {
	s.mu.RLock()
	ids := make([]*service, 0, len(s.services))
	for _, svc := range s.services {
		ids = append(ids, svc)
	}
	s.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(ids))
	for _, svc := range ids {
		svc.mu.Lock()
		out = append(out, snapshotLocked(svc))
		svc.mu.Unlock()
	}
	return out
}

// StopAll stops every running service. Used during coordinated shutdown.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.services))
	for id := range s.services {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		_ = s.Stop(id)
	}
}

func snapshotLocked(svc *service) ServiceStatus {
	st := ServiceStatus{ID: svc.def.ID, Status: svc.status, LastError: svc.lastError}
	if svc.status == StatusRunning {
		st.PID = svc.pid
		st.UptimeMS = time.Since(svc.startedAt).Milliseconds()
	}
	return st
}

func (s *Supervisor) find(id string) (*service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return nil, fmt.Errorf("supervisor: service %q not registered", id)
	}
	return svc, nil
}

func (s *Supervisor) emitStatus(svc *service) {
	ev := StatusEvent{ID: svc.def.ID, Status: svc.status, LastError: svc.lastError}
	if svc.status == StatusRunning {
		ev.PID = svc.pid
		ev.UptimeMS = time.Since(svc.startedAt).Milliseconds()
	}
	select {
	case s.statusCh <- ev:
	default:
		log.Printf("supervisor: dropping status event for %s, consumer too slow", svc.def.ID)
	}
}

func (s *Supervisor) emitOutput(ev OutputEvent) {
	select {
	case s.outputCh <- ev:
	default:
		log.Printf("supervisor: dropping output event for %s, consumer too slow", ev.ID)
	}
}
