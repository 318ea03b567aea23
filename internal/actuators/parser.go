package actuators

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/errs"
)

// ParserLifecycle starts, stops, and reports on a single externally
// managed telemetry-parser process. Only the instance that started a
// child may stop it: there is exactly one ParserLifecycle per command,
// guarded by its own mutex. Exactly one reaper goroutine, spawned by
// start, ever calls Wait on a child; stop and Status observe the
// child's fate through the reaper's done channel.
type ParserLifecycle struct {
	name        string
	command     string
	args        []string
	stopTimeout time.Duration

	mu            sync.Mutex
	cmd           *exec.Cmd
	done          chan struct{} // closed by the reaper once the child is waited on
	pid           int
	lastStartedAt time.Time
	lastExitCode  string
}

// NewParserLifecycle builds a parser-lifecycle actuator for the given
// command line.
func NewParserLifecycle(name, command string, args []string, stopTimeout time.Duration) *ParserLifecycle {
	if stopTimeout <= 0 {
		stopTimeout = 4 * time.Second
	}
	return &ParserLifecycle{name: name, command: command, args: args, stopTimeout: stopTimeout}
}

func (p *ParserLifecycle) Name() string { return p.name }

// Invoke dispatches parser.start / parser.stop. parser.status is
// read-only and answered directly by Status, not routed through here,
// but is accepted for uniformity with the tool table.
func (p *ParserLifecycle) Invoke(ctx context.Context, tool string, _ json.RawMessage) Outcome {
	switch tool {
	case "parser.start":
		return p.start(ctx)
	case "parser.stop":
		return p.stop(ctx)
	case "parser.status":
		out, _ := json.Marshal(p.Status())
		return Outcome{Output: out}
	default:
		return Outcome{Err: errs.New(errs.ToolNotImplemented, "unknown parser tool", 404).WithDetail("tool", tool)}
	}
}

// ParserStatus is the {running, pid, last_started_at, last_exit_reason}
// shape reported by parser.status.
type ParserStatus struct {
	Running       bool      `json:"running"`
	PID           int       `json:"pid,omitempty"`
	LastStartedAt time.Time `json:"last_started_at,omitempty"`
	LastExitCode  string    `json:"last_exit_reason,omitempty"`
}

// runningLocked reports whether the current child is still alive; the
// caller must hold p.mu.
func (p *ParserLifecycle) runningLocked() bool {
	if p.cmd == nil || p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Status reports the current child state without mutating anything.
func (p *ParserLifecycle) Status() ParserStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ParserStatus{
		Running:       p.runningLocked(),
		PID:           p.pid,
		LastStartedAt: p.lastStartedAt,
		LastExitCode:  p.lastExitCode,
	}
}

// start launches the configured command if not already running; a
// second start while already running is a no-op.
func (p *ParserLifecycle) start(ctx context.Context) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.runningLocked() {
		return Outcome{Output: json.RawMessage(fmt.Sprintf(`{"running":true,"pid":%d,"already_running":true}`, p.pid))}
	}

	cmd := exec.Command(p.command, p.args...)
	if err := cmd.Start(); err != nil {
		return adapterErrorOutcome("parser.start", err)
	}
	done := make(chan struct{})
	p.cmd = cmd
	p.done = done
	p.pid = cmd.Process.Pid
	p.lastStartedAt = time.Now().UTC()
	p.lastExitCode = ""

	go func() {
		_ = cmd.Wait()
		p.mu.Lock()
		p.lastExitCode = cmd.ProcessState.String()
		p.mu.Unlock()
		close(done)
	}()

	return Outcome{Output: json.RawMessage(fmt.Sprintf(`{"running":true,"pid":%d}`, p.pid))}
}

// stop attempts graceful termination (SIGTERM) then force-kills after
// the configured timeout, waiting out the reaper either way.
func (p *ParserLifecycle) stop(ctx context.Context) Outcome {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	running := p.runningLocked()
	p.mu.Unlock()

	if !running {
		return Outcome{Output: json.RawMessage(`{"running":false,"already_stopped":true}`)}
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(p.stopTimeout):
		_ = cmd.Process.Kill()
		<-done
	}

	p.mu.Lock()
	reason := p.lastExitCode
	p.mu.Unlock()

	return Outcome{Output: json.RawMessage(fmt.Sprintf(`{"running":false,"last_exit_reason":%q}`, reason))}
}
