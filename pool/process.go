package pool

import (
	"context"
	"io"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/Zereker/relay"
)

// Process is a running worker process.
type Process interface {
	// Pid is the identity the worker is expected to announce.
	Pid() relay.Pid
	// Kill terminates the process immediately.
	Kill() error
	// Wait blocks until the process has exited. Safe to call more than once.
	Wait() error
}

// Spawner starts worker processes that connect back to socket.
type Spawner interface {
	Spawn(ctx context.Context, socket string) (Process, error)
}

// CommandSpawner runs Command with the socket path appended as the last
// argument.
type CommandSpawner struct {
	Command []string
	Env     []string // extra variables appended to the supervisor's environment
	Stdout  io.Writer
	Stderr  io.Writer
}

// Spawn starts one worker.
func (s *CommandSpawner) Spawn(ctx context.Context, socket string) (Process, error) {
	if len(s.Command) == 0 {
		return nil, errors.New("empty worker command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := append(append([]string{}, s.Command[1:]...), socket)
	cmd := exec.Command(s.Command[0], args...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", s.Command[0])
	}

	p := &cmdProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type cmdProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *cmdProcess) Pid() relay.Pid {
	return relay.Pid(p.cmd.Process.Pid)
}

func (p *cmdProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *cmdProcess) Wait() error {
	<-p.done
	return p.err
}
