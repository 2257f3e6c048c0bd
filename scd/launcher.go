package scd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"
)

// Process is a running card daemon.
type Process interface {
	// Conn returns the protocol pipe to the daemon.
	Conn() io.ReadWriteCloser
	// Pid returns the operating system process id, or 0 if unknown.
	Pid() int
	// Wait blocks until the daemon exits.
	Wait() error
	// Kill terminates the daemon without waiting for it.
	Kill() error
}

// Launcher starts card daemon processes.
type Launcher interface {
	Launch(ctx context.Context, program string, args []string) (Process, error)
}

// LaunchFunc adapts a function to Launcher.
type LaunchFunc func(ctx context.Context, program string, args []string) (Process, error)

func (f LaunchFunc) Launch(ctx context.Context, program string, args []string) (Process, error) {
	return f(ctx, program, args)
}

// Dialer opens secondary connections to the socket a running daemon
// published.
type Dialer interface {
	Dial(ctx context.Context, address string) (io.ReadWriteCloser, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, address string) (io.ReadWriteCloser, error)

func (f DialFunc) Dial(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	return f(ctx, address)
}

// UnixDialer connects to a Unix domain socket.
var UnixDialer Dialer = DialFunc(func(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", address)
})

// ExecLauncher runs the daemon as a child process speaking the protocol on
// its stdin and stdout. Stderr is shared with the agent; no other
// descriptors are inherited.
type ExecLauncher struct {
	// Env, if non-nil, replaces the inherited environment.
	Env []string
}

// Launch starts program. The context only bounds the start itself; the
// daemon outlives it.
func (l ExecLauncher) Launch(ctx context.Context, program string, args []string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Plain os.Pipe pairs keep exec from copying through goroutines, so
	// Wait only waits for the process.
	childIn, toChild, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("scd: creating pipe: %w", err)
	}
	fromChild, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		toChild.Close()
		return nil, fmt.Errorf("scd: creating pipe: %w", err)
	}

	cmd := exec.Command(program, args...)
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = os.Stderr
	cmd.Env = l.Env

	err = cmd.Start()
	childIn.Close()
	childOut.Close()
	if err != nil {
		toChild.Close()
		fromChild.Close()
		return nil, fmt.Errorf("scd: starting %s: %w", program, err)
	}
	return &execProcess{
		cmd:  cmd,
		conn: &pipeConn{r: fromChild, w: toChild},
	}, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	conn *pipeConn
}

func (p *execProcess) Conn() io.ReadWriteCloser { return p.conn }
func (p *execProcess) Pid() int                 { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error              { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// pipeConn joins the two halves of a child's stdio into one connection.
type pipeConn struct {
	r *os.File
	w *os.File
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *pipeConn) SetDeadline(t time.Time) error {
	return errors.Join(c.r.SetDeadline(t), c.w.SetDeadline(t))
}

func (c *pipeConn) Close() error {
	return errors.Join(c.w.Close(), c.r.Close())
}
