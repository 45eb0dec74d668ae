package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProcessRequest describes a worker binary to spawn.
type ProcessRequest struct {
	Command string
	Args    []string
	// Env is appended to the current environment.
	Env []string
	WD  string
	// Stderr receives the child's stderr. It is discarded when nil.
	Stderr io.Writer

	Limits Limits
	// KillDelay is how long Close waits for the child to exit on its own after its stdin is closed.
	KillDelay time.Duration
	Logger    *zap.SugaredLogger
}

// ProcessConn speaks frames over a child process's stdin and stdout.
// Closing it ends the child's stdin, and kills the child if it doesn't exit within the kill delay.
type ProcessConn struct {
	*StreamConn
	log       *zap.SugaredLogger
	cmd       *exec.Cmd
	killDelay time.Duration

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// StartProcess spawns the worker binary. ctx bounds the child's lifetime: the child is killed when it is done.
func StartProcess(ctx context.Context, req ProcessRequest) (*ProcessConn, error) {
	log := req.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("process")

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.Dir = req.WD
	cmd.Stderr = req.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	// Wait closes pipes made by StdoutPipe before all frames may have been read, so use an os.Pipe we own instead.
	// Its read end hits EOF once the child exits, and is only closed by Close.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	log.Debugw("starting worker process", "Command", req.Command, "Args", req.Args)
	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("starting %s: %w", req.Command, err)
	}
	stdoutW.Close()

	killDelay := req.KillDelay
	if killDelay <= 0 {
		killDelay = 2 * time.Second
	}
	limits := req.Limits
	if limits.MaxFrame == 0 {
		limits = DefaultLimits()
	}
	p := &ProcessConn{
		StreamConn: NewStreamConn(stdoutR, stdin, closers{stdin, stdoutR}, limits),
		log:        log.With("PID", cmd.Process.Pid),
		cmd:        cmd,
		killDelay:  killDelay,
		exited:     make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		p.log.Debugw("worker process exited", "Error", p.waitErr)
		close(p.exited)
	}()
	return p, nil
}

func (p *ProcessConn) Pid() int { return p.cmd.Process.Pid }

// Exited is closed once the child has exited and been reaped.
func (p *ProcessConn) Exited() <-chan struct{} { return p.exited }

// Wait waits for the child to exit and returns its exit error.
func (p *ProcessConn) Wait(ctx context.Context) error {
	select {
	case <-p.exited:
		return p.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ProcessConn) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.StreamConn.Close()
		timer := time.NewTimer(p.killDelay)
		defer timer.Stop()
		select {
		case <-p.exited:
			return
		case <-timer.C:
		}
		p.log.Debugw("killing worker process", "KillDelay", p.killDelay)
		if err := p.cmd.Process.Kill(); err != nil {
			p.log.Debugw("kill failed", "Error", err)
		}
		<-p.exited
	})
	return p.closeErr
}
