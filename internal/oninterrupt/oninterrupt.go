// Package oninterrupt implements the cooperative cancellation token a
// forge invocation shares across its scheduler and executor: a single
// context cancelled on SIGINT/SIGTERM, plus process-group teardown for
// hermetic actions whose subprocess tree must not outlive a cancelled
// build. Replaces distri's package-level os.Exit(128+signal) hook with
// the context-cancellation its own TODO comment had flagged as the
// right direction.
package oninterrupt

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Token is a single build invocation's cooperative cancellation point:
// Context is cancelled, and every registered cleanup runs, the first
// time SIGINT or SIGTERM arrives.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cleanup []func()
	fired   bool
}

// NewToken constructs a Token derived from parent.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Context returns the token's cancellation context.
func (t *Token) Context() context.Context { return t.ctx }

// Register queues f to run when the token fires (signal received, or
// Cancel called directly). Order is not guaranteed.
func (t *Token) Register(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanup = append(t.cleanup, f)
}

// Cancel fires the token directly, running cleanup and cancelling
// Context, without waiting for a signal. Idempotent.
func (t *Token) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return
	}
	t.fired = true
	for _, f := range t.cleanup {
		f()
	}
	t.cancel()
}

// Listen starts a goroutine that fires the token on the first SIGINT or
// SIGTERM and stops listening thereafter, leaving a second signal free
// to force an immediate process exit via the default Go runtime
// handling.
func (t *Token) Listen() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		signal.Stop(c)
		t.Cancel()
	}()
}

// NewProcessGroupAttr returns a SysProcAttr that places a child process
// in its own process group, so KillProcessGroup can later terminate the
// whole subprocess tree a hermetic action may have spawned (shell
// pipelines, compiler drivers forking linkers) rather than just the
// immediate child.
func NewProcessGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// KillProcessGroup sends sig to every process in pid's process group.
// Used when an action is cancelled or times out, so orphaned
// descendants don't keep running (and keep writing into the action's
// scratch directory) after the executor has moved on.
func KillProcessGroup(pid int, sig syscall.Signal) error {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return err
	}
	return unix.Kill(-pgid, sig)
}
