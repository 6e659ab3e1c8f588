package oninterrupt

import (
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenCancelRunsCleanupAndCancelsContext(t *testing.T) {
	tok := NewToken(context.Background())

	var ran int
	tok.Register(func() { ran++ })
	tok.Register(func() { ran++ })

	tok.Cancel()

	require.Equal(t, 2, ran)
	require.ErrorIs(t, tok.Context().Err(), context.Canceled)
}

func TestTokenCancelIsIdempotent(t *testing.T) {
	tok := NewToken(context.Background())

	var ran int
	tok.Register(func() { ran++ })

	tok.Cancel()
	tok.Cancel()

	require.Equal(t, 1, ran)
}

func TestNewProcessGroupAttrSetsSetpgid(t *testing.T) {
	attr := NewProcessGroupAttr()
	require.True(t, attr.Setpgid)
}

func TestKillProcessGroupTerminatesChild(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	cmd.SysProcAttr = NewProcessGroupAttr()
	require.NoError(t, cmd.Start())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	require.NoError(t, KillProcessGroup(cmd.Process.Pid, syscall.SIGKILL))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("process group was not killed in time")
	}
}
