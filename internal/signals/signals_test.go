//go:build unix

package signals

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitSignalReceiverRecordsSignal(t *testing.T) {
	receiver := NewExitSignalReceiver(syscall.SIGUSR1)
	defer receiver.Stop()

	assert.Empty(t, receiver.Received())

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	require.Eventually(t, func() bool {
		return len(receiver.Received()) > 0
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []os.Signal{syscall.SIGUSR1}, receiver.Received())
}

func TestExitSignalReceiverStopIsIdempotent(t *testing.T) {
	receiver := NewExitSignalReceiver(syscall.SIGUSR2)
	receiver.Stop()
	receiver.Stop()
	assert.Empty(t, receiver.Received())
}

func TestManualDeduplicates(t *testing.T) {
	var manual Manual
	var signal ShutdownSignal = &manual
	assert.Empty(t, signal.Received())

	manual.Raise(syscall.SIGTERM)
	manual.Raise(syscall.SIGTERM)
	manual.Raise(os.Interrupt)

	assert.Equal(t, []os.Signal{syscall.SIGTERM, os.Interrupt}, signal.Received())
}
