package liveness

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSockPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), fmt.Sprintf("sock-%d", time.Now().UnixNano()))
}

func TestRunCompletesAfterConnectAndDisconnect(t *testing.T) {
	path := testSockPath(t)
	l, err := Listen(path)
	require.NoError(t, err)
	defer l.Close()

	done := make(chan error, 1)
	go func() {
		done <- l.Run(context.Background())
	}()

	fd, err := Connect(path)
	require.NoError(t, err)
	assert.True(t, fd >= 0)

	require.Eventually(t, func() bool { return l.Count() == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, l.SawInstance())

	Disconnect(fd)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the instance disconnected")
	}
	assert.Equal(t, 0, l.Count())
}

func TestRunCancelsWithoutAnyInstance(t *testing.T) {
	path := testSockPath(t)
	l, err := Listen(path)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.False(t, l.SawInstance())
}

func TestConnectFailsWithoutListener(t *testing.T) {
	_, err := Connect(filepath.Join(t.TempDir(), "nothing-listening"))
	assert.Error(t, err)
}

func TestDisconnectIgnoresNegativeFD(t *testing.T) {
	Disconnect(-1)
}
