//go:build unix

package assistant

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendrel/tendrel/internal/common/logger"
)

// writeFakeAssistant writes a shell script speaking the stdio protocol and
// returns its path.
func writeFakeAssistant(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-assistant")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func testOptions(cmd string, args ...string) Options {
	return Options{
		Command:     append([]string{cmd}, args...),
		SessionKey:  "sess-1",
		TenantID:    "tenant-1",
		UserHandle:  "user-1",
		CallTimeout: 5 * time.Second,
	}
}

const echoScript = `
echo '{"type":"system","subtype":"init","session_id":"sess-1"}'
while read line; do
  echo '{"type":"assistant","message":{"role":"assistant"}}'
  echo '{"type":"result","subtype":"success","result":"pong"}'
done
`

func TestInjectMessageRoundTrip(t *testing.T) {
	path := writeFakeAssistant(t, echoScript)
	runner := NewSubprocessRunner(logger.Default())

	p, err := runner.Start(context.Background(), testOptions(path))
	require.NoError(t, err)
	defer p.Close()

	reply, err := p.InjectMessage(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)

	// The process keeps serving subsequent calls.
	reply, err = p.InjectMessage(context.Background(), "ping again")
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)
}

func TestErrorResultEvent(t *testing.T) {
	path := writeFakeAssistant(t, `
echo '{"type":"system","subtype":"init"}'
while read line; do
  echo '{"type":"result","subtype":"error","is_error":true,"result":"model refused"}'
done
`)
	runner := NewSubprocessRunner(logger.Default())
	p, err := runner.Start(context.Background(), testOptions(path))
	require.NoError(t, err)
	defer p.Close()

	_, err = p.InjectMessage(context.Background(), "ping")
	require.Error(t, err)
	var aerr *Error
	require.True(t, errors.As(err, &aerr))
	assert.Contains(t, aerr.Error(), "model refused")
}

func TestCallTimeoutKillsProcess(t *testing.T) {
	path := writeFakeAssistant(t, `
echo '{"type":"system","subtype":"init"}'
sleep 60
`)
	runner := NewSubprocessRunner(logger.Default())
	opts := testOptions(path)
	opts.CallTimeout = 200 * time.Millisecond

	p, err := runner.Start(context.Background(), opts)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.InjectMessage(context.Background(), "ping")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The kill reaps the process.
	deadline := time.Now().Add(3 * time.Second)
	for p.Alive() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	assert.False(t, p.Alive())
}

func TestUnexpectedExitRejectsPendingCall(t *testing.T) {
	path := writeFakeAssistant(t, `
echo '{"type":"system","subtype":"init"}'
read line
echo "boom: backend unreachable" >&2
exit 1
`)
	runner := NewSubprocessRunner(logger.Default())
	p, err := runner.Start(context.Background(), testOptions(path))
	require.NoError(t, err)

	_, err = p.InjectMessage(context.Background(), "ping")
	require.Error(t, err)
	var aerr *Error
	require.True(t, errors.As(err, &aerr))
	assert.Contains(t, aerr.Stderr, "backend unreachable")
}

func TestResumeFallsBackToFreshSession(t *testing.T) {
	// Resume attempts die with the no-such-session marker; fresh starts work.
	path := writeFakeAssistant(t, `
case "$*" in
  *--resume*)
    echo "Error: no conversation found with session id" >&2
    exit 1
    ;;
esac
`+echoScript)
	runner := NewSubprocessRunner(logger.Default())
	opts := testOptions(path)
	opts.Resume = true

	p, err := runner.Start(context.Background(), opts)
	require.NoError(t, err)
	defer p.Close()

	reply, err := p.InjectMessage(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)
}

func TestCloseEndsProcess(t *testing.T) {
	path := writeFakeAssistant(t, echoScript)
	runner := NewSubprocessRunner(logger.Default())
	p, err := runner.Start(context.Background(), testOptions(path))
	require.NoError(t, err)

	p.Close()
	assert.False(t, p.Alive())
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "abc", SessionKey("abc", nil))

	resetAt := time.Unix(1700000000, 0)
	assert.Equal(t, "abc-r1700000000", SessionKey("abc", &resetAt))
}
