package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tccp/tccp/pkg/types"
)

// scriptedReader replays a fixed sequence of chunks, one per Read call, then
// blocks until the test ends (simulating an idle PTY once the shell is up).
type scriptedReader struct {
	chunks [][]byte
	idx    int
	done   chan struct{}
}

func (s *scriptedReader) Read(p []byte) (int, error) {
	if s.idx < len(s.chunks) {
		n := copy(p, s.chunks[s.idx])
		s.idx++
		return n, nil
	}
	<-s.done
	return 0, context.Canceled
}

func TestNegotiatorShellReadyImmediately(t *testing.T) {
	r := &scriptedReader{chunks: [][]byte{[]byte("[user@login01 ~]$ ")}, done: make(chan struct{})}
	defer close(r.done)

	var out bytes.Buffer
	n := &negotiator{target: &types.SessionTarget{}, w: nopWriteCloser{&out}}

	err := n.run(context.Background(), r)
	require.NoError(t, err)
}

func TestNegotiatorPasswordThenShellReady(t *testing.T) {
	r := &scriptedReader{
		chunks: [][]byte{[]byte("Password: "), []byte("[user@login01 ~]$ ")},
		done:   make(chan struct{}),
	}
	defer close(r.done)

	var out bytes.Buffer
	n := &negotiator{target: &types.SessionTarget{Password: "hunter2"}, w: nopWriteCloser{&out}}

	err := n.run(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, "hunter2\n", out.String())
}

func TestNegotiatorRejectsDoublePasswordPrompt(t *testing.T) {
	r := &scriptedReader{
		chunks: [][]byte{[]byte("Password: "), []byte("Password: ")},
		done:   make(chan struct{}),
	}
	defer close(r.done)

	var out bytes.Buffer
	n := &negotiator{target: &types.SessionTarget{Password: "hunter2"}, w: nopWriteCloser{&out}}

	err := n.run(context.Background(), r)
	require.Error(t, err)
}

func Test2FAPushSelectsOption1(t *testing.T) {
	r := &scriptedReader{
		chunks: [][]byte{[]byte("Duo two-factor login\noption (1-3): "), []byte("[user@login01 ~]$ ")},
		done:   make(chan struct{}),
	}
	defer close(r.done)

	var out bytes.Buffer
	n := &negotiator{target: &types.SessionTarget{Use2FA: true}, w: nopWriteCloser{&out}}

	err := n.run(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, "1\n", out.String())
}

func TestNegotiatorContextCancellation(t *testing.T) {
	r := &scriptedReader{done: make(chan struct{})}
	defer close(r.done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	n := &negotiator{target: &types.SessionTarget{}, w: nopWriteCloser{&out}}

	err := n.run(ctx, r)
	require.Error(t, err)
}

type nopWriteCloser struct{ w *bytes.Buffer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
