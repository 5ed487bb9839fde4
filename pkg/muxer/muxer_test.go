package muxer

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeStdin captures every write as a string on a channel so a test driver
// goroutine can script responses on the paired fakeStdout pipe.
type fakeStdin struct {
	mu  sync.Mutex
	out chan string
}

func (f *fakeStdin) Write(p []byte) (int, error) {
	f.out <- string(p)
	return len(p), nil
}
func (f *fakeStdin) Close() error { return nil }

func newTestMultiplexer(t *testing.T) (*Multiplexer, *fakeStdin, *io.PipeWriter) {
	t.Helper()
	stdin := &fakeStdin{out: make(chan string, 32)}
	pr, pw := io.Pipe()

	m := New("tccp_mux_test")
	m.stdin = stdin
	m.stdout = pr
	m.ioMu = &sync.Mutex{}

	return m, stdin, pw
}

func TestMultiplexerStartRegistersMasterChannel(t *testing.T) {
	m, stdin, pw := newTestMultiplexer(t)
	go m.readerLoop()

	go func() {
		<-stdin.out // kill-session
		<-stdin.out // new-session -C
		_, _ = pw.Write([]byte("%output %0 hello\\015\\012\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.sendRaw("tmux kill-session -t tccp_mux_test 2>/dev/null\n"); err != nil {
		t.Fatalf("kill-session: %v", err)
	}
	if err := m.sendRaw("tmux -C new-session -s tccp_mux_test\n"); err != nil {
		t.Fatalf("new-session: %v", err)
	}

	select {
	case paneID := <-m.masterCh:
		if paneID != "%0" {
			t.Fatalf("paneID = %q, want %%0", paneID)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for master pane registration")
	}
}

func TestMultiplexerRunReturnsParsedResult(t *testing.T) {
	m, stdin, pw := newTestMultiplexer(t)
	go m.readerLoop()

	m.byID[MasterChannelID] = &channel{id: MasterChannelID, paneID: "%0", outputCh: make(chan struct{}, 1)}
	m.byPane["%0"] = m.byID[MasterChannelID]
	m.running.Store(true)
	m.masterRegistered.Store(true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2; i++ {
			cmd := <-stdin.out
			if strings.Contains(cmd, "-l") {
				// printable run carrying the wrapped marker command;
				// the pane's framed %output reply is written below
				// once both send-keys lines have arrived.
			}
		}
		_, _ = pw.Write([]byte("%output %0 BEGIN\\015\\012hello\\015\\012DONE 0\\015\\012\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := m.Run(ctx, MasterChannelID, "echo hello", 2*time.Second)
	<-done
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Fatalf("Stdout = %q, want to contain hello", res.Stdout)
	}
}

func TestMultiplexerCloseChannelRejectsMaster(t *testing.T) {
	m, _, _ := newTestMultiplexer(t)
	m.running.Store(true)
	if err := m.CloseChannel(MasterChannelID); err == nil {
		t.Fatal("expected error closing master channel")
	}
}

func TestMultiplexerOpenChannelFailsWhenStopped(t *testing.T) {
	m, _, _ := newTestMultiplexer(t)
	if _, err := m.OpenChannel(); err == nil {
		t.Fatal("expected error opening channel before multiplexer is running")
	}
}
