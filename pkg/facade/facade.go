package facade

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tccp/tccp/pkg/log"
	"github.com/tccp/tccp/pkg/muxer"
	"github.com/tccp/tccp/pkg/tccperrors"
	"github.com/tccp/tccp/pkg/transport"
	"github.com/tccp/tccp/pkg/types"
)

// Resize is a terminal size change propagated from an attached shell client
// into the pane behind it.
type Resize struct {
	Cols int
	Rows int
}

// Facade dispatches the connection shapes the rest of the core needs onto a
// single established Transport/Multiplexer pair (spec.md §4.3).
type Facade struct {
	t   *transport.Transport
	mux *muxer.Multiplexer

	loginHost string

	primaryCmdMu sync.Mutex // serializes channel 0's request/response flow
}

// New builds a Facade over an already-Started transport and multiplexer.
func New(t *transport.Transport, mux *muxer.Multiplexer, target *types.SessionTarget) *Facade {
	return &Facade{t: t, mux: mux, loginHost: target.LoginHost}
}

// DTN runs cmd on channel 0, the master pane that holds any session-scoped
// tickets (e.g. Kerberos) established at original login. Calls are
// serialized by primaryCmdMu so one caller's request/response round trip
// cannot interleave with another's.
func (f *Facade) DTN(ctx context.Context, cmd string, timeout time.Duration) (muxer.RunResult, error) {
	f.primaryCmdMu.Lock()
	defer f.primaryCmdMu.Unlock()
	return f.mux.Run(ctx, muxer.MasterChannelID, cmd, timeout)
}

// Login runs cmd on the configured login host via an SSH hop from the
// gateway, still multiplexed through channel 0. The /dev/null redirection
// is mandatory: without it the second-hop ssh would itself read and consume
// the marker-protocol's done line from its stdin, corrupting the framing
// (spec.md §4.3).
func (f *Facade) Login(ctx context.Context, cmd string, timeout time.Duration) (muxer.RunResult, error) {
	if f.loginHost == "" {
		return muxer.RunResult{}, fmt.Errorf("%w: no login_host configured", tccperrors.ErrChannelProtocol)
	}
	wrapped := buildLoginCommand(f.loginHost, cmd)
	f.primaryCmdMu.Lock()
	defer f.primaryCmdMu.Unlock()
	return f.mux.Run(ctx, muxer.MasterChannelID, wrapped, timeout)
}

// Run is DTN under the method name alloc.CommandRunner expects, so a
// *Facade can be handed to alloc.New directly.
func (f *Facade) Run(ctx context.Context, cmd string, timeout time.Duration) (muxer.RunResult, error) {
	return f.DTN(ctx, cmd, timeout)
}

// singleQuote wraps s in single quotes, replacing any embedded single quote
// with the standard POSIX '\'' escape, matching spec.md §4.3's description
// of the login-hop escaping exactly.
func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// buildLoginCommand wraps cmd in the second-hop ssh invocation Login sends
// over channel 0. The /dev/null redirection must stay literal: it is not
// part of the quoted command, so the second-hop ssh process's own stdin is
// what gets closed, not anything inside cmd.
func buildLoginCommand(loginHost, cmd string) string {
	return fmt.Sprintf("ssh -T -o StrictHostKeyChecking=no %s %s </dev/null", loginHost, singleQuote(cmd))
}

// WorkChannel is a dedicated multiplexed channel handed to one background
// caller — job initialization, scheduler polling — so its commands never
// queue behind channel 0's shell relay or primaryCmdMu (spec.md §5: "across
// channels, no ordering is guaranteed"). It satisfies alloc.CommandRunner.
type WorkChannel struct {
	f  *Facade
	id int
}

// OpenWorkChannel opens a fresh multiplexed channel for exclusive background
// use. Callers must Close it when done.
func (f *Facade) OpenWorkChannel() (*WorkChannel, error) {
	id, err := f.mux.OpenChannel()
	if err != nil {
		return nil, fmt.Errorf("opening work channel: %w", err)
	}
	return &WorkChannel{f: f, id: id}, nil
}

// Run executes cmd on this channel and blocks for its done marker.
func (w *WorkChannel) Run(ctx context.Context, cmd string, timeout time.Duration) (muxer.RunResult, error) {
	return w.f.mux.Run(ctx, w.id, cmd, timeout)
}

// Close releases the underlying multiplexed channel.
func (w *WorkChannel) Close() error {
	return w.f.mux.CloseChannel(w.id)
}

// ExecChannel opens a raw session-type channel directly on the transport.
// This triggers the gateway's 2FA challenge a second time, so callers should
// avoid it outside of diagnostics; spec.md §4.3 notes it is "in practice
// avoided".
func (f *Facade) ExecChannel() (*ssh.Session, error) {
	return f.t.RawClient().NewSession()
}

// Tunnel opens a direct-TCP channel from the gateway to host:port. It is not
// multiplexed via the terminal protocol — it is a separate channel type on
// the same already-authenticated transport, returned raw for the Port
// Forwarder to relay against a local listener.
func (f *Facade) Tunnel(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := f.t.RawClient().Dial("tcp", addr)
		resultCh <- dialResult{conn, err}
	}()
	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("opening tunnel to %s: %w", addr, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ShellSession is a raw interactive relay on a freshly opened multiplexed
// channel: it blocks stdin into the pane and pane output to the attached
// writer, propagating resize events, until the Attach context is canceled
// or the session is marked complete via SignalDone.
type ShellSession struct {
	f         *Facade
	channelID int
	doneCh    chan struct{}
	closeOnce sync.Once
}

// Shell opens a fresh multiplexed channel for an interactive relay
// (spec.md §4.3). The caller drives it with Attach and eventually Close.
func (f *Facade) Shell() (*ShellSession, error) {
	id, err := f.mux.OpenChannel()
	if err != nil {
		return nil, fmt.Errorf("opening shell channel: %w", err)
	}
	return &ShellSession{f: f, channelID: id, doneCh: make(chan struct{})}, nil
}

// Attach blocks, copying stdin into the pane and pane output to stdout and
// applying resize events from resizeCh, until the context is canceled, the
// pane signals completion (SignalDone), or the user detaches by canceling
// ctx from the caller side.
func (s *ShellSession) Attach(ctx context.Context, stdin io.Reader, stdout io.Writer, resizeCh <-chan Resize) error {
	logger := log.WithComponent("facade").With().Str("channel", fmt.Sprintf("%d", s.channelID)).Logger()

	if err := s.f.mux.SetOutputCallback(s.channelID, func(data []byte) {
		if _, err := stdout.Write(data); err != nil {
			logger.Warn().Err(err).Msg("shell attach: writing pane output failed")
		}
	}); err != nil {
		return err
	}
	defer s.f.mux.ClearOutputCallback(s.channelID)

	stdinErrCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stdin.Read(buf)
			if n > 0 {
				if sendErr := s.f.mux.SendInput(s.channelID, buf[:n]); sendErr != nil {
					stdinErrCh <- sendErr
					return
				}
			}
			if err != nil {
				stdinErrCh <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.doneCh:
			return nil
		case err := <-stdinErrCh:
			if err == io.EOF {
				return nil
			}
			return err
		case r, ok := <-resizeCh:
			if !ok {
				resizeCh = nil
				continue
			}
			if err := s.f.mux.Resize(s.channelID, r.Cols, r.Rows); err != nil {
				logger.Warn().Err(err).Msg("shell attach: resize failed")
			}
		}
	}
}

// SignalDone marks the session complete; a blocked Attach call returns nil.
// The job orchestrator does not call it: job.Manager.OpenViewer leaves
// calling it to whoever drives the viewer session (spec.md §4.6.3).
func (s *ShellSession) SignalDone() {
	s.closeOnce.Do(func() { close(s.doneCh) })
}

// Close releases the underlying multiplexed channel.
func (s *ShellSession) Close() error {
	return s.f.mux.CloseChannel(s.channelID)
}
